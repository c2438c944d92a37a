package delivery

import "time"

// Config controls retries and throttling of single sends.
type Config struct {
	// RatePerSec bounds transport calls per second across the process.
	// <= 0 disables throttling.
	RatePerSec float64
	Burst      int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
	SendTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = int(c.RatePerSec)
		if c.Burst < 1 {
			c.Burst = 1
		}
	}
	return c
}
