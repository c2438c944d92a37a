package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultRecoverySchedule = "@every 30s"

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// recoverySpec normalizes a recovery schedule into a cron spec.
//
// Supported forms:
//   - cron: "*/1 * * * *", "@every 30s", "@hourly"
//   - Go duration: "45s", "2m" (becomes "@every <d>")
func recoverySpec(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return defaultRecoverySchedule, nil
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		if _, err := parser.Parse(s); err != nil {
			return "", fmt.Errorf("invalid recovery schedule %q: %w", raw, err)
		}
		return s, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf("invalid recovery schedule %q (use cron like '*/1 * * * *' or duration like '30s')", raw)
	}
	if d <= 0 {
		return "", fmt.Errorf("recovery interval must be > 0")
	}
	return "@every " + d.String(), nil
}

// LoadLocation resolves an IANA timezone, falling back to Local.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local, err
	}
	return loc, nil
}
