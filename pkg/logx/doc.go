// Package logx is newsletterd's structured logger, a thin layer over zerolog.
//
// Services take a Logger by value and tag it with their component:
//
//	log = log.With(logx.String("comp", "dispatcher"))
//	log.Info("job finished", logx.Job(id), logx.Int("delivered", n))
//
// A Service holds the sinks so config reloads can change level and outputs
// without rebuilding every component's logger.
package logx
