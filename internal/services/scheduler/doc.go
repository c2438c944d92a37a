// Package scheduler turns due pending jobs into running ones.
//
// A poll loop lists due jobs on every tick and claims each with the store's
// compare-and-swap; only the winner hands the job to the dispatcher. A cron
// entry sweeps running jobs whose dispatch lease expired (crashed process)
// and resumes them.
package scheduler
