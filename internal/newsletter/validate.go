package newsletter

import (
	"strings"
	"time"
)

// Validate checks a job before it is persisted.
func Validate(j *Job, now time.Time) error {
	if j == nil {
		return invalid("job", "required")
	}
	if strings.TrimSpace(j.Subject) == "" {
		return invalid("subject", "must not be empty")
	}
	if strings.TrimSpace(j.HTMLContent) == "" {
		return invalid("html_content", "must not be empty")
	}

	switch j.Target.Kind {
	case TargetAll:
		if len(j.Target.ProfileIDs) > 0 {
			return invalid("profiles", "must be empty for target all")
		}
	case TargetExplicit:
		n := 0
		for _, id := range j.Target.ProfileIDs {
			if strings.TrimSpace(id) != "" {
				n++
			}
		}
		if n == 0 {
			return invalid("profiles", "explicit target needs at least one profile")
		}
	default:
		return invalid("target", "unknown kind "+string(j.Target.Kind))
	}

	switch j.Mode.Kind {
	case ModeImmediate:
	case ModeScheduled:
		if j.Mode.DueAt.IsZero() {
			return invalid("due_at", "required for scheduled mode")
		}
		if j.Mode.DueAt.Before(now) {
			return invalid("due_at", "is in the past")
		}
	default:
		return invalid("mode", "unknown kind "+string(j.Mode.Kind))
	}
	return nil
}
