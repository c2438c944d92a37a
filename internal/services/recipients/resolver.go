// Package recipients expands a job Target into the concrete recipient ids a
// dispatch sends to.
package recipients

import (
	"context"
	"errors"
	"strings"

	"newsletterd/internal/newsletter"
	logx "newsletterd/pkg/logx"
)

// Directory lists every profile that "all" targets.
type Directory interface {
	ListProfiles(ctx context.Context) ([]string, error)
}

// Resolver is the RecipientResolver.
type Resolver struct {
	dir Directory
	log logx.Logger
}

func NewResolver(dir Directory, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{dir: dir, log: log.With(logx.String("comp", "recipients"))}
}

// Resolve returns trimmed, non-empty, de-duplicated recipient ids in order of
// first occurrence. Directory failures wrap newsletter.ErrResolution; a
// listing cut short by ctx returns ctx's error as is.
func (r *Resolver) Resolve(ctx context.Context, t newsletter.Target) ([]string, error) {
	switch t.Kind {
	case newsletter.TargetExplicit:
		return dedupe(t.ProfileIDs), nil
	case newsletter.TargetAll:
		if r.dir == nil {
			return nil, newsletter.ResolutionError(errors.New("no profile directory configured"))
		}
		ids, err := r.dir.ListProfiles(ctx)
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		if err != nil {
			r.log.Warn("profile directory failed", logx.Err(err))
			return nil, newsletter.ResolutionError(err)
		}
		out := dedupe(ids)
		r.log.Debug("resolved all profiles", logx.Int("count", len(out)))
		return out, nil
	default:
		return nil, newsletter.ResolutionError(errors.New("unknown target kind " + string(t.Kind)))
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
