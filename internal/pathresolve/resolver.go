// Package pathresolve locates an attachment on the remote store when the
// recorded path may be stale: stored with or without a leading slash, under a
// legacy upload directory, or at the store root.
package pathresolve

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/tflow/attachstore/internal/remote"
	"github.com/tflow/attachstore/internal/session"
	"github.com/tflow/attachstore/pkg/errors"
	"github.com/tflow/attachstore/pkg/utils"
)

const component = "path-resolver"

// Layout describes where uploads live now and where they used to live.
type Layout struct {
	// CurrentDir is the directory new uploads are written to.
	CurrentDir string `yaml:"current_dir"`

	// LegacyDirs are directories earlier versions uploaded to, most recent first.
	LegacyDirs []string `yaml:"legacy_dirs"`
}

// DefaultLayout returns the production directory layout.
func DefaultLayout() Layout {
	return Layout{
		CurrentDir: "uploads",
		LegacyDirs: []string{"upload-tirvu-sprint"},
	}
}

// Candidates returns the ordered, de-duplicated list of remote paths an
// attachment recorded at recorded may be found at.
func Candidates(recorded string, layout Layout) []string {
	recorded = strings.TrimSpace(recorded)
	if recorded == "" {
		return nil
	}

	base := utils.RemoteBase(recorded)
	list := []string{
		recorded,
		utils.ToggleLeadingSlash(recorded),
		utils.JoinRemote(layout.CurrentDir, base),
	}
	for _, dir := range layout.LegacyDirs {
		list = append(list, utils.JoinRemote(dir, base))
	}
	list = append(list, base)

	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, p := range list {
		if p == "" || p == "/" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Resolution is the outcome of a successful lookup.
type Resolution struct {
	// Path is the candidate that exists.
	Path string

	// Healed is true when Path differs from the recorded path and the
	// record should be updated.
	Healed bool

	// Probes is the number of candidates checked.
	Probes int
}

// Resolver probes candidates on the remote store.
type Resolver struct {
	policy *session.Policy
	layout Layout
	group  singleflight.Group
	logger *slog.Logger
}

// New creates a resolver.
func New(policy *session.Policy, layout Layout, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		policy: policy,
		layout: layout,
		logger: logger.With("component", component),
	}
}

// Layout returns the directory layout the resolver searches.
func (r *Resolver) Layout() Layout {
	return r.layout
}

// Resolve returns the first candidate that exists. A missing object yields an
// error of class NotFound. Any other probe failure aborts the search, since
// continuing could misreport an unreachable object as missing.
func (r *Resolver) Resolve(ctx context.Context, recorded string) (Resolution, error) {
	// concurrent lookups of one path share a single probe sequence, which
	// must not be cut short when the caller that started it goes away
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(recorded, func() (interface{}, error) {
		return r.resolve(shared, recorded)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Resolution{}, res.Err
		}
		return res.Val.(Resolution), nil
	case <-ctx.Done():
		return Resolution{}, errors.Wrap(ctx.Err(), errors.ErrCodeStorageRead, component, "resolve")
	}
}

func (r *Resolver) resolve(ctx context.Context, recorded string) (Resolution, error) {
	candidates := Candidates(recorded, r.layout)
	if len(candidates) == 0 {
		return Resolution{}, errors.NewError(errors.ErrCodePathInvalid, "empty remote path").
			WithComponent(component).WithOperation("resolve").
			WithClass(errors.ClassNotFound)
	}

	for i, candidate := range candidates {
		err := r.policy.Run(ctx, "stat", func(ctx context.Context, s remote.Session) error {
			_, err := s.Stat(ctx, candidate)
			return err
		})

		switch {
		case err == nil:
			res := Resolution{Path: candidate, Healed: candidate != recorded, Probes: i + 1}
			if res.Healed {
				r.logger.Info("Resolved attachment at alternate path",
					"recorded", recorded,
					"resolved", candidate,
					"probes", res.Probes)
			}
			return res, nil
		case errors.IsNotFound(err):
			continue
		default:
			return Resolution{}, err
		}
	}

	r.logger.Debug("Attachment not found at any candidate path",
		"recorded", recorded,
		"candidates", candidates)

	return Resolution{}, errors.NewError(errors.ErrCodeObjectNotFound, "attachment not found on remote store").
		WithComponent(component).
		WithOperation("resolve").
		WithDetail("recorded", recorded).
		WithDetail("candidates", candidates)
}
