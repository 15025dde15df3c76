// Package session maps logical projects to live interactive sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/bridge25/unmanned-manager/internal/config"
	"github.com/bridge25/unmanned-manager/internal/log"
)

var (
	ErrUnknownProject = errors.New("unknown project")
	ErrNoSession      = errors.New("session not running")
)

// Handle is a resolved project session. Exists reflects the host at the
// moment of the last Resolve or Refresh only.
type Handle struct {
	Project string `json:"project"`
	Session string `json:"session"`
	Dir     string `json:"dir"`
	Exists  bool   `json:"exists"`
}

// Registry resolves project names and aliases to sessions.
type Registry struct {
	host     Host
	projects map[string]config.ProjectConfig
	aliases  map[string]string
	logger   *slog.Logger
}

// NewRegistry indexes projects by name and by alias, case-insensitively.
func NewRegistry(host Host, projects map[string]config.ProjectConfig) *Registry {
	r := &Registry{
		host:     host,
		projects: projects,
		aliases:  make(map[string]string),
		logger:   log.WithComponent("session"),
	}
	for name, p := range projects {
		r.aliases[normalize(name)] = name
		for _, a := range p.Aliases {
			r.aliases[normalize(a)] = name
		}
	}
	return r
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Host returns the backing host.
func (r *Registry) Host() Host { return r.host }

// Lookup resolves project without contacting the host. Exists is false.
func (r *Registry) Lookup(project string) (Handle, error) {
	name, ok := r.aliases[normalize(project)]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %q", ErrUnknownProject, project)
	}
	p := r.projects[name]
	return Handle{Project: name, Session: p.Session, Dir: p.Dir}, nil
}

// Resolve looks up project and asks the host whether its session is live.
func (r *Registry) Resolve(ctx context.Context, project string) (Handle, error) {
	h, err := r.Lookup(project)
	if err != nil {
		return Handle{}, err
	}
	return r.Refresh(ctx, h)
}

// Refresh re-checks h.Exists against the host.
func (r *Registry) Refresh(ctx context.Context, h Handle) (Handle, error) {
	live, err := r.host.ListSessions(ctx)
	if err != nil {
		return h, fmt.Errorf("list sessions: %w", err)
	}
	h.Exists = slices.Contains(live, h.Session)
	return h, nil
}

// List returns one handle per configured session, sorted by session name.
// Projects sharing a session are reported under the first project name.
func (r *Registry) List(ctx context.Context) ([]Handle, error) {
	live, err := r.host.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	names := make([]string, 0, len(r.projects))
	for name := range r.projects {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[string]bool)
	var out []Handle
	for _, name := range names {
		p := r.projects[name]
		if seen[p.Session] {
			continue
		}
		seen[p.Session] = true
		out = append(out, Handle{
			Project: name,
			Session: p.Session,
			Dir:     p.Dir,
			Exists:  slices.Contains(live, p.Session),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out, nil
}

// Create starts the project's session in its directory unless it is already
// running. created reports whether a new session was started.
func (r *Registry) Create(ctx context.Context, project string) (h Handle, created bool, err error) {
	h, err = r.Resolve(ctx, project)
	if err != nil {
		return h, false, err
	}
	if h.Exists {
		return h, false, nil
	}
	if h.Dir != "" {
		info, statErr := os.Stat(h.Dir)
		if statErr != nil || !info.IsDir() {
			return h, false, fmt.Errorf("project %s: directory %q not found", h.Project, h.Dir)
		}
	}
	if err := r.host.NewSession(ctx, h.Session, h.Dir); err != nil {
		return h, false, fmt.Errorf("create session %s: %w", h.Session, err)
	}
	r.logger.Info("session created", "session", h.Session, "project", h.Project, "dir", h.Dir)
	h.Exists = true
	return h, true, nil
}
