package main

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"github.com/urfave/cli"

	"github.com/cuttlefish-cvd/cvd/cvderrors"
	"github.com/cuttlefish-cvd/cvd/instances/persist/api"
	"github.com/cuttlefish-cvd/cvd/instances/selector"
	"github.com/cuttlefish-cvd/cvd/pkg/signals"
	"github.com/cuttlefish-cvd/cvd/pkg/supervisor"
)

// Deps bundles the process-wide collaborators every handler needs.
// Built once in main and threaded through every Request.
type Deps struct {
	Store    api.Store
	Selector *selector.Selector
	Signals  *signals.Stack
	Super    *supervisor.Supervisor
}

// Request is what cli/main.go hands to every lifecycle handler: the
// parsed flags (via the embedded cli.Context), the process environment
// as a map, and the shared Deps.
type Request struct {
	*cli.Context
	Deps   *Deps
	Env    map[string]string
	Stdout io.Writer
	Stderr io.Writer
}

// environToMap turns os.Environ()'s "KEY=VALUE" slice into a map, the
// shape every component below cli/ expects (Path & Environment Resolver,
// Start-option Parser, Creation Analyzer).
func environToMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			m[kv[:idx]] = kv[idx+1:]
		}
	}
	return m
}

// newRequest builds a Request from a urfave/cli context and the shared
// Deps, capturing the live process environment once per invocation.
func newRequest(c *cli.Context, deps *Deps) *Request {
	return &Request{
		Context: c,
		Deps:    deps,
		Env:     environToMap(os.Environ()),
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}
}

// selectorFlags extracts the selector flags recognized on every
// sub-command (spec.md §6): --group_name, --instance_name.
func (r *Request) selectorFlags() selector.Flags {
	var names []string
	if raw := r.GlobalString("instance_name"); raw != "" {
		names = strings.Split(raw, ",")
	}
	if raw := r.String("instance_name"); raw != "" {
		names = strings.Split(raw, ",")
	}
	groupName := r.GlobalString("group_name")
	if g := r.String("group_name"); g != "" {
		groupName = g
	}
	return selector.Flags{GroupName: groupName, InstanceNames: names}
}

// selectorEnv derives selector.Env from the request's environment and
// the OS-reported home directory.
func (r *Request) selectorEnv() selector.Env {
	systemHome := ""
	if u, err := user.Current(); err == nil {
		systemHome = u.HomeDir
	}
	return selector.Env{
		HOME:               r.Env["HOME"],
		SystemWideHome:     systemHome,
		CUTTLEFISHInstance: r.Env["CUTTLEFISH_INSTANCE"],
	}
}

// buildQuery assembles the api.Query for this request per spec.md §4.5.
// When the global --disable_default_group flag is set, an otherwise
// wholly-unnarrowed query is rejected rather than silently falling back to
// "the only group that happens to exist".
func (r *Request) buildQuery() (api.Query, error) {
	query, err := selector.BuildQuery(r.selectorFlags(), r.selectorEnv())
	if err != nil {
		return api.Query{}, err
	}
	if query.Empty() && r.GlobalBool("disable_default_group") {
		return api.Query{}, fmt.Errorf("%w: --disable_default_group is set; specify --group_name or --instance_name", cvderrors.ErrUser)
	}
	return query, nil
}
