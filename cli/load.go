package main

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"syscall"

	"github.com/urfave/cli"

	"github.com/cuttlefish-cvd/cvd/cvderrors"
	"github.com/cuttlefish-cvd/cvd/instances"
	"github.com/cuttlefish-cvd/cvd/instances/config"
	"github.com/cuttlefish-cvd/cvd/instances/persist/api"
)

// LoadCommand is `cvd load <config.json> [--override=path:value ...]`.
var LoadCommand = cli.Command{
	Name:  "load",
	Usage: "create and start one or more instances from a declarative JSON config",
	Flags: []cli.Flag{
		cli.StringSliceFlag{Name: "override"},
		cli.StringFlag{Name: "group_name"},
		cli.BoolFlag{Name: "help, h"},
	},
	Action: func(c *cli.Context) error {
		return dispatch(c, sharedDeps, handleLoad)
	},
}

// fetcher is the stubbed seam for the fetch sub-system, which SPEC_FULL.md
// §D deliberately leaves out of scope ("stubbed as an interface the
// load/create path can call"). The production binary would wire this to
// an invocation of the real `cvd fetch` helper.
type fetcher interface {
	Fetch(args []string, env []string) error
}

// noopFetcher is the default fetcher: it reports success without doing
// any network I/O, since the fetch sub-system itself is out of scope.
type noopFetcher struct{}

func (noopFetcher) Fetch(args []string, env []string) error { return nil }

var loadFetcher fetcher = noopFetcher{}

// creationMu serializes group creation with the interrupt listener per
// spec.md §4.10 load-step-2 ("holding a mutex around creation so the
// interrupt listener cannot observe a half-created record").
var creationMu sync.Mutex

func handleLoad(r *Request) error {
	if interceptHelp(r.Context, "cvd load <config.json> [--override=path:value ...]") {
		return nil
	}

	path := r.Args().First()
	if path == "" {
		return fmt.Errorf("%w: cvd load requires a config file path", cvderrors.ErrUser)
	}

	doc, err := config.Load(path)
	if err != nil {
		return err
	}

	if err := doc.ResolveImports(config.PresetDir(loadPresetDir(r))); err != nil {
		return err
	}

	var overrides []config.Override
	for _, raw := range r.StringSlice("override") {
		ov, err := config.ParseOverride(raw)
		if err != nil {
			return err
		}
		overrides = append(overrides, ov)
	}
	if err := doc.ApplyOverrides(overrides); err != nil {
		return err
	}

	if err := doc.Validate(); err != nil {
		return err
	}

	hostArtifacts, err := resolveHostArtifactsPath(r)
	if err != nil {
		return err
	}

	seeds := make([]api.InstanceSeed, len(doc.Instances))
	for i := range seeds {
		seeds[i] = api.InstanceSeed{Name: strconv.Itoa(i + 1)}
	}

	params := api.CreateParams{
		HostArtifactsPath: hostArtifacts,
		GroupName:         r.String("group_name"),
		Instances:         seeds,
	}

	creationMu.Lock()
	group, err := r.Deps.Store.CreateInstanceGroup(params)
	creationMu.Unlock()
	if err != nil {
		return err
	}

	listenerHandle := r.Deps.Signals.Push(makeFindAndCancelListener(r, group.HomeDirectory))
	defer listenerHandle.Pop()

	if err := os.MkdirAll(group.HomeDirectory, 0775); err != nil {
		return err
	}

	// The group's name is only final once the store has assigned one (when
	// the caller didn't pass --group_name), so the translated sub-command
	// sequence of spec.md §4.8 can only be built now, not before creation.
	systemImageDir := group.HomeDirectory
	if len(group.ProductOutPaths) > 0 && group.ProductOutPaths[0] != "" {
		systemImageDir = group.ProductOutPaths[0]
	}
	inv := doc.BuildInvocations(systemImageDir, group.GroupName)

	if len(inv.Fetch) > 0 {
		fetchEnv := []string{"HOME=" + group.HomeDirectory}
		if err := loadFetcher.Fetch(inv.Fetch, fetchEnv); err != nil {
			group.SetAllStates(instances.StatePrepareFailed)
			r.Deps.Store.UpdateInstanceGroup(group) //nolint:errcheck
			return err
		}
	}

	return launchGroup(r, group, inv.CreateArgs)
}

// loadPresetDir resolves the directory @import preset files live under:
// $CVD_PRESET_DIR when set, else /tmp/cvd/presets (shared by all users,
// not under the per-user state directory).
func loadPresetDir(r *Request) string {
	if dir := r.Env["CVD_PRESET_DIR"]; dir != "" {
		return dir
	}
	return "/tmp/cvd/presets"
}

// makeFindAndCancelListener is load's variant of the cancel listener
// described in spec.md §4.10 ("find group by home; set states=CANCELLED;
// UpdateInstanceGroup; abort()"). Unlike launchGroup's makeCancelListener,
// it re-resolves the group by home rather than closing over the group
// value directly, because a signal racing the creation step (§5
// "Cancellation") must be able to tell "group not visible yet" from
// "group visible, needs cancelling" by querying the store fresh.
func makeFindAndCancelListener(r *Request, home string) func(sig syscall.Signal) {
	return func(_ syscall.Signal) {
		group, err := r.Deps.Store.FindGroup(api.Query{Home: home})
		if err != nil {
			runExitHandlers()
			os.Exit(cvderrors.ExitCode(cvderrors.ErrInterrupted))
			return
		}
		group.SetAllStates(instances.StateCancelled)
		r.Deps.Store.UpdateInstanceGroup(group) //nolint:errcheck
		runExitHandlers()
		os.Exit(cvderrors.ExitCode(cvderrors.ErrInterrupted))
	}
}
