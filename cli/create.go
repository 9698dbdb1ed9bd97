package main

import (
	"github.com/urfave/cli"

	"github.com/cuttlefish-cvd/cvd/instances/creation"
)

// CreateCommand is `cvd create`: composes a new instance group from the
// selector/start-option/creation-analyzer chain and, on success,
// immediately runs the same launch sequence `start` uses (scenario 1 of
// spec.md §8 shows a fresh `create --daemon` leaving the group RUNNING).
var CreateCommand = cli.Command{
	Name:  "create",
	Usage: "create an instance group and start it",
	Flags: []cli.Flag{
		cli.IntFlag{Name: "num_instances"},
		cli.IntFlag{Name: "base_instance_num"},
		cli.StringFlag{Name: "instance_nums"},
		cli.StringFlag{Name: "instance_name"},
		cli.StringFlag{Name: "webrtc_device_id"},
		cli.BoolFlag{Name: "daemon"},
		cli.StringFlag{Name: "config_file"},
		cli.StringFlag{Name: "group_name"},
		cli.BoolFlag{Name: "help, h"},
	},
	Action: func(c *cli.Context) error {
		return dispatch(c, sharedDeps, handleCreate)
	},
}

func handleCreate(r *Request) error {
	if interceptHelp(r.Context, createDetailedHelp) {
		return nil
	}

	opts, err := parseStartOpts(r)
	if err != nil {
		return err
	}

	hostArtifacts, err := resolveHostArtifactsPath(r)
	if err != nil {
		return err
	}

	params, idLocks, err := creation.Analyze(creation.Input{
		Env: creation.Env{
			HOME:           r.Env["HOME"],
			SystemWideHome: r.selectorEnv().SystemWideHome,
			ProductOut:     r.Env["ANDROID_PRODUCT_OUT"],
		},
		HostArtifactsPath: hostArtifacts,
		GroupName:         r.String("group_name"),
		StartOpts:         opts,
	})
	if err != nil {
		return err
	}
	for i := range idLocks {
		lock := idLocks[i]
		pushExitHandler(func() { lock.Release() }) //nolint:errcheck
	}

	group, err := r.Deps.Store.CreateInstanceGroup(params)
	if err != nil {
		return err
	}

	return launchGroup(r, group, r.Args().Tail())
}

const createDetailedHelp = `cvd create [--daemon] [--config_file=PATH] [launch-flags...]

Creates a new instance group, persists it, and starts it. Accepts the
same instance-id/webrtc-id flags as "cvd start".`
