package main

import (
	"context"
	"strconv"

	"github.com/urfave/cli"

	"github.com/cuttlefish-cvd/cvd/pkg/cvdutils"
	"github.com/cuttlefish-cvd/cvd/pkg/supervisor"
)

// singleInstanceOp runs one of restart/powerwash/powerbtn's shared shape:
// select exactly one instance, launch the named helper binary with
// --wait_for_launcher/--boot_timeout forwarded, and surface its exit
// status. No state change in the database beyond what the helper's own
// status readout reports, per spec.md §4.10.
func singleInstanceOp(r *Request, binaryAlternatives []string) error {
	query, err := r.buildQuery()
	if err != nil {
		return err
	}
	group, err := r.Deps.Selector.SelectGroup(query)
	if err != nil {
		return err
	}

	names := r.selectorFlags().InstanceNames
	inst, err := r.Deps.Selector.SelectInstance(group, names, 0)
	if err != nil {
		return err
	}

	binName, err := cvdutils.ResolveBinary(r.Deps.Super, group.HostArtifactsPath, binaryAlternatives)
	if err != nil {
		return err
	}

	waitForLauncher := r.Int("wait_for_launcher")
	if waitForLauncher == 0 {
		waitForLauncher = 30
	}
	bootTimeout := r.Int("boot_timeout")
	if bootTimeout == 0 {
		bootTimeout = 500
	}

	argv := []string{
		"--instance_num=" + strconv.Itoa(inst.ID),
		"--wait_for_launcher=" + strconv.Itoa(waitForLauncher),
		"--boot_timeout=" + strconv.Itoa(bootTimeout),
	}

	spec := supervisor.NewSpec(group.HostArtifactsPath+"/bin/"+binName, argv)
	spec.Env = []string{"HOME=" + group.HomeDirectory}
	spec.Stderr = r.Stderr
	spec.CaptureStderr = true

	h, err := r.Deps.Super.Launch(spec)
	if err != nil {
		return err
	}
	status, err := h.Wait(context.Background(), 0)
	if err != nil {
		return err
	}
	return supervisor.CheckNormalExit(status, 0)
}

var waitFlags = []cli.Flag{
	cli.IntFlag{Name: "wait_for_launcher"},
	cli.IntFlag{Name: "boot_timeout"},
	cli.StringFlag{Name: "group_name"},
	cli.StringFlag{Name: "instance_name"},
	cli.BoolFlag{Name: "help, h"},
}

// RestartCommand is `cvd restart`.
var RestartCommand = cli.Command{
	Name:  "restart",
	Usage: "restart the selected instance",
	Flags: waitFlags,
	Action: func(c *cli.Context) error {
		return dispatch(c, sharedDeps, func(r *Request) error {
			if interceptHelp(r.Context, "cvd restart [--wait_for_launcher=N] [--boot_timeout=N]") {
				return nil
			}
			return singleInstanceOp(r, []string{"restart_cvd"})
		})
	},
}
