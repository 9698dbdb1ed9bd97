package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli"

	"github.com/cuttlefish-cvd/cvd/cvderrors"
	"github.com/cuttlefish-cvd/cvd/instances"
	"github.com/cuttlefish-cvd/cvd/pkg/cvdutils"
	"github.com/cuttlefish-cvd/cvd/pkg/supervisor"
)

// StopCommand is `cvd stop`: stops the selected group's helper process
// and marks every instance STOPPED.
var StopCommand = cli.Command{
	Name:  "stop",
	Usage: "stop the selected instance group",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "group_name"},
		cli.StringFlag{Name: "instance_name"},
		cli.BoolFlag{Name: "help, h"},
	},
	Action: func(c *cli.Context) error {
		return dispatch(c, sharedDeps, handleStop)
	},
}

func handleStop(r *Request) error {
	if interceptHelp(r.Context, stopDetailedHelp) {
		return nil
	}

	query, err := r.buildQuery()
	if err != nil {
		return err
	}

	group, err := r.Deps.Selector.SelectGroup(query)
	if err != nil {
		return err
	}

	if !group.HasActiveInstances() {
		return fmt.Errorf("%w: group %q is not running", cvderrors.ErrNotActive, group.GroupName)
	}

	binName, err := cvdutils.ResolveBinary(r.Deps.Super, group.HostArtifactsPath, []string{"cvd_internal_stop", "stop_cvd"})
	if err != nil {
		return err
	}

	spec := supervisor.NewSpec(group.HostArtifactsPath+"/bin/"+binName, r.Args().Tail())
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

	if checkErr := supervisor.CheckNormalExit(status, 0); checkErr != nil {
		return fmt.Errorf("%w; run \"cvd reset\" to recover", checkErr)
	}

	group.SetAllStates(instances.StateStopped)
	return r.Deps.Store.UpdateInstanceGroup(group)
}

const stopDetailedHelp = `cvd stop [stop-flags...]

Stops every active instance in the selected group.`
