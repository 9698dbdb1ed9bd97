package main

import (
	"context"

	"github.com/urfave/cli"

	"github.com/cuttlefish-cvd/cvd/instances"
	"github.com/cuttlefish-cvd/cvd/pkg/cvdutils"
	"github.com/cuttlefish-cvd/cvd/pkg/supervisor"
)

// RemoveCommand is `cvd remove` (alias `rm`): stops the group
// best-effort, then deletes its record unconditionally.
var RemoveCommand = cli.Command{
	Name:    "remove",
	Aliases: []string{"rm"},
	Usage:   "stop (if active) and delete the selected instance group",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "group_name"},
		cli.StringFlag{Name: "instance_name"},
		cli.BoolFlag{Name: "help, h"},
	},
	Action: func(c *cli.Context) error {
		return dispatch(c, sharedDeps, handleRemove)
	},
}

func handleRemove(r *Request) error {
	if interceptHelp(r.Context, removeDetailedHelp) {
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

	if group.HasActiveInstances() {
		if stopErr := bestEffortStop(r, group); stopErr != nil {
			cliLog.Warnf("remove: stop of group %q failed, proceeding with removal: %v", group.GroupName, stopErr)
		} else {
			group.SetAllStates(instances.StateStopped)
		}
	}

	return r.Deps.Store.RemoveInstanceGroupByHome(group.HomeDirectory)
}

// bestEffortStop runs the same stop_cvd/cvd_internal_stop invocation
// handleStop does, but never fails the caller: remove proceeds
// regardless, per spec.md §4.10 ("log but do not abort on stop failure").
func bestEffortStop(r *Request, group *instances.InstanceGroup) error {
	binName, err := cvdutils.ResolveBinary(r.Deps.Super, group.HostArtifactsPath, []string{"cvd_internal_stop", "stop_cvd"})
	if err != nil {
		return err
	}
	spec := supervisor.NewSpec(group.HostArtifactsPath+"/bin/"+binName, nil)
	spec.Env = []string{"HOME=" + group.HomeDirectory}
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

const removeDetailedHelp = `cvd remove

Stops the selected instance group if active, then removes it from the
database regardless of whether the stop succeeded.`
