package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli"

	"github.com/cuttlefish-cvd/cvd/cvderrors"
	"github.com/cuttlefish-cvd/cvd/pkg/cvdutils"
)

// StartCommand is `cvd start`: selects a group with no active instances
// and runs it through the launch sequence, per spec.md §4.10.
var StartCommand = cli.Command{
	Name:  "start",
	Usage: "start the selected instance group",
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
		return dispatch(c, sharedDeps, handleStart)
	},
}

func handleStart(r *Request) error {
	if r.IsSet("config_file") {
		return fmt.Errorf("%w: --config_file belongs to \"cvd create\", not \"cvd start\"", cvderrors.ErrUser)
	}

	// The tilde must be checked against the raw value: EmulateAbsolutePath
	// already expands a leading ~/~/ against the server's own home
	// directory, by which point the client's actual "~" is long gone (the
	// client's shell never sent it to us in expanded form).
	rawHome := r.Env["HOME"]
	if strings.HasPrefix(rawHome, "~") {
		return fmt.Errorf("%w: HOME should not start with ~: %q", cvderrors.ErrBadPath, rawHome)
	}
	if _, err := cvdutils.EmulateAbsolutePath(cvdutils.PathOptions{Path: rawHome}); err != nil {
		return err
	}

	if interceptHelp(r.Context, startDetailedHelp) {
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
		return fmt.Errorf("%w: group %q already has active instances", cvderrors.ErrUser, group.GroupName)
	}

	// Run the Start-option Parser for its cross-check (e.g. --instance_nums
	// and --instance_name disagreeing on count); the actual instance-id and
	// webrtc-id flags forwarded to the helper are rebuilt from the already-
	// selected group's real, persisted ids inside launchGroup, not from this
	// result, since the group already fixes that information by this point.
	if _, err := parseStartOpts(r); err != nil {
		return err
	}

	return launchGroup(r, group, r.Args().Tail())
}

const startDetailedHelp = `cvd start [launch-flags...]

Starts the selected instance group. Fails if any instance in the group
is already STARTING or RUNNING.`
