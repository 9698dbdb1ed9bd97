package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli"
)

// ResetCommand is `cvd reset`, supplemented per SPEC_FULL.md §C: the
// user-facing recovery path `stop`'s error message points to. It
// unconditionally removes every known group's record and orphaned
// per-group directories. Not part of spec.md's sub-command list; treated
// purely as an addition.
var ResetCommand = cli.Command{
	Name:  "reset",
	Usage: "remove the instance database and orphaned per-group directories",
	Flags: []cli.Flag{
		cli.BoolFlag{Name: "help, h"},
	},
	Action: func(c *cli.Context) error {
		return dispatch(c, sharedDeps, handleReset)
	},
}

func handleReset(r *Request) error {
	if interceptHelp(r.Context, "cvd reset") {
		return nil
	}

	groups, err := r.Deps.Store.AllGroups()
	if err != nil {
		return err
	}

	for _, g := range groups {
		if rmErr := r.Deps.Store.RemoveInstanceGroupByHome(g.HomeDirectory); rmErr != nil {
			cliLog.Warnf("reset: removing group %q from the database failed: %v", g.GroupName, rmErr)
		}
		if rmErr := os.RemoveAll(filepath.Dir(g.HomeDirectory)); rmErr != nil {
			cliLog.Warnf("reset: removing orphaned directory for group %q failed: %v", g.GroupName, rmErr)
		}
	}

	return nil
}
