package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"code.cloudfoundry.org/bytefmt"
	"github.com/urfave/cli"

	"github.com/cuttlefish-cvd/cvd/pkg/cvdutils"
	"github.com/cuttlefish-cvd/cvd/pkg/supervisor"
)

// BugreportCommand is `cvd bugreport` (aliases `host_bugreport`,
// `cvd_host_bugreport`): no state change, selects the group and invokes
// the helper. A non-zero or signalled helper exit is returned as a
// SubprocessFailed error, so cvd exits with status 1; the helper's own
// exit code is not passed through.
var BugreportCommand = cli.Command{
	Name:    "bugreport",
	Aliases: []string{"host_bugreport", "cvd_host_bugreport"},
	Usage:   "collect a host bugreport for the selected instance group",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "group_name"},
		cli.StringFlag{Name: "instance_name"},
		cli.BoolFlag{Name: "help, h"},
	},
	Action: func(c *cli.Context) error {
		return dispatch(c, sharedDeps, handleBugreport)
	},
}

func handleBugreport(r *Request) error {
	if interceptHelp(r.Context, "cvd bugreport") {
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

	binName, err := cvdutils.ResolveBinary(r.Deps.Super, group.HostArtifactsPath, []string{"cvd_internal_host_bugreport"})
	if err != nil {
		return err
	}

	spec := supervisor.NewSpec(group.HostArtifactsPath+"/bin/"+binName, r.Args().Tail())
	spec.Env = []string{"HOME=" + group.HomeDirectory}
	spec.Stdout = r.Stdout
	spec.Stderr = r.Stderr

	h, err := r.Deps.Super.Launch(spec)
	if err != nil {
		return err
	}
	status, err := h.Wait(context.Background(), 0)
	if err != nil {
		return err
	}

	printAssemblyDiskUsage(r, group.HomeDirectory)

	return supervisor.CheckNormalExit(status, 0)
}

// printAssemblyDiskUsage reports the size of <home>/cuttlefish/assembly
// to stderr, human-formatted, as a convenience alongside the bugreport
// helper's own archive.
func printAssemblyDiskUsage(r *Request, home string) {
	assembly := filepath.Join(home, "cuttlefish", "assembly")
	var total uint64
	filepath.Walk(assembly, func(_ string, info os.FileInfo, err error) error { //nolint:errcheck
		if err == nil && !info.IsDir() {
			total += uint64(info.Size())
		}
		return nil
	})
	fmt.Fprintf(r.Stderr, "assembly directory size: %s\n", bytefmt.ByteSize(total))
}
