package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/urfave/cli"

	"github.com/cuttlefish-cvd/cvd/cvderrors"
	"github.com/cuttlefish-cvd/cvd/instances"
	"github.com/cuttlefish-cvd/cvd/pkg/cvdutils"
	"github.com/cuttlefish-cvd/cvd/pkg/supervisor"
)

// EnvCommand is `cvd env <ls|type> ...`: forwards to the gRPC explorer
// helper for a narrowed selection, or, per SPEC_FULL.md §C, lists every
// known group when `ls` is given with an empty query (no --group_name,
// --instance_name, HOME override or CUTTLEFISH_INSTANCE), folding the
// teacher-derived `cvd fleet`-equivalent listing in.
var EnvCommand = cli.Command{
	Name:  "env",
	Usage: "inspect or list instance environments",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "group_name"},
		cli.StringFlag{Name: "instance_name"},
		cli.BoolFlag{Name: "help, h"},
	},
	Action: func(c *cli.Context) error {
		return dispatch(c, sharedDeps, handleEnv)
	},
}

func handleEnv(r *Request) error {
	if interceptHelp(r.Context, "cvd env <ls|type> ...") {
		return nil
	}

	sub := r.Args().First()

	if sub == "ls" {
		query, err := r.buildQuery()
		if err != nil {
			return err
		}
		if query.Empty() {
			return listAllGroups(r)
		}
	}

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

	binName, err := cvdutils.ResolveBinary(r.Deps.Super, group.HostArtifactsPath, []string{"cvd_internal_env"})
	if err != nil {
		return err
	}

	spec := supervisor.NewSpec(group.HostArtifactsPath+"/bin/"+binName, r.Args().Tail())
	spec.Env = []string{"HOME=" + group.HomeDirectory, "CUTTLEFISH_INSTANCE=" + fmt.Sprint(inst.ID)}
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
	return supervisor.CheckNormalExit(status, 0)
}

// listAllGroups implements the supplemented "cvd env ls" full-fleet
// listing: one JSON object per line, per SPEC_FULL.md §C.
func listAllGroups(r *Request) error {
	groups, err := r.Deps.Store.AllGroups()
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return fmt.Errorf("%w: no instance groups exist", cvderrors.ErrNotFound)
	}
	enc := json.NewEncoder(r.Stdout)
	for _, g := range groups {
		if err := encodeGroupLine(enc, g); err != nil {
			return err
		}
	}
	return nil
}

func encodeGroupLine(enc *json.Encoder, g *instances.InstanceGroup) error {
	body, err := g.StatusJSON()
	if err != nil {
		return err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return err
	}
	return enc.Encode(raw)
}
