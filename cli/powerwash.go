package main

import "github.com/urfave/cli"

// PowerwashCommand is `cvd powerwash`.
var PowerwashCommand = cli.Command{
	Name:  "powerwash",
	Usage: "powerwash the selected instance",
	Flags: waitFlags,
	Action: func(c *cli.Context) error {
		return dispatch(c, sharedDeps, func(r *Request) error {
			if interceptHelp(r.Context, "cvd powerwash [--wait_for_launcher=N] [--boot_timeout=N]") {
				return nil
			}
			return singleInstanceOp(r, []string{"powerwash_cvd"})
		})
	},
}
