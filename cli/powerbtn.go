package main

import "github.com/urfave/cli"

// PowerbtnCommand is `cvd powerbtn`.
var PowerbtnCommand = cli.Command{
	Name:  "powerbtn",
	Usage: "send a power-button event to the selected instance",
	Flags: waitFlags,
	Action: func(c *cli.Context) error {
		return dispatch(c, sharedDeps, func(r *Request) error {
			if interceptHelp(r.Context, "cvd powerbtn [--wait_for_launcher=N] [--boot_timeout=N]") {
				return nil
			}
			return singleInstanceOp(r, []string{"powerbtn_cvd"})
		})
	},
}
