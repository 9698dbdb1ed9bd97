package main

import (
	"fmt"

	"github.com/urfave/cli"
)

// interceptHelp implements spec.md §4.9 step 2: if argv carries a help
// flag, print detailedHelp and report that the caller should exit 0
// without invoking the handler. detailedHelp is the static text the
// calling handler passes in; no helper binary is run to produce it.
func interceptHelp(c *cli.Context, detailedHelp string) bool {
	if !c.Bool("help") && !c.Bool("h") {
		return false
	}
	fmt.Fprintln(c.App.Writer, detailedHelp)
	return true
}

// dispatch wraps a lifecycle handler so its error return is the only
// thing that determines the process exit status; the handler itself
// never calls os.Exit (the cancel listeners pushed by launchGroup and
// handleLoad, which call os.Exit after reconciling state, are the sole
// exception).
func dispatch(c *cli.Context, deps *Deps, handler func(*Request) error) error {
	req := newRequest(c, deps)
	return handler(req)
}
