package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli"

	"github.com/cuttlefish-cvd/cvd/cvderrors"
	"github.com/cuttlefish-cvd/cvd/instances/creation"
	"github.com/cuttlefish-cvd/cvd/instances/operator"
	"github.com/cuttlefish-cvd/cvd/instances/persist/fs"
	"github.com/cuttlefish-cvd/cvd/instances/selector"
	"github.com/cuttlefish-cvd/cvd/pkg/cvdutils"
	"github.com/cuttlefish-cvd/cvd/pkg/signals"
	"github.com/cuttlefish-cvd/cvd/pkg/supervisor"
)

const name = "cvd"

var usage = fmt.Sprintf("%s is a command line front-end for a fleet of locally-hosted Android virtual device instances.", name)

// runtimeFlags is the list of global flags recognized on every
// sub-command, grounded on the teacher's cli/main.go runtimeFlags (--log,
// --log-format) plus the selector flags of spec.md §6.
var runtimeFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "log",
		Value: "/dev/null",
		Usage: "set the log file path where internal debug information is written",
	},
	cli.StringFlag{
		Name:  "log-format",
		Value: "text",
		Usage: "set the format used by logs ('text' (default), or 'json')",
	},
	cli.StringFlag{
		Name:  "group_name",
		Usage: "narrow the selected instance group by name",
	},
	cli.StringFlag{
		Name:  "instance_name",
		Usage: "narrow the selected instance(s) by name, comma-separated",
	},
	cli.BoolFlag{
		Name:  "disable_default_group",
		Usage: "require an explicit --group_name/--instance_name instead of defaulting to the sole existing group",
	},
	cli.StringFlag{
		Name:  "acquire_file_lock",
		Value: "true",
		Usage: "take the advisory instance-database file lock ('true' or 'false')",
	},
}

// runtimeCommands is the list of supported sub-commands.
var runtimeCommands = []cli.Command{
	CreateCommand,
	StartCommand,
	StopCommand,
	RestartCommand,
	PowerwashCommand,
	PowerbtnCommand,
	RemoveCommand,
	BugreportCommand,
	EnvCommand,
	LoadCommand,
	ResetCommand,
}

// sharedDeps is built once in beforeApp and threaded through every
// Request; see context.go's Deps.
var sharedDeps *Deps

func buildApp() *cli.App {
	app := cli.NewApp()
	app.Name = name
	app.Usage = usage
	app.Flags = runtimeFlags
	app.Commands = runtimeCommands
	app.Before = beforeApp
	app.Writer = os.Stdout
	app.ErrWriter = os.Stderr
	return app
}

// beforeApp wires the root logger into every package's package-level
// logger and builds sharedDeps, mirroring the teacher's
// setExternalLoggers/beforeSubcommands split in cli/main.go.
func beforeApp(c *cli.Context) error {
	logger, err := cvdutils.NewRootLogger(c.GlobalString("log"), c.GlobalString("log-format"))
	if err != nil {
		return fmt.Errorf("%w: %v", cvderrors.ErrUser, err)
	}
	entry := logger.WithField("source", name)

	cliLog = entry.WithField("subsystem", "cli")
	cvdutils.SetLogger(entry, logger.Level)
	signals.SetLogger(entry)
	supervisor.SetLogger(entry)
	fs.SetLogger(entry)
	selector.SetLogger(entry)
	creation.SetLogger(entry)
	operator.SetLogger(entry)

	return initSharedDeps(c)
}

// initSharedDeps builds the process-wide collaborators described in
// spec.md §2: the instance database (rooted at the per-user state
// directory of §6), the selector, the interrupt listener stack, and the
// subprocess supervisor.
func initSharedDeps(c *cli.Context) error {
	acquireLock, err := strconv.ParseBool(c.GlobalString("acquire_file_lock"))
	if err != nil {
		return fmt.Errorf("%w: --acquire_file_lock must be 'true' or 'false', got %q", cvderrors.ErrUser, c.GlobalString("acquire_file_lock"))
	}

	store, err := fs.New(fs.Options{
		StateDir:        stateDir(),
		AcquireFileLock: acquireLock,
	})
	if err != nil {
		return err
	}

	sigStack := signals.NewStack()
	pushExitHandler(sigStack.Close)

	sharedDeps = &Deps{
		Store:    store,
		Selector: selector.New(store),
		Signals:  sigStack,
		Super:    supervisor.New(),
	}
	return nil
}

// stateDir is the per-user directory holding the instance database, per
// spec.md §6: /tmp/cvd/<uid>.
func stateDir() string {
	return fmt.Sprintf("/tmp/cvd/%d", os.Getuid())
}

// fatal logs err and prints it to stderr; main then runs the exit
// handlers and exits with cvderrors.ExitCode(err). Per spec.md §7's
// propagation policy, the dispatcher (here, main) is the only layer that
// formats an error to stderr and picks an exit code.
func fatal(err error) {
	cliLog.Error(err)
	fmt.Fprintln(os.Stderr, err)
}

func main() {
	app := buildApp()

	err := app.Run(os.Args)
	if err != nil {
		fatal(err)
	}

	runExitHandlers()
	os.Exit(cvderrors.ExitCode(err))
}
