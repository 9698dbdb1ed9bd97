package main

import (
	"bytes"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/urfave/cli"

	"github.com/cuttlefish-cvd/cvd/cvderrors"
	"github.com/cuttlefish-cvd/cvd/instances"
	"github.com/cuttlefish-cvd/cvd/instances/persist/api"
	"github.com/cuttlefish-cvd/cvd/instances/persist/fs"
	"github.com/cuttlefish-cvd/cvd/instances/selector"
	"github.com/cuttlefish-cvd/cvd/pkg/signals"
	"github.com/cuttlefish-cvd/cvd/pkg/supervisor"
)

// newE2EDeps wires a real fs.Store rooted under t.TempDir() together with
// the other production collaborators, the same way initSharedDeps does,
// so the handlers under test see the real lifecycle (no mocked store).
func newE2EDeps(t *testing.T) *Deps {
	t.Helper()
	store, err := fs.New(fs.Options{StateDir: t.TempDir(), AcquireFileLock: true})
	assert.NoError(t, err)
	sigStack := signals.NewStack()
	t.Cleanup(sigStack.Close)
	return &Deps{
		Store:    store,
		Selector: selector.New(store),
		Signals:  sigStack,
		Super:    supervisor.New(),
	}
}

// fakeHelperBinDir builds a host-artifacts tree whose bin/ holds
// shell-script stand-ins for the real cvd_internal_start/cvd_internal_stop
// helpers: each exits 0 unconditionally, which satisfies both
// ResolveBinary's --helpxml/-help executability probe and the subsequent
// real launch/wait.
func fakeHelperBinDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	binDir := filepath.Join(dir, "bin")
	assert.NoError(t, os.MkdirAll(binDir, 0755))
	for _, name := range []string{"cvd_internal_start", "cvd_internal_stop"} {
		path := filepath.Join(binDir, name)
		assert.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0755))
	}
	return dir
}

// newHandlerRequest builds a *Request against flag definitions taken
// directly from a command's own cli.Command.Flags (so a test can't drift
// from what the real command accepts), mirroring context_test.go's
// newTestContext but parameterized over the command and carrying an
// explicit Env map instead of the live process environment.
func newHandlerRequest(t *testing.T, cmdFlags []cli.Flag, localArgs []string, env map[string]string, deps *Deps, stdout *bytes.Buffer) *Request {
	t.Helper()
	app := cli.NewApp()

	globalSet := flag.NewFlagSet("cvd", flag.ContinueOnError)
	for _, f := range runtimeFlags {
		f.Apply(globalSet)
	}
	parent := cli.NewContext(app, globalSet, nil)

	localSet := flag.NewFlagSet("cmd", flag.ContinueOnError)
	for _, f := range cmdFlags {
		f.Apply(localSet)
	}
	assert.NoError(t, localSet.Parse(localArgs))
	child := cli.NewContext(app, localSet, parent)

	return &Request{
		Context: child,
		Deps:    deps,
		Env:     env,
		Stdout:  stdout,
		Stderr:  stdout,
	}
}

// TestCreateDaemonReachesRunning exercises spec.md §8 scenario 1: a fresh
// `cvd create --daemon --num_instances=1 --group_name=g1` leaves the group
// RUNNING and writes its status JSON to stdout.
func TestCreateDaemonReachesRunning(t *testing.T) {
	deps := newE2EDeps(t)
	artifacts := fakeHelperBinDir(t)

	env := map[string]string{
		"ANDROID_HOST_OUT":    artifacts,
		"ANDROID_PRODUCT_OUT": t.TempDir(),
	}
	var stdout bytes.Buffer
	req := newHandlerRequest(t, CreateCommand.Flags, []string{
		"--num_instances=1", "--daemon", "--group_name=g1",
	}, env, deps, &stdout)

	err := handleCreate(req)
	assert.NoError(t, err)
	assert.Contains(t, stdout.String(), `"state":"RUNNING"`)

	group, err := deps.Store.FindGroup(api.Query{GroupName: "g1"})
	assert.NoError(t, err)
	assert.True(t, group.HasActiveInstances())
	assert.Equal(t, instances.StateRunning, group.Instances[0].State)
}

// TestStopTwiceFailsTheSecondTime exercises spec.md §8 scenario 2: a
// second `cvd stop` against an already-stopped group reports ErrNotActive
// instead of re-running the stop helper.
func TestStopTwiceFailsTheSecondTime(t *testing.T) {
	deps := newE2EDeps(t)
	artifacts := fakeHelperBinDir(t)

	createEnv := map[string]string{
		"ANDROID_HOST_OUT":    artifacts,
		"ANDROID_PRODUCT_OUT": t.TempDir(),
	}
	var createOut bytes.Buffer
	req := newHandlerRequest(t, CreateCommand.Flags, []string{
		"--num_instances=1", "--daemon", "--group_name=g1",
	}, createEnv, deps, &createOut)
	assert.NoError(t, handleCreate(req))

	var stopOut bytes.Buffer
	stopReq := newHandlerRequest(t, StopCommand.Flags, []string{"--group_name=g1"}, nil, deps, &stopOut)
	assert.NoError(t, handleStop(stopReq))

	group, err := deps.Store.FindGroup(api.Query{GroupName: "g1"})
	assert.NoError(t, err)
	assert.Equal(t, instances.StateStopped, group.Instances[0].State)

	var secondStopOut bytes.Buffer
	secondStopReq := newHandlerRequest(t, StopCommand.Flags, []string{"--group_name=g1"}, nil, deps, &secondStopOut)
	err = handleStop(secondStopReq)
	assert.Error(t, err)
	assert.ErrorIs(t, err, cvderrors.ErrNotActive)
	assert.Contains(t, err.Error(), "not running")
}

// TestStartInstanceNumsAndInstanceNameCardinalityMismatch exercises
// spec.md §8 scenario 3: `cvd start --instance_nums=2,5,6
// --instance_name=a,b` fails because the two flags disagree on how many
// instances there are, before anything is launched.
func TestStartInstanceNumsAndInstanceNameCardinalityMismatch(t *testing.T) {
	deps := newE2EDeps(t)
	artifacts := fakeHelperBinDir(t)

	params := api.CreateParams{
		Home:              "/data/cvd-home",
		HostArtifactsPath: artifacts,
		GroupName:         "g2",
		ProductOutPaths:   []string{"/x", "/x"},
		Instances: []api.InstanceSeed{
			{Name: "1"},
			{Name: "2"},
		},
	}
	_, err := deps.Store.CreateInstanceGroup(params)
	assert.NoError(t, err)

	var stdout bytes.Buffer
	env := map[string]string{"HOME": "/data/cvd-home"}
	req := newHandlerRequest(t, StartCommand.Flags, []string{
		"--instance_nums=2,5,6", "--instance_name=a,b", "--group_name=g2",
	}, env, deps, &stdout)

	err = handleStart(req)
	assert.Error(t, err)
	assert.ErrorIs(t, err, cvderrors.ErrUser)
	assert.Contains(t, err.Error(), "do not match")

	group, ferr := deps.Store.FindGroup(api.Query{GroupName: "g2"})
	assert.NoError(t, ferr)
	assert.False(t, group.HasActiveInstances())
}

// TestStartRejectsConfigFile pins spec.md §4.10's "config_file belongs to
// create, not start" rule.
func TestStartRejectsConfigFile(t *testing.T) {
	deps := newE2EDeps(t)
	var stdout bytes.Buffer
	req := newHandlerRequest(t, StartCommand.Flags, []string{"--config_file=/tmp/x.json"}, map[string]string{"HOME": "/data/cvd-home"}, deps, &stdout)

	err := handleStart(req)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, cvderrors.ErrUser))
}

// TestStartRejectsTildeHome pins review comment #1: the tilde check must
// see the raw HOME value, not EmulateAbsolutePath's already-expanded
// result (which would never start with "~").
func TestStartRejectsTildeHome(t *testing.T) {
	deps := newE2EDeps(t)
	var stdout bytes.Buffer
	req := newHandlerRequest(t, StartCommand.Flags, nil, map[string]string{"HOME": "~/cvd"}, deps, &stdout)

	err := handleStart(req)
	assert.Error(t, err)
	assert.ErrorIs(t, err, cvderrors.ErrBadPath)
}
