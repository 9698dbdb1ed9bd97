package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cuttlefish-cvd/cvd/cvderrors"
	"github.com/cuttlefish-cvd/cvd/instances"
	"github.com/cuttlefish-cvd/cvd/instances/operator"
	"github.com/cuttlefish-cvd/cvd/instances/startopts"
	"github.com/cuttlefish-cvd/cvd/pkg/cvdutils"
	"github.com/cuttlefish-cvd/cvd/pkg/supervisor"
)

// adbBasePort is the first adb port cuttlefish assigns, mirrored from the
// helper binaries' own "6520 + instance_num - 1" convention.
const adbBasePort = 6520

// nowUnix returns the current time as seconds since epoch, used to stamp
// InstanceGroup.StartTime.
func nowUnix() int64 {
	return time.Now().Unix()
}

// parseStartOpts reads the Start-option Parser's flags off r and applies
// spec.md §4.6's precedence rules.
func parseStartOpts(r *Request) (startopts.Result, error) {
	f := startopts.Flags{
		NumInstances:          r.Int("num_instances"),
		BaseInstanceNum:       r.Int("base_instance_num"),
		CuttlefishInstanceEnv: r.Env["CUTTLEFISH_INSTANCE"],
	}

	if raw := r.String("instance_nums"); raw != "" {
		for _, tok := range strings.Split(raw, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(tok))
			if err != nil {
				return startopts.Result{}, fmt.Errorf("%w: --instance_nums has a non-numeric entry %q", cvderrors.ErrUser, tok)
			}
			f.InstanceNums = append(f.InstanceNums, n)
		}
	}
	if raw := r.String("instance_name"); raw != "" {
		f.InstanceNames = strings.Split(raw, ",")
	}
	if raw := r.String("webrtc_device_id"); raw != "" {
		f.WebRTCDeviceIDs = strings.Split(raw, ",")
	}
	if r.IsSet("daemon") {
		v := r.Bool("daemon")
		f.Daemon = &v
	}

	return startopts.Parse(f)
}

// resolveHostArtifactsPath finds the directory containing the helper
// binaries, per spec.md §4.1.
func resolveHostArtifactsPath(r *Request) (string, error) {
	return cvdutils.HostArtifactPath(r.Env)
}

// composeLaunchEnv builds the child environment spec.md §4.10 step 6
// requires: HOME, ANDROID_HOST_OUT/ANDROID_SOONG_HOST_OUT, ANDROID_
// PRODUCT_OUT, _STARTED_BY_CVD_SERVER_, CUTTLEFISH_INSTANCE.
func composeLaunchEnv(r *Request, group *instances.InstanceGroup, firstID int) []string {
	productOut := ""
	if len(group.ProductOutPaths) > 0 {
		productOut = group.ProductOutPaths[0]
	}

	overrides := map[string]string{
		"HOME":                    group.HomeDirectory,
		"ANDROID_HOST_OUT":        group.HostArtifactsPath,
		"ANDROID_SOONG_HOST_OUT":  group.HostArtifactsPath,
		"ANDROID_PRODUCT_OUT":     productOut,
		"_STARTED_BY_CVD_SERVER_": "true",
		"CUTTLEFISH_INSTANCE":     strconv.Itoa(firstID),
	}

	env := make([]string, 0, len(r.Env)+len(overrides))
	for k, v := range r.Env {
		if _, overridden := overrides[k]; overridden {
			continue
		}
		env = append(env, k+"="+v)
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// rebuildLaunchArgv applies spec.md §4.10 start-step-5's argv rebuild,
// shared by create/start/load since all three end up launching the same
// helper binary against an already-persisted group: it strips and
// re-validates any user-supplied --daemon/--nodaemon token, strips and
// replaces the instance-id flags with ones reflecting group's real,
// already-assigned instance ids, and strips and replaces
// --webrtc_device_id with one that has every unset slot synthesized.
// Grounded on start.cpp's ConsumeDaemonModeFlag/UpdateInstanceArgs/
// UpdateWebrtcDeviceIds.
func rebuildLaunchArgv(argv []string, group *instances.InstanceGroup) ([]string, error) {
	argv, err := consumeDaemonFlag(argv)
	if err != nil {
		return nil, err
	}

	argv = stripInstanceIDFlags(argv)
	argv = append(argv, instanceIDArgs(group)...)

	remaining, webrtcIDs := extractWebRTCDeviceIDs(argv)
	argv = remaining
	argv = append(argv, "--webrtc_device_id="+strings.Join(replaceEmptyWebRTCDeviceIDs(group, webrtcIDs), ","))

	argv = append(argv, "--daemon=true")
	return argv, nil
}

// splitFlagToken splits a "--flag=value" token into its key and value;
// a bare "--flag" token (no "=") reports hasValue=false.
func splitFlagToken(a string) (key, value string, hasValue bool) {
	if idx := strings.Index(a, "="); idx >= 0 {
		return a[:idx], a[idx+1:], true
	}
	return a, "", false
}

func isTruthyFlagValue(v string) bool {
	switch strings.ToLower(v) {
	case "y", "yes", "true":
		return true
	}
	return false
}

// consumeDaemonFlag strips any user-supplied --daemon/--nodaemon token,
// validating as it goes: this system only ever launches its helper
// binaries daemonized, so only a true-equivalent --daemon value is
// accepted and --nodaemon is always rejected. Grounded on start.cpp's
// ConsumeDaemonModeFlag.
func consumeDaemonFlag(argv []string) ([]string, error) {
	out := make([]string, 0, len(argv))
	for _, a := range argv {
		key, value, hasValue := splitFlagToken(a)
		switch key {
		case "--daemon", "-daemon":
			if hasValue && !isTruthyFlagValue(value) {
				return nil, fmt.Errorf("%w: --daemon=%s is not supported; only \"--daemon=true\" is accepted", cvderrors.ErrUser, value)
			}
		case "--nodaemon", "-nodaemon":
			return nil, fmt.Errorf("%w: --nodaemon is not supported by \"cvd start\" or \"launch_cvd\"", cvderrors.ErrUser)
		default:
			out = append(out, a)
		}
	}
	return out, nil
}

// stripInstanceIDFlags removes any user-supplied --instance_nums,
// --num_instances, or --base_instance_num token from argv; the rebuilt
// flags below always reflect the already-selected group's real instance
// ids instead.
func stripInstanceIDFlags(argv []string) []string {
	out := make([]string, 0, len(argv))
	for _, a := range argv {
		key, _, _ := splitFlagToken(a)
		switch key {
		case "--instance_nums", "-instance_nums", "--num_instances", "-num_instances", "--base_instance_num", "-base_instance_num":
			continue
		}
		out = append(out, a)
	}
	return out
}

// instanceIDArgs rebuilds the instance-id flags reflecting group's real,
// already-assigned instance ids: a --base_instance_num/--num_instances
// pair when the ids are sorted and consecutive, else an explicit
// --instance_nums list. Grounded on start.cpp's UpdateInstanceArgs.
func instanceIDArgs(group *instances.InstanceGroup) []string {
	if len(group.Instances) == 0 {
		return nil
	}

	ids := make([]int, len(group.Instances))
	for i, inst := range group.Instances {
		ids[i] = inst.ID
	}

	consecutive := true
	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[0]+i {
			consecutive = false
			break
		}
	}
	if !consecutive {
		strs := make([]string, len(ids))
		for i, id := range ids {
			strs[i] = strconv.Itoa(id)
		}
		return []string{"--instance_nums=" + strings.Join(strs, ",")}
	}

	return []string{
		"--num_instances=" + strconv.Itoa(len(ids)),
		"--base_instance_num=" + strconv.Itoa(ids[0]),
	}
}

// extractWebRTCDeviceIDs strips a user-supplied --webrtc_device_id token
// from argv and returns its comma-split value (nil when absent).
// Grounded on start.cpp's ExtractWebRTCDeviceIds.
func extractWebRTCDeviceIDs(argv []string) ([]string, []string) {
	out := make([]string, 0, len(argv))
	var ids []string
	for _, a := range argv {
		key, value, hasValue := splitFlagToken(a)
		if key == "--webrtc_device_id" || key == "-webrtc_device_id" {
			if hasValue && value != "" {
				ids = strings.Split(value, ",")
			}
			continue
		}
		out = append(out, a)
	}
	return out, ids
}

// replaceEmptyWebRTCDeviceIDs pads/truncates ids to len(group.Instances),
// synthesizes "{group}-{instance_name}-{instance_id}" (with a "_<k>"
// suffix on collision) for every slot left empty, and records the result
// onto group's instances so it is persisted alongside the group's
// STARTING/RUNNING state. Grounded on start.cpp's
// ReplaceEmptyWebRTCDeviceIds.
func replaceEmptyWebRTCDeviceIDs(group *instances.InstanceGroup, ids []string) []string {
	for len(ids) < len(group.Instances) {
		ids = append(ids, "")
	}
	ids = ids[:len(group.Instances)]

	used := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			used[id] = true
		}
	}

	for i, id := range ids {
		if id != "" {
			continue
		}
		generated := fmt.Sprintf("%s-%s-%d", group.GroupName, group.Instances[i].Name, group.Instances[i].ID)
		candidate := generated
		for k := 1; used[candidate]; k++ {
			candidate = fmt.Sprintf("%s_%d", generated, k)
		}
		ids[i] = candidate
		used[candidate] = true
	}

	for i := range group.Instances {
		group.Instances[i].WebRTCDeviceID = ids[i]
	}

	return ids
}

// launchGroup runs spec.md §4.10 start steps 5-12 against an
// already-created group: it rebuilds launchArgv (the raw launch flags
// the caller passed through) into the flags the helper binary actually
// expects, composes the launch environment, pushes an interrupt listener
// that cancels the group on SIGINT/SIGHUP/SIGTERM, launches the helper
// binary, waits for it, and reconciles the final state. On success it
// writes the group's status JSON to r.Stdout.
func launchGroup(r *Request, group *instances.InstanceGroup, launchArgv []string) error {
	firstID := 0
	if len(group.Instances) > 0 {
		firstID = group.Instances[0].ID
	}

	binName, err := cvdutils.ResolveBinary(r.Deps.Super, group.HostArtifactsPath, []string{"cvd_internal_start", "launch_cvd"})
	if err != nil {
		return err
	}

	argv, err := rebuildLaunchArgv(launchArgv, group)
	if err != nil {
		return err
	}

	env := composeLaunchEnv(r, group, firstID)

	if err := os.MkdirAll(group.HomeDirectory, 0775); err != nil {
		return err
	}

	var launchErr error
	listenerHandle := r.Deps.Signals.Push(makeCancelListener(r, group))
	defer func() {
		if launchErr == nil {
			listenerHandle.Pop()
		}
	}()

	if conn, opErr := preRegisterWithOperator(r, group); opErr != nil {
		cliLog.Warnf("operator pre-registration failed for group %q, UI front-ends will not see it until polling catches up: %v", group.GroupName, opErr)
	} else if conn != nil {
		defer conn.Close() //nolint:errcheck
	}

	group.SetAllStates(instances.StateStarting)
	group.StartTime = nowUnix()
	if err := r.Deps.Store.UpdateInstanceGroup(group); err != nil {
		return err
	}

	spec := supervisor.NewSpec(group.HostArtifactsPath+"/bin/"+binName, argv)
	spec.Env = env
	spec.WorkingDir = group.HomeDirectory
	spec.Stderr = r.Stderr
	spec.CaptureStderr = true

	h, err := r.Deps.Super.Launch(spec)
	if err != nil {
		launchErr = err
		group.SetAllStates(instances.StateBootFailed)
		r.Deps.Store.UpdateInstanceGroup(group) //nolint:errcheck
		return err
	}

	status, err := h.Wait(context.Background(), 0)
	if err != nil {
		launchErr = err
		group.SetAllStates(instances.StateBootFailed)
		r.Deps.Store.UpdateInstanceGroup(group) //nolint:errcheck
		return err
	}

	if checkErr := supervisor.CheckNormalExit(status, 0); checkErr != nil {
		launchErr = checkErr
		forcefullyStopGroup(r, group, firstID)
		group.SetAllStates(instances.StateBootFailed)
		r.Deps.Store.UpdateInstanceGroup(group) //nolint:errcheck
		return checkErr
	}

	group.SetAllStates(instances.StateRunning)
	if err := r.Deps.Store.UpdateInstanceGroup(group); err != nil {
		return err
	}

	body, err := group.StatusJSON()
	if err != nil {
		return err
	}
	fmt.Fprintln(r.Stdout, string(body))
	return nil
}

// forcefullyStopGroup is spec.md §4.10 start-step-11's "call
// ForcefullyStopGroup(first_id)" escalation path: best-effort, errors are
// discarded (neither logged nor returned); the caller records BOOT_FAILED
// regardless.
func forcefullyStopGroup(r *Request, group *instances.InstanceGroup, firstID int) {
	binName, err := cvdutils.ResolveBinary(r.Deps.Super, group.HostArtifactsPath, []string{"cvd_internal_stop", "stop_cvd"})
	if err != nil {
		return
	}
	spec := supervisor.NewSpec(group.HostArtifactsPath+"/bin/"+binName, nil)
	spec.Env = []string{"HOME=" + group.HomeDirectory}
	h, err := r.Deps.Super.Launch(spec)
	if err != nil {
		return
	}
	h.Wait(context.Background(), 0) //nolint:errcheck
}

// preRegisterWithOperator implements spec.md §4.10 start-step-8 and §4.11:
// it pre-registers every instance in group with the Operator Control
// socket so UI front-ends see the group before its instances finish
// booting. A failure here is logged and swallowed by the caller; the
// returned Connection, if non-nil, must be kept open by the caller (a
// deferred Close) for the remainder of the handler, since closing it
// early discards the pre-registration.
func preRegisterWithOperator(r *Request, group *instances.InstanceGroup) (*operator.Connection, error) {
	owner := "unknown"
	if u, err := user.Current(); err == nil {
		owner = u.Username
	}

	devices := make([]operator.Device, len(group.Instances))
	for i, inst := range group.Instances {
		id := inst.WebRTCDeviceID
		if id == "" {
			id = fmt.Sprintf("%s-%d", group.GroupName, inst.ID)
		}
		devices[i] = operator.Device{
			ID:      id,
			Name:    inst.Name,
			AdbPort: adbBasePort + inst.ID - 1,
		}
	}

	socketPath := r.Env["CVD_OPERATOR_SOCKET"]
	return operator.PreRegister(socketPath, group.GroupName, owner, devices)
}

// makeCancelListener returns the interrupt listener spec.md §4.10's
// start step 7 pushes: on signal, it marks every instance CANCELLED,
// persists the group, and aborts the process, per pkg/signals'
// documented "reconcile then abort" idiom (Pop from within the running
// listener would deadlock, so the process exits directly instead).
func makeCancelListener(r *Request, group *instances.InstanceGroup) func(sig syscall.Signal) {
	return func(_ syscall.Signal) {
		group.SetAllStates(instances.StateCancelled)
		r.Deps.Store.UpdateInstanceGroup(group) //nolint:errcheck
		runExitHandlers()
		os.Exit(cvderrors.ExitCode(cvderrors.ErrInterrupted))
	}
}
