package cvdutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cuttlefish-cvd/cvd/cvderrors"
	"github.com/cuttlefish-cvd/cvd/pkg/supervisor"
)

// hostArtifactCandidateEnvVars lists, in priority order, the environment
// variables that may carry a host-artifact tree.
var hostArtifactCandidateEnvVars = []string{"ANDROID_HOST_OUT", "ANDROID_SOONG_HOST_OUT"}

// hostArtifactBinaries are the files whose presence under <candidate>/bin
// marks a directory as a valid host-artifact tree.
var hostArtifactBinaries = []string{"cvd_internal_start", "launch_cvd"}

// HostArtifactPath resolves the host-artifact directory from a process
// environment: the first of ANDROID_HOST_OUT, ANDROID_SOONG_HOST_OUT,
// HOME, or the current working directory that contains bin/cvd_internal_start
// or bin/launch_cvd.
func HostArtifactPath(env map[string]string) (string, error) {
	candidates := make([]string, 0, 4)
	for _, name := range hostArtifactCandidateEnvVars {
		if v, ok := env[name]; ok && v != "" {
			candidates = append(candidates, v)
		}
	}
	if v, ok := env["HOME"]; ok && v != "" {
		candidates = append(candidates, v)
	}
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, cwd)
	}

	for _, dir := range candidates {
		for _, bin := range hostArtifactBinaries {
			if FileExists(filepath.Join(dir, "bin", bin)) {
				return dir, nil
			}
		}
	}

	return "", fmt.Errorf("%w: no host artifact directory among %v contains bin/{%s}",
		cvderrors.ErrNotFound, candidates, strings.Join(hostArtifactBinaries, ","))
}

// FindBinary returns the first of alternatives that exists under
// artifactsPath/bin.
func FindBinary(artifactsPath string, alternatives []string) (string, error) {
	for _, name := range alternatives {
		if FileExists(filepath.Join(artifactsPath, "bin", name)) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: none of %v found under %s/bin", cvderrors.ErrNotFound, alternatives, artifactsPath)
}

// probeTimeout bounds how long ResolveBinary waits for a helper's
// --helpxml/-help probe before giving up on it.
const probeTimeout = 5 * time.Second

var (
	probeCacheMu sync.Mutex
	probeCache   = map[string]error{}
)

// ResolveBinary is FindBinary followed by a one-time executability probe,
// mirroring host_tool_target.cpp: before any helper under artifactsPath/bin
// is trusted, it is run once with --helpxml, falling back to -help for
// helper variants that don't recognize --helpxml, and the outcome is
// cached per artifactsPath+binary so later sub-commands in the same
// process skip the repeat probe. A probe failure is reported as
// ErrNotFound rather than whatever the helper's own exec error was.
func ResolveBinary(super *supervisor.Supervisor, artifactsPath string, alternatives []string) (string, error) {
	name, err := FindBinary(artifactsPath, alternatives)
	if err != nil {
		return "", err
	}

	binPath := filepath.Join(artifactsPath, "bin", name)

	probeCacheMu.Lock()
	cached, done := probeCache[binPath]
	probeCacheMu.Unlock()
	if done {
		if cached != nil {
			return "", cached
		}
		return name, nil
	}

	probeErr := probeExecutable(super, binPath)

	probeCacheMu.Lock()
	probeCache[binPath] = probeErr
	probeCacheMu.Unlock()

	if probeErr != nil {
		return "", probeErr
	}
	return name, nil
}

// probeExecutable runs binPath with --helpxml, retrying with -help if the
// helper doesn't recognize the first flag, to confirm it is executable and
// reachable before anything depends on it.
func probeExecutable(super *supervisor.Supervisor, binPath string) error {
	for _, flag := range []string{"--helpxml", "-help"} {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		_, _, status, err := super.RunManaged(ctx, supervisor.NewSpec(binPath, []string{flag}), nil)
		cancel()
		if err == nil && status.Kind == supervisor.ExitNormal {
			return nil
		}
	}
	return fmt.Errorf("%w: %s did not respond to --helpxml or -help", cvderrors.ErrNotFound, binPath)
}

// PathOptions controls EmulateAbsolutePath's behavior.
type PathOptions struct {
	Path          string
	Cwd           string // defaults to os.Getwd() result
	Home          string // defaults to os.UserHomeDir() result
	FollowSymlink bool
}

// EmulateAbsolutePath is a pure-lexical path normalizer: it expands a
// leading ~ or ~/ against Home, anchors relative paths at Cwd, and folds
// "." / ".." tokens without touching the filesystem, unless FollowSymlink
// is set and the resulting path exists, in which case the final path is
// resolved through the OS realpath call.
func EmulateAbsolutePath(opts PathOptions) (string, error) {
	raw := opts.Path
	if raw == "" {
		return "", fmt.Errorf("%w: empty path", cvderrors.ErrBadPath)
	}

	if idx := strings.Index(raw, "~"); idx > 0 {
		return "", fmt.Errorf("%w: ~ must appear only at the start of the path: %q", cvderrors.ErrBadPath, raw)
	}

	home := opts.Home
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = h
		}
	}

	switch {
	case raw == "~":
		raw = home
	case strings.HasPrefix(raw, "~/"):
		raw = filepath.Join(home, raw[2:])
	}

	if !filepath.IsAbs(raw) {
		cwd := opts.Cwd
		if cwd == "" {
			if c, err := os.Getwd(); err == nil {
				cwd = c
			}
		}
		raw = filepath.Join(cwd, raw)
	}

	normalized := lexicalClean(raw)

	if opts.FollowSymlink {
		if _, err := os.Lstat(normalized); err == nil {
			if resolved, err := filepath.EvalSymlinks(normalized); err == nil {
				return resolved, nil
			}
		}
	}

	return normalized, nil
}

// lexicalClean folds "." and empty segments and pops one segment per ".."
// without ever touching the filesystem. filepath.Clean already implements
// this for POSIX paths; it is split out so the pure-lexical contract of
// EmulateAbsolutePath is explicit and independently testable.
func lexicalClean(p string) string {
	return filepath.Clean(p)
}
