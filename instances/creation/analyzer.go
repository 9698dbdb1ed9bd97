// Package creation implements the Creation Analyzer of spec.md §4.7: it
// composes the params passed to persist/api.Store.CreateInstanceGroup
// from the environment, the path resolver, and the Start-option Parser's
// result.
package creation

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cuttlefish-cvd/cvd/instances/persist/api"
	"github.com/cuttlefish-cvd/cvd/instances/startopts"
)

var analyzerLog = logrus.WithField("source", "creation_analyzer")

// SetLogger overrides the package logger.
func SetLogger(logger *logrus.Entry) {
	analyzerLog = logger.WithField("subsystem", "creation_analyzer")
}

// Env is the subset of the process environment the analyzer consumes.
type Env struct {
	HOME           string
	SystemWideHome string
	ProductOut     string // ANDROID_PRODUCT_OUT, comma-separated
}

// Input bundles everything the analyzer needs beyond env: the already
// resolved host_artifacts_path and the already-parsed start options.
type Input struct {
	Env               Env
	HostArtifactsPath string
	GroupName         string // optional
	StartOpts         startopts.Result
}

// Analyze composes api.CreateParams per spec.md §4.7. A
// product_out_path/instance-count mismatch is resolved by padding or
// truncating (with a logged warning), never by returning an error, since
// that part of the analyzer only assembles a request for the store to
// validate. It can still fail, though: every id in in.StartOpts.IDs that
// is 0 ("unknown, allocator assigns") is resolved here by taking a
// numeric instance-id lock (SPEC_FULL.md §C), and lock contention or I/O
// failure surfaces as an error. The returned locks must be released by
// the caller once the owning command exits; they stay held for its
// entire lifetime, matching the legacy acloud tooling's per-command
// reservation.
func Analyze(in Input) (api.CreateParams, []AllocatedID, error) {
	home := ""
	if in.Env.HOME != "" && in.Env.HOME != in.Env.SystemWideHome {
		home = in.Env.HOME
	}

	n := len(in.StartOpts.IDs)
	productOutPaths := splitProductOut(in.Env.ProductOut, n)

	seeds := make([]api.InstanceSeed, n)
	var locks []AllocatedID
	releaseAll := func() {
		for i := range locks {
			locks[i].Release() //nolint:errcheck
		}
	}

	for i := 0; i < n; i++ {
		id := in.StartOpts.IDs[i]
		if id == 0 {
			alloc, err := AllocateID()
			if err != nil {
				releaseAll()
				return api.CreateParams{}, nil, err
			}
			locks = append(locks, alloc)
			id = alloc.ID
		}

		name := in.StartOpts.Names[i]
		if name == "" {
			name = strconv.Itoa(id)
		}
		var webrtcID string
		if i < len(in.StartOpts.WebRTCDeviceIDs) {
			webrtcID = in.StartOpts.WebRTCDeviceIDs[i]
		}
		seeds[i] = api.InstanceSeed{
			ID:             id,
			Name:           name,
			WebRTCDeviceID: webrtcID,
		}
	}

	params := api.CreateParams{
		Home:              home,
		HostArtifactsPath: in.HostArtifactsPath,
		ProductOutPaths:   productOutPaths,
		GroupName:         in.GroupName,
		Instances:         seeds,
	}
	return params, locks, nil
}

// splitProductOut splits ANDROID_PRODUCT_OUT on commas and pads/truncates
// to exactly n entries, logging a warning when entries are dropped.
func splitProductOut(raw string, n int) []string {
	var paths []string
	if raw != "" {
		paths = strings.Split(raw, ",")
	}

	switch {
	case n == 0 || len(paths) == 0:
		return paths
	case len(paths) < n:
		first := paths[0]
		for len(paths) < n {
			paths = append(paths, first)
		}
	case len(paths) > n:
		analyzerLog.Warnf("ANDROID_PRODUCT_OUT has %d entries for %d instances; truncating", len(paths), n)
		paths = paths[:n]
	}
	return paths
}

// NewWebRTCToken synthesizes a default token (e.g. a group id) when
// nothing more specific is available. Grounded on spec.md §4.6's mention
// of synthesized default tokens for the webrtc device id namespace.
func NewWebRTCToken() string {
	return uuid.NewString()
}
