// Package startopts parses the subset of `cvd start`/`cvd create` flags
// that determine how many instances to create and which ids/names/webrtc
// device ids they get, per spec.md §4.6.
package startopts

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuttlefish-cvd/cvd/cvderrors"
)

// Flags is the raw, unvalidated input gathered from the command line and
// environment.
type Flags struct {
	NumInstances    int // 0 means unset
	BaseInstanceNum int // 0 means unset
	InstanceNums    []int
	InstanceNames   []string
	WebRTCDeviceIDs []string
	Daemon          *bool // nil means the flag was not supplied at all

	CuttlefishInstanceEnv string // CUTTLEFISH_INSTANCE, empty when unset
	Username              string // for the vsoc-<n> implicit base convention
}

// Result is the resolved set of per-instance ids/names/webrtc ids the
// Creation Analyzer consumes.
type Result struct {
	IDs             []int // 0 entries mean "unknown, allocator assigns"
	Names           []string
	WebRTCDeviceIDs []string
	Daemon          bool
}

const vsocPrefix = "vsoc-"

// Parse applies the precedence rules of spec.md §4.6 and returns the
// resolved instance id/name/webrtc vectors, or a UserError describing a
// cardinality mismatch or invalid --daemon value.
func Parse(f Flags) (Result, error) {
	daemon, err := parseDaemon(f.Daemon)
	if err != nil {
		return Result{}, err
	}

	ids, err := resolveIDs(f)
	if err != nil {
		return Result{}, err
	}

	if err := crossCheckCardinalities(f, ids); err != nil {
		return Result{}, err
	}

	names := resolveNames(f, ids)

	webrtcIDs, err := resolveWebRTCDeviceIDs(f, names, ids)
	if err != nil {
		return Result{}, err
	}

	return Result{IDs: ids, Names: names, WebRTCDeviceIDs: webrtcIDs, Daemon: daemon}, nil
}

func parseDaemon(d *bool) (bool, error) {
	if d == nil {
		return false, nil
	}
	if !*d {
		return false, fmt.Errorf("%w: --daemon must be true (or --nodaemon/--daemon=false is not supported here)", cvderrors.ErrUser)
	}
	return true, nil
}

// resolveIDs implements the precedence of spec.md §4.6: instance_nums,
// then base+count, then count alone, then implicit base from names or
// environment.
func resolveIDs(f Flags) ([]int, error) {
	switch {
	case len(f.InstanceNums) > 0:
		seen := make(map[int]bool, len(f.InstanceNums))
		for _, id := range f.InstanceNums {
			if seen[id] {
				return nil, fmt.Errorf("%w: --instance_nums has duplicate id %d", cvderrors.ErrUser, id)
			}
			seen[id] = true
		}
		return append([]int(nil), f.InstanceNums...), nil

	case f.BaseInstanceNum > 0 && f.NumInstances > 0:
		return contiguousRange(f.BaseInstanceNum, f.NumInstances), nil

	case f.NumInstances > 0:
		return make([]int, f.NumInstances), nil // all zero: unknown, allocator assigns

	default:
		n := len(f.InstanceNames)
		if n == 0 {
			n = 1
		}
		if base, ok := implicitBase(f); ok {
			return contiguousRange(base, n), nil
		}
		return make([]int, n), nil
	}
}

// implicitBase looks for CUTTLEFISH_INSTANCE, then a vsoc-<n> suffix on
// the username, as the implicit base-instance-num source.
func implicitBase(f Flags) (int, bool) {
	if f.CuttlefishInstanceEnv != "" {
		if n, err := strconv.Atoi(f.CuttlefishInstanceEnv); err == nil {
			return n, true
		}
	}
	if strings.HasPrefix(f.Username, vsocPrefix) {
		if n, err := strconv.Atoi(strings.TrimPrefix(f.Username, vsocPrefix)); err == nil {
			return n, true
		}
	}
	return 0, false
}

func contiguousRange(base, count int) []int {
	ids := make([]int, count)
	for i := range ids {
		ids[i] = base + i
	}
	return ids
}

// crossCheckCardinalities enforces spec.md §4.6 rule 5: when multiple
// count-bearing flags are given together their cardinalities must agree.
func crossCheckCardinalities(f Flags, ids []int) error {
	if f.NumInstances > 0 && len(f.InstanceNums) > 0 && f.NumInstances != len(f.InstanceNums) {
		return fmt.Errorf("%w: --num_instances=%d and --instance_nums (%d ids) do not match",
			cvderrors.ErrUser, f.NumInstances, len(f.InstanceNums))
	}
	if len(f.InstanceNames) > 0 && len(f.InstanceNames) != len(ids) {
		return fmt.Errorf("%w: --instance_name (%d names) and the resolved instance count (%d) do not match",
			cvderrors.ErrUser, len(f.InstanceNames), len(ids))
	}
	return nil
}

func resolveNames(f Flags, ids []int) []string {
	if len(f.InstanceNames) > 0 {
		return append([]string(nil), f.InstanceNames...)
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		if id == 0 {
			names[i] = "" // Creation Analyzer synthesizes str(id) once an id is allocated
			continue
		}
		names[i] = strconv.Itoa(id)
	}
	return names
}

// resolveWebRTCDeviceIDs applies spec.md §4.6's webrtc-id rules: every
// user token containing "-" must agree on the group prefix before the
// first "-"; each user token is kept whole as its instance's id, and the
// part after the prefix does not change the instance's name. Missing
// tokens are synthesized as "{group}-{instance_name}-{instance_id}", with
// a "_<k>" suffix appended on collision with a user-supplied id.
func resolveWebRTCDeviceIDs(f Flags, names []string, ids []int) ([]string, error) {
	if len(f.WebRTCDeviceIDs) == 0 {
		return make([]string, len(names)), nil
	}

	group := ""
	for _, tok := range f.WebRTCDeviceIDs {
		if idx := strings.Index(tok, "-"); idx >= 0 {
			g := tok[:idx]
			if group == "" {
				group = g
			} else if group != g {
				return nil, fmt.Errorf("%w: --webrtc_device_id tokens disagree on group name (%q vs %q)", cvderrors.ErrUser, group, g)
			}
		}
	}

	out := make([]string, len(names))
	used := make(map[string]bool, len(f.WebRTCDeviceIDs))
	for i, tok := range f.WebRTCDeviceIDs {
		if i >= len(out) {
			break
		}
		out[i] = tok
		used[tok] = true
	}

	for i := len(f.WebRTCDeviceIDs); i < len(out); i++ {
		name := names[i]
		if name == "" {
			name = strconv.Itoa(ids[i])
		}
		base := fmt.Sprintf("%s-%s-%d", group, name, ids[i])
		candidate := base
		k := 1
		for used[candidate] {
			candidate = fmt.Sprintf("%s_%d", base, k)
			k++
		}
		out[i] = candidate
		used[candidate] = true
	}

	return out, nil
}
