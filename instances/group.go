package instances

import (
	"encoding/json"
	"fmt"

	"github.com/cuttlefish-cvd/cvd/cvderrors"
)

// instanceStatusJSON is the per-instance shape in a group's status JSON.
type instanceStatusJSON struct {
	ID             int    `json:"instance_id"`
	Name           string `json:"name"`
	State          string `json:"state"`
	WebRTCDeviceID string `json:"webrtc_device_id,omitempty"`
}

// groupStatusJSON is the top-level shape emitted by `cvd start`/`cvd env`
// on success: group_name, metrics_dir, start_time, instances[].
type groupStatusJSON struct {
	GroupName  string               `json:"group_name"`
	MetricsDir string               `json:"metrics_dir"`
	StartTime  int64                `json:"start_time"`
	Instances  []instanceStatusJSON `json:"instances"`
}

// StatusJSON renders g as the JSON object emitted to stdout on a
// successful create/start (spec.md §8, scenario 1).
func (g *InstanceGroup) StatusJSON() ([]byte, error) {
	out := groupStatusJSON{
		GroupName:  g.GroupName,
		MetricsDir: g.HomeDirectory + "/cuttlefish/assembly",
		StartTime:  g.StartTime,
	}
	for _, inst := range g.Instances {
		out.Instances = append(out.Instances, instanceStatusJSON{
			ID:             inst.ID,
			Name:           inst.Name,
			State:          inst.State.String(),
			WebRTCDeviceID: inst.WebRTCDeviceID,
		})
	}
	return json.Marshal(out)
}

// ValidateInvariants checks the invariants of spec.md §3/§8 that a single
// group must satisfy on its own (cross-group invariants like duplicate
// home/group_name/instance-id are enforced by the store, which sees every
// group at once).
func (g *InstanceGroup) ValidateInvariants() error {
	if len(g.Instances) == 0 {
		return fmt.Errorf("%w: group %q has no instances", cvderrors.ErrUser, g.GroupName)
	}

	seenIDs := make(map[int]bool, len(g.Instances))
	seenNames := make(map[string]bool, len(g.Instances))
	for _, inst := range g.Instances {
		if inst.ID != 0 {
			if seenIDs[inst.ID] {
				return fmt.Errorf("%w: instance id %d repeated within group %q", cvderrors.ErrDuplicate, inst.ID, g.GroupName)
			}
			seenIDs[inst.ID] = true
		}
		if err := validInstanceName(inst.Name); err != nil {
			return err
		}
		if seenNames[inst.Name] {
			return fmt.Errorf("%w: instance name %q repeated within group %q", cvderrors.ErrDuplicate, inst.Name, g.GroupName)
		}
		seenNames[inst.Name] = true
	}

	if len(g.ProductOutPaths) != len(g.Instances) {
		return fmt.Errorf("%w: group %q has %d product_out_paths for %d instances",
			cvderrors.ErrUser, g.GroupName, len(g.ProductOutPaths), len(g.Instances))
	}

	return nil
}

func validInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: instance name must not be empty", cvderrors.ErrUser)
	}
	return nil
}

// PadProductOutPaths applies the padding rule of spec.md §3: when fewer
// paths are supplied than instances, the first path is repeated to pad.
// It mutates g in place and is idempotent once len matches.
func (g *InstanceGroup) PadProductOutPaths() {
	n := len(g.Instances)
	if len(g.ProductOutPaths) == 0 || n == 0 {
		return
	}
	if len(g.ProductOutPaths) >= n {
		g.ProductOutPaths = g.ProductOutPaths[:n]
		return
	}
	first := g.ProductOutPaths[0]
	for len(g.ProductOutPaths) < n {
		g.ProductOutPaths = append(g.ProductOutPaths, first)
	}
}
