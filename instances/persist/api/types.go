// Package api defines the storage-driver-agnostic contract for the
// instance database, grounded on the teacher's persist/api split between
// wire-shaped structs and a driver interface.
package api

import "github.com/cuttlefish-cvd/cvd/instances"

// Query is a disjunction of optional fields used to locate exactly one
// group (or, narrowed further, exactly one instance within it). A zero
// value field means "don't filter on this".
type Query struct {
	Home         string
	GroupName    string
	InstanceID   int // 0 means unset
	InstanceName string
}

// Empty reports whether every field of q is unset.
func (q Query) Empty() bool {
	return q.Home == "" && q.GroupName == "" && q.InstanceID == 0 && q.InstanceName == ""
}

// CreateParams is the input to Store.CreateInstanceGroup.
type CreateParams struct {
	Home              string
	HostArtifactsPath string
	ProductOutPaths   []string
	GroupName         string // optional; empty lets the store assign a default name
	Instances         []InstanceSeed
}

// InstanceSeed is a not-yet-persisted instance: Id is 0 when unassigned.
type InstanceSeed struct {
	ID             int
	Name           string
	State          instances.State
	WebRTCDeviceID string // optional; empty lets launchGroup synthesize one once the group's final name is known
}

// Store is the interface a persistence driver must implement. fs.Store is
// the only production implementation; tests may substitute an in-memory
// one.
type Store interface {
	HasInstanceGroups() (bool, error)
	CreateInstanceGroup(params CreateParams) (*instances.InstanceGroup, error)
	FindGroup(query Query) (*instances.InstanceGroup, error)
	UpdateInstanceGroup(group *instances.InstanceGroup) error
	RemoveInstanceGroupByHome(home string) error
	AllGroups() ([]*instances.InstanceGroup, error)
}
