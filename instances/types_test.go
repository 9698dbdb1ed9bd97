package instances

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "BOOT_FAILED", StateBootFailed.String())
	assert.Equal(t, "UNKNOWN(99)", State(99).String())
}

func TestStateMarshalJSON(t *testing.T) {
	b, err := json.Marshal(StateStarting)
	assert.NoError(t, err)
	assert.Equal(t, `"STARTING"`, string(b))
}

func TestStateActive(t *testing.T) {
	assert.True(t, StateStarting.Active())
	assert.True(t, StateRunning.Active())
	assert.False(t, StateStopped.Active())
	assert.False(t, StatePreparing.Active())
}

func TestGroupHasActiveInstances(t *testing.T) {
	g := &InstanceGroup{Instances: []Instance{{ID: 1, State: StateStopped}}}
	assert.False(t, g.HasActiveInstances())

	g.Instances = append(g.Instances, Instance{ID: 2, State: StateRunning})
	assert.True(t, g.HasActiveInstances())
}

func TestGroupSetAllStates(t *testing.T) {
	g := &InstanceGroup{Instances: []Instance{{ID: 1}, {ID: 2}}}
	g.SetAllStates(StateCancelled)
	for _, inst := range g.Instances {
		assert.Equal(t, StateCancelled, inst.State)
	}
}

func TestGroupFindInstance(t *testing.T) {
	g := &InstanceGroup{Instances: []Instance{{ID: 1, Name: "cvd-1"}, {ID: 2, Name: "cvd-2"}}}

	inst, ok := g.FindInstanceByID(2)
	assert.True(t, ok)
	assert.Equal(t, "cvd-2", inst.Name)

	_, ok = g.FindInstanceByID(3)
	assert.False(t, ok)

	inst, ok = g.FindInstanceByName("cvd-1")
	assert.True(t, ok)
	assert.Equal(t, 1, inst.ID)
}

func TestGroupCloneIsIndependent(t *testing.T) {
	g := &InstanceGroup{
		GroupName:       "cvd",
		ProductOutPaths: []string{"/a"},
		Instances:       []Instance{{ID: 1, Name: "cvd-1"}},
	}
	clone := g.Clone()
	clone.Instances[0].State = StateRunning
	clone.ProductOutPaths[0] = "/b"

	assert.Equal(t, StatePreparing, g.Instances[0].State)
	assert.Equal(t, "/a", g.ProductOutPaths[0])
}
