package instances

import (
	"encoding/json"
	"testing"

	"github.com/cuttlefish-cvd/cvd/cvderrors"
	"github.com/stretchr/testify/assert"
)

func TestStatusJSON(t *testing.T) {
	g := &InstanceGroup{
		GroupName:     "cvd",
		HomeDirectory: "/tmp/cvd/1/home",
		StartTime:     1234,
		Instances: []Instance{
			{ID: 1, Name: "cvd-1", State: StateRunning, WebRTCDeviceID: "cvd-1-abc"},
		},
	}

	body, err := g.StatusJSON()
	assert.NoError(t, err)

	var decoded map[string]interface{}
	assert.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "cvd", decoded["group_name"])
	assert.Equal(t, "/tmp/cvd/1/home/cuttlefish/assembly", decoded["metrics_dir"])
	assert.Equal(t, float64(1234), decoded["start_time"])

	instances, ok := decoded["instances"].([]interface{})
	assert.True(t, ok)
	assert.Len(t, instances, 1)
}

func TestValidateInvariantsNoInstances(t *testing.T) {
	g := &InstanceGroup{GroupName: "cvd"}
	err := g.ValidateInvariants()
	assert.ErrorIs(t, err, cvderrors.ErrUser)
}

func TestValidateInvariantsDuplicateID(t *testing.T) {
	g := &InstanceGroup{
		GroupName:       "cvd",
		ProductOutPaths: []string{"/a", "/b"},
		Instances: []Instance{
			{ID: 1, Name: "cvd-1"},
			{ID: 1, Name: "cvd-2"},
		},
	}
	err := g.ValidateInvariants()
	assert.ErrorIs(t, err, cvderrors.ErrDuplicate)
}

func TestValidateInvariantsDuplicateName(t *testing.T) {
	g := &InstanceGroup{
		GroupName:       "cvd",
		ProductOutPaths: []string{"/a", "/b"},
		Instances: []Instance{
			{ID: 1, Name: "cvd-1"},
			{ID: 2, Name: "cvd-1"},
		},
	}
	err := g.ValidateInvariants()
	assert.ErrorIs(t, err, cvderrors.ErrDuplicate)
}

func TestValidateInvariantsMismatchedProductOutPaths(t *testing.T) {
	g := &InstanceGroup{
		GroupName:       "cvd",
		ProductOutPaths: []string{"/a"},
		Instances: []Instance{
			{ID: 1, Name: "cvd-1"},
			{ID: 2, Name: "cvd-2"},
		},
	}
	err := g.ValidateInvariants()
	assert.ErrorIs(t, err, cvderrors.ErrUser)
}

func TestValidateInvariantsOK(t *testing.T) {
	g := &InstanceGroup{
		GroupName:       "cvd",
		ProductOutPaths: []string{"/a", "/a"},
		Instances: []Instance{
			{ID: 1, Name: "cvd-1"},
			{ID: 2, Name: "cvd-2"},
		},
	}
	assert.NoError(t, g.ValidateInvariants())
}

func TestPadProductOutPaths(t *testing.T) {
	g := &InstanceGroup{
		ProductOutPaths: []string{"/a"},
		Instances:       []Instance{{ID: 1}, {ID: 2}, {ID: 3}},
	}
	g.PadProductOutPaths()
	assert.Equal(t, []string{"/a", "/a", "/a"}, g.ProductOutPaths)
}

func TestPadProductOutPathsTruncates(t *testing.T) {
	g := &InstanceGroup{
		ProductOutPaths: []string{"/a", "/b", "/c"},
		Instances:       []Instance{{ID: 1}},
	}
	g.PadProductOutPaths()
	assert.Equal(t, []string{"/a"}, g.ProductOutPaths)
}

func TestPadProductOutPathsNoopWhenEmpty(t *testing.T) {
	g := &InstanceGroup{Instances: []Instance{{ID: 1}}}
	g.PadProductOutPaths()
	assert.Empty(t, g.ProductOutPaths)
}
