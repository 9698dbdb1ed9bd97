package startopts

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuttlefish-cvd/cvd/cvderrors"
)

func boolPtr(b bool) *bool { return &b }

func TestParseDefaultsToSingleUnknownInstance(t *testing.T) {
	r, err := Parse(Flags{})
	assert.NoError(t, err)
	assert.Equal(t, []int{0}, r.IDs)
	assert.Equal(t, []string{""}, r.Names)
	assert.False(t, r.Daemon)
}

func TestParseInstanceNums(t *testing.T) {
	r, err := Parse(Flags{InstanceNums: []int{3, 4, 5}})
	assert.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5}, r.IDs)
	assert.Equal(t, []string{"3", "4", "5"}, r.Names)
}

func TestParseInstanceNumsDuplicate(t *testing.T) {
	_, err := Parse(Flags{InstanceNums: []int{1, 1}})
	assert.ErrorIs(t, err, cvderrors.ErrUser)
}

func TestParseBaseAndCount(t *testing.T) {
	r, err := Parse(Flags{BaseInstanceNum: 5, NumInstances: 3})
	assert.NoError(t, err)
	assert.Equal(t, []int{5, 6, 7}, r.IDs)
}

func TestParseCountAlone(t *testing.T) {
	r, err := Parse(Flags{NumInstances: 2})
	assert.NoError(t, err)
	assert.Equal(t, []int{0, 0}, r.IDs)
}

func TestParseImplicitBaseFromEnv(t *testing.T) {
	r, err := Parse(Flags{InstanceNames: []string{"a", "b"}, CuttlefishInstanceEnv: "10"})
	assert.NoError(t, err)
	assert.Equal(t, []int{10, 11}, r.IDs)
}

func TestParseImplicitBaseFromVsocUsername(t *testing.T) {
	r, err := Parse(Flags{Username: "vsoc-03"})
	assert.NoError(t, err)
	assert.Equal(t, []int{3}, r.IDs)
}

func TestParseDaemonTrue(t *testing.T) {
	r, err := Parse(Flags{Daemon: boolPtr(true)})
	assert.NoError(t, err)
	assert.True(t, r.Daemon)
}

func TestParseDaemonFalseRejected(t *testing.T) {
	_, err := Parse(Flags{Daemon: boolPtr(false)})
	assert.ErrorIs(t, err, cvderrors.ErrUser)
}

func TestParseCardinalityMismatchNumInstancesVsInstanceNums(t *testing.T) {
	_, err := Parse(Flags{NumInstances: 2, InstanceNums: []int{1, 2, 3}})
	assert.ErrorIs(t, err, cvderrors.ErrUser)
}

func TestParseCardinalityMismatchInstanceNames(t *testing.T) {
	_, err := Parse(Flags{NumInstances: 2, InstanceNames: []string{"only-one"}})
	assert.ErrorIs(t, err, cvderrors.ErrUser)
}

func TestParseWebRTCDeviceIDsSynthesized(t *testing.T) {
	r, err := Parse(Flags{InstanceNums: []int{1, 2}, WebRTCDeviceIDs: []string{"mygroup-custom"}})
	assert.NoError(t, err)
	assert.Equal(t, "mygroup-custom", r.WebRTCDeviceIDs[0])
	assert.Equal(t, "mygroup-2-2", r.WebRTCDeviceIDs[1])
}

func TestParseWebRTCDeviceIDsGroupMismatch(t *testing.T) {
	_, err := Parse(Flags{InstanceNums: []int{1, 2}, WebRTCDeviceIDs: []string{"group1-a", "group2-b"}})
	assert.ErrorIs(t, err, cvderrors.ErrUser)
}
