package main

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/urfave/cli"
)

// newTestContext builds a two-level *cli.Context (global + command) the
// way urfave/cli does when dispatching a subcommand, so GlobalString/
// GlobalBool resolve against the parent flag set and String/Bool resolve
// against the child one. Grounded on the teacher's
// cli/main_test.go:createCLIContextWithApp helper.
func newTestContext(t *testing.T, globalArgs, localArgs []string) *Request {
	t.Helper()
	app := cli.NewApp()

	globalSet := flag.NewFlagSet("cvd", flag.ContinueOnError)
	globalSet.String("group_name", "", "")
	globalSet.String("instance_name", "", "")
	globalSet.Bool("disable_default_group", false, "")
	assert.NoError(t, globalSet.Parse(globalArgs))
	parent := cli.NewContext(app, globalSet, nil)

	localSet := flag.NewFlagSet("create", flag.ContinueOnError)
	localSet.String("group_name", "", "")
	localSet.String("instance_name", "", "")
	assert.NoError(t, localSet.Parse(localArgs))
	child := cli.NewContext(app, localSet, parent)

	return newRequest(child, &Deps{})
}

func TestEnvironToMap(t *testing.T) {
	m := environToMap([]string{"HOME=/home/vsoc01", "FOO=bar=baz", "EMPTY="})
	assert.Equal(t, "/home/vsoc01", m["HOME"])
	assert.Equal(t, "bar=baz", m["FOO"])
	assert.Equal(t, "", m["EMPTY"])
}

func TestSelectorFlagsPrefersLocalOverGlobal(t *testing.T) {
	r := newTestContext(t, []string{"--group_name=global-group"}, []string{"--group_name=local-group"})
	flags := r.selectorFlags()
	assert.Equal(t, "local-group", flags.GroupName)
}

func TestSelectorFlagsFallsBackToGlobal(t *testing.T) {
	r := newTestContext(t, []string{"--instance_name=a,b"}, nil)
	flags := r.selectorFlags()
	assert.Equal(t, []string{"a", "b"}, flags.InstanceNames)
}

func TestBuildQueryDisableDefaultGroupRejectsEmptyQuery(t *testing.T) {
	r := newTestContext(t, []string{"--disable_default_group"}, nil)
	_, err := r.buildQuery()
	assert.Error(t, err)
}

func TestBuildQueryDisableDefaultGroupAllowsNarrowedQuery(t *testing.T) {
	r := newTestContext(t, []string{"--disable_default_group", "--group_name=cvd-1"}, nil)
	_, err := r.buildQuery()
	assert.NoError(t, err)
}

func TestBuildQueryWithoutDisableDefaultGroupAllowsEmptyQuery(t *testing.T) {
	r := newTestContext(t, nil, nil)
	query, err := r.buildQuery()
	assert.NoError(t, err)
	assert.True(t, query.Empty())
}
