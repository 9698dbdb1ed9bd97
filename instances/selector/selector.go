// Package selector implements spec.md §4.5: resolving a parsed CLI
// request to exactly one group, or one instance within a group, with an
// interactive fallback when stdin is a terminal and the database holds
// more than one candidate.
package selector

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/sirupsen/logrus"

	"github.com/cuttlefish-cvd/cvd/cvderrors"
	"github.com/cuttlefish-cvd/cvd/instances"
	"github.com/cuttlefish-cvd/cvd/instances/persist/api"
)

var selLog = logrus.WithField("source", "selector")

// SetLogger overrides the package logger.
func SetLogger(logger *logrus.Entry) {
	selLog = logger.WithField("subsystem", "selector")
}

// Flags carries the selector flags recognized on every sub-command
// (spec.md §6): --group_name, --instance_name (comma-separated).
type Flags struct {
	GroupName     string
	InstanceNames []string
}

// Env is the subset of the process environment the selector reads.
type Env struct {
	HOME               string
	SystemWideHome     string // the OS-reported home dir, used to detect a HOME override
	CUTTLEFISHInstance string // CUTTLEFISH_INSTANCE, empty when unset
}

// BuildQuery assembles the api.Query the Selector passes to the store, per
// spec.md §4.5 step 2.
func BuildQuery(flags Flags, env Env) (api.Query, error) {
	q := api.Query{GroupName: flags.GroupName}

	if len(flags.InstanceNames) == 1 {
		q.InstanceName = flags.InstanceNames[0]
	}

	if env.HOME != "" && env.HOME != env.SystemWideHome {
		q.Home = env.HOME
	}

	if env.CUTTLEFISHInstance != "" {
		id, err := strconv.Atoi(env.CUTTLEFISHInstance)
		if err != nil {
			return api.Query{}, fmt.Errorf("%w: CUTTLEFISH_INSTANCE must be numeric, got %q", cvderrors.ErrUser, env.CUTTLEFISHInstance)
		}
		q.InstanceID = id
	}

	return q, nil
}

// Selector resolves requests against a backing store.
type Selector struct {
	Store api.Store
	Stdin io.Reader
}

// New returns a Selector backed by store, reading interactive
// disambiguation input from os.Stdin.
func New(store api.Store) *Selector {
	return &Selector{Store: store, Stdin: os.Stdin}
}

// SelectGroup resolves query to exactly one group. On Ambiguous, if stdin
// is a terminal, it prints a numbered list of every matching group and
// reads a line choosing one; otherwise it fails.
func (s *Selector) SelectGroup(query api.Query) (*instances.InstanceGroup, error) {
	group, err := s.Store.FindGroup(query)
	if err == nil {
		return group, nil
	}
	if !errIsAmbiguous(err) {
		return nil, err
	}

	if !isTerminal(s.Stdin) {
		return nil, err
	}

	return s.disambiguate(query)
}

func (s *Selector) disambiguate(query api.Query) (*instances.InstanceGroup, error) {
	all, err := s.Store.AllGroups()
	if err != nil {
		return nil, err
	}

	var matches []*instances.InstanceGroup
	for _, g := range all {
		if groupMatches(g, query) {
			matches = append(matches, g)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: no group matches %+v", cvderrors.ErrNotFound, query)
	}
	selLog.Debugf("selector: %d groups match, prompting for disambiguation", len(matches))

	fmt.Fprintln(os.Stderr, "Multiple instance groups match your selection. Choose one:")
	for i, g := range matches {
		fmt.Fprintf(os.Stderr, "  %d) %s (%s)\n", i+1, g.GroupName, g.HomeDirectory)
	}

	reader := bufio.NewReader(s.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: reading selection: %v", cvderrors.ErrIO, err)
	}
	line = strings.TrimSpace(line)

	idx, err := strconv.Atoi(line)
	if err != nil || idx < 1 || idx > len(matches) {
		return nil, fmt.Errorf("%w: invalid selection %q", cvderrors.ErrUser, line)
	}

	return matches[idx-1], nil
}

// SelectInstance narrows group to exactly one instance, either via an
// instance_name that resolves to a single match, or via an exact
// instance_id match. Multiple matches (or zero) is a hard error; there is
// no interactive fallback for instance selection.
func (s *Selector) SelectInstance(group *instances.InstanceGroup, names []string, id int) (instances.Instance, error) {
	if id != 0 {
		inst, ok := group.FindInstanceByID(id)
		if !ok {
			return instances.Instance{}, fmt.Errorf("%w: no instance with id %d in group %q", cvderrors.ErrNotFound, id, group.GroupName)
		}
		return inst, nil
	}

	switch len(names) {
	case 0:
		if len(group.Instances) == 1 {
			return group.Instances[0], nil
		}
		return instances.Instance{}, fmt.Errorf("%w: group %q has %d instances; specify --instance_name", cvderrors.ErrUser, group.GroupName, len(group.Instances))
	case 1:
		inst, ok := group.FindInstanceByName(names[0])
		if !ok {
			return instances.Instance{}, fmt.Errorf("%w: no instance named %q in group %q", cvderrors.ErrNotFound, names[0], group.GroupName)
		}
		return inst, nil
	default:
		return instances.Instance{}, fmt.Errorf("%w: --instance_name must name exactly one instance for this command, got %d", cvderrors.ErrUser, len(names))
	}
}

func groupMatches(g *instances.InstanceGroup, q api.Query) bool {
	if q.Home != "" && g.HomeDirectory != q.Home {
		return false
	}
	if q.GroupName != "" && g.GroupName != q.GroupName {
		return false
	}
	if q.InstanceID != 0 {
		if _, ok := g.FindInstanceByID(q.InstanceID); !ok {
			return false
		}
	}
	if q.InstanceName != "" {
		if _, ok := g.FindInstanceByName(q.InstanceName); !ok {
			return false
		}
	}
	return true
}

func errIsAmbiguous(err error) bool {
	return errors.Is(err, cvderrors.ErrAmbiguous)
}

// isTerminal reports whether r is connected to a terminal. Only os.Stdin
// (or another *os.File) can be a terminal; anything else (e.g. a
// bytes.Reader in tests) is treated as non-interactive.
func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	_, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	return err == nil
}
