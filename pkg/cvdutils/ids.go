package cvdutils

import (
	"fmt"
	"regexp"

	"github.com/cuttlefish-cvd/cvd/cvderrors"
)

// groupNameRegex is the name grammar from spec.md §3: starts with a
// letter, contains letters/digits/underscore/hyphen thereafter.
var groupNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// VerifyGroupName validates a group_name against the name grammar.
func VerifyGroupName(name string) error {
	if !groupNameRegex.MatchString(name) {
		return fmt.Errorf("%w: invalid group name %q (must match %s)", cvderrors.ErrUser, name, groupNameRegex.String())
	}
	return nil
}

// VerifyInstanceName validates a per-instance name: non-empty, no
// surrounding whitespace requirement beyond "not empty" per spec.md §3.
func VerifyInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: instance name must not be empty", cvderrors.ErrUser)
	}
	return nil
}
