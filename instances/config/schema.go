package config

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// NodeType tags a ConfigNode's expected JSON shape.
type NodeType int

const (
	TypeString NodeType = iota
	TypeInt
	TypeBool
	TypeObject
	TypeArray
)

// Node is one entry in the declarative validation tree of spec.md §4.8:
// "Validation walks a declarative schema tree (ConfigNode{type,
// children}) and fails on type mismatch or unknown key."
type Node struct {
	Type     NodeType
	Children map[string]Node // only meaningful when Type == TypeObject
	Element  *Node           // only meaningful when Type == TypeArray
}

// InstanceSchema describes one element of the top-level "instances"
// array: vm, disk, boot, graphics, security sub-objects, each left
// permissive (no nested children declared) since their internal shape is
// launch-flag-defined and only the gflag emission step interprets them.
var InstanceSchema = Node{
	Type: TypeObject,
	Children: map[string]Node{
		"vm":       {Type: TypeObject},
		"disk":     {Type: TypeObject},
		"boot":     {Type: TypeObject},
		"graphics": {Type: TypeObject},
		"security": {Type: TypeObject},
		"@import":  {Type: TypeString},
	},
}

// DocumentSchema describes the top-level JSON document: an "instances"
// array plus an optional "fetch" block.
var DocumentSchema = Node{
	Type: TypeObject,
	Children: map[string]Node{
		"instances": {Type: TypeArray, Element: &InstanceSchema},
		"fetch":     {Type: TypeObject},
	},
}

// Validate walks value against node, failing on a type mismatch or an
// object key not declared in node.Children. value is the result of
// unmarshaling JSON into interface{} (map[string]interface{},
// []interface{}, string, float64, bool, or nil).
func Validate(node Node, value interface{}) error {
	switch node.Type {
	case TypeString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case TypeInt:
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("expected number, got %T", value)
		}
	case TypeBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", value)
		}
	case TypeObject:
		m, ok := value.(map[string]interface{})
		if !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
		var result *multierror.Error
		for key, v := range m {
			child, ok := node.Children[key]
			if !ok {
				if len(node.Children) == 0 {
					continue // permissive leaf object (vm/disk/boot/graphics/security)
				}
				result = multierror.Append(result, fmt.Errorf("unknown key %q", key))
				continue
			}
			if err := Validate(child, v); err != nil {
				result = multierror.Append(result, fmt.Errorf("%q: %w", key, err))
			}
		}
		return result.ErrorOrNil()
	case TypeArray:
		arr, ok := value.([]interface{})
		if !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
		if node.Element == nil {
			return nil
		}
		var result *multierror.Error
		for i, elem := range arr {
			if err := Validate(*node.Element, elem); err != nil {
				result = multierror.Append(result, fmt.Errorf("[%d]: %w", i, err))
			}
		}
		return result.ErrorOrNil()
	}
	return nil
}
