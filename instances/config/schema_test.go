package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateScalarTypes(t *testing.T) {
	assert.NoError(t, Validate(Node{Type: TypeString}, "x"))
	assert.Error(t, Validate(Node{Type: TypeString}, 1.0))

	assert.NoError(t, Validate(Node{Type: TypeInt}, 1.0))
	assert.Error(t, Validate(Node{Type: TypeInt}, "x"))

	assert.NoError(t, Validate(Node{Type: TypeBool}, true))
	assert.Error(t, Validate(Node{Type: TypeBool}, "x"))
}

func TestValidateObjectPermissiveLeaf(t *testing.T) {
	node := Node{Type: TypeObject} // no declared children: permissive
	err := Validate(node, map[string]interface{}{"anything": "goes"})
	assert.NoError(t, err)
}

func TestValidateObjectRejectsUnknownKey(t *testing.T) {
	node := Node{Type: TypeObject, Children: map[string]Node{"a": {Type: TypeString}}}
	err := Validate(node, map[string]interface{}{"b": "x"})
	assert.Error(t, err)
}

func TestValidateObjectRecursesIntoChildren(t *testing.T) {
	node := Node{Type: TypeObject, Children: map[string]Node{"a": {Type: TypeInt}}}
	err := Validate(node, map[string]interface{}{"a": "not-a-number"})
	assert.Error(t, err)
}

func TestValidateArrayElements(t *testing.T) {
	elem := Node{Type: TypeString}
	node := Node{Type: TypeArray, Element: &elem}

	assert.NoError(t, Validate(node, []interface{}{"a", "b"}))
	assert.Error(t, Validate(node, []interface{}{"a", 1.0}))
}

func TestValidateDocumentSchemaAcceptsWellFormedDoc(t *testing.T) {
	doc := map[string]interface{}{
		"instances": []interface{}{
			map[string]interface{}{"vm": map[string]interface{}{"cpus": 2.0}},
		},
	}
	assert.NoError(t, Validate(DocumentSchema, doc))
}
