package session

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type taggedID struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

type hiddenID struct {
	ID   string `json:"-"`
	Name string
}

func TestIdentityField(t *testing.T) {
	_, key, ok := identityField(reflect.TypeOf(&User{}))
	require.True(t, ok)
	assert.Equal(t, "ID", key)

	_, key, ok = identityField(reflect.TypeOf(taggedID{}))
	require.True(t, ok)
	assert.Equal(t, "id", key)

	_, key, ok = identityField(reflect.TypeOf(hiddenID{}))
	require.True(t, ok)
	assert.Empty(t, key)

	_, _, ok = identityField(reflect.TypeOf(map[string]interface{}{}))
	assert.False(t, ok)
}

func TestToDocumentDropsIdentityAndMetadata(t *testing.T) {
	doc, err := toDocument(&taggedID{Id: "things/1", Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"name": "x"}, doc)

	doc, err = toDocument(map[string]interface{}{"a": 1, "@metadata": map[string]interface{}{}})
	require.NoError(t, err)
	assert.NotContains(t, doc, "@metadata")
}

func TestParseDocumentKeepsMetadataOrder(t *testing.T) {
	raw := []byte(`{"Name":"x","@metadata":{"@id":"users/1","@collection":"Users","@change-vector":"A:1-db"}}`)
	doc, err := parseDocument(raw)
	require.NoError(t, err)
	assert.Equal(t, "users/1", doc.id)
	assert.Equal(t, []string{"@id", "@collection", "@change-vector"}, doc.metadata.Keys())
	assert.NotContains(t, doc.body, "@metadata")
}

func TestTargetOfRejectsUnsupportedResults(t *testing.T) {
	var n int
	_, err := targetOf(&n)
	assert.Error(t, err)

	var u *User
	_, err = targetOf(u)
	assert.Error(t, err)

	target, err := targetOf(&u)
	require.NoError(t, err)
	require.NoError(t, target.assign(&User{Name: "a"}))
	require.NotNil(t, u)
	assert.Error(t, target.assign(&Company{}))
}

func TestOverwriteKeepsInstance(t *testing.T) {
	u := &User{Name: "old", Age: 3}
	require.NoError(t, overwrite(u, []byte(`{"Name":"new"}`)))
	assert.Equal(t, User{Name: "new"}, *u)

	m := map[string]interface{}{"a": 1}
	require.NoError(t, overwrite(m, []byte(`{"b":2}`)))
	assert.NotContains(t, m, "a")
	assert.Contains(t, m, "b")
}
