package conventions

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type User struct {
	Name string
}

type Company struct {
	Name string
}

type Address struct {
	City string
}

func TestDefaultCollectionName(t *testing.T) {
	assert.Equal(t, "Users", DefaultCollectionName(reflect.TypeOf(&User{})))
	assert.Equal(t, "Companies", DefaultCollectionName(reflect.TypeOf(Company{})))
	assert.Equal(t, "Addresses", DefaultCollectionName(reflect.TypeOf(Address{})))
}

func TestTransformTypeTagToIDPrefix(t *testing.T) {
	assert.Equal(t, "users", TransformTypeTagToIDPrefix("Users"))
	assert.Equal(t, "abc", TransformTypeTagToIDPrefix("ABC"))
	assert.Equal(t, "", TransformTypeTagToIDPrefix(""))
}

func TestConventions_ResolveRegisteredType(t *testing.T) {
	c := Default()
	require.NoError(t, c.RegisterType(&User{}))

	entity, err := c.Resolve(c.TypeTag(&User{}), json.RawMessage(`{"Name":"Oren"}`))
	require.NoError(t, err)
	u, ok := entity.(*User)
	require.True(t, ok)
	assert.Equal(t, "Oren", u.Name)
}

func TestConventions_ResolverOverridesRegisteredTypes(t *testing.T) {
	c := Default()
	require.NoError(t, c.SetEntityResolver(func(tag string, raw json.RawMessage) (interface{}, error) {
		if tag != "company" {
			return nil, nil
		}
		var co Company
		err := json.Unmarshal(raw, &co)
		return &co, err
	}))

	entity, err := c.Resolve("company", json.RawMessage(`{"Name":"HR"}`))
	require.NoError(t, err)
	assert.Equal(t, &Company{Name: "HR"}, entity)

	unknown, err := c.Resolve("other", json.RawMessage(`{"X":1}`))
	require.NoError(t, err)
	assert.IsType(t, map[string]interface{}{}, unknown)
}

func TestConventions_FrozenRejectsChanges(t *testing.T) {
	c := Default()
	c.Freeze()

	assert.True(t, c.IsFrozen())
	assert.Error(t, c.RegisterType(&User{}))
	assert.Error(t, c.SetEntityResolver(nil))
}
