package algorithm

import (
	"encoding/json"
	"testing"

	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestDiffDocuments_FieldKinds(t *testing.T) {
	original := decode(t, `{"Name":"Oren","Age":30,"Old":true,"Tags":["a","b"]}`)
	current := decode(t, `{"Name":"Ayende","Age":30,"New":1,"Tags":["a","c","d"]}`)

	got := CollectDifferences(original, current)
	want := []model.DocumentChange{
		{FieldName: "Old", FieldOldValue: true, Change: model.RemovedField},
		{FieldName: "Name", FieldOldValue: "Oren", FieldNewValue: "Ayende", Change: model.FieldChanged},
		{FieldName: "New", FieldNewValue: float64(1), Change: model.NewField},
		{FieldName: "Tags", FieldOldValue: "b", FieldNewValue: "c", Change: model.ArrayValueChanged},
		{FieldName: "Tags", FieldNewValue: "d", Change: model.ArrayValueAdded},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected changes (-want +got):\n%s", diff)
	}
}

func TestDiffDocuments_NestedObjects(t *testing.T) {
	original := decode(t, `{"Address":{"City":"Hadera","Zip":"1"}}`)
	current := decode(t, `{"Address":{"City":"Haifa","Zip":"1"}}`)

	got := CollectDifferences(original, current)
	require.Len(t, got, 1)
	assert.Equal(t, "Address", got[0].FieldPath)
	assert.Equal(t, "City", got[0].FieldName)
	assert.Equal(t, "Address.City", got[0].FullPath())
}

func TestDiffDocuments_StructurallyEqualValuesAreUnchanged(t *testing.T) {
	original := decode(t, `{"Items":[{"A":1},{"B":[1,2]}],"N":1.0}`)
	current := decode(t, `{"N":1,"Items":[{"A":1},{"B":[1,2]}]}`)

	assert.False(t, HasDifferences(original, current))
	assert.Empty(t, CollectDifferences(original, current))
}

func TestDiffDocuments_StopsEarly(t *testing.T) {
	original := decode(t, `{"A":1,"B":2}`)
	current := decode(t, `{"A":3,"B":4}`)

	calls := 0
	completed := DiffDocuments(original, current, func(model.DocumentChange) bool {
		calls++
		return false
	})
	assert.False(t, completed)
	assert.Equal(t, 1, calls)
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, ValuesEqual(json.Number("2"), float64(2)))
	assert.False(t, ValuesEqual("2", float64(2)))
	assert.True(t, ValuesEqual(nil, nil))
	assert.False(t, ValuesEqual(nil, map[string]interface{}{}))
}
