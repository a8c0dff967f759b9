package model

// ChangeType classifies a single field-level difference against the snapshot
type ChangeType string

const (
	DocumentDeleted   ChangeType = "DocumentDeleted"
	DocumentAdded     ChangeType = "DocumentAdded"
	FieldChanged      ChangeType = "FieldChanged"
	NewField          ChangeType = "NewField"
	RemovedField      ChangeType = "RemovedField"
	ArrayValueChanged ChangeType = "ArrayValueChanged"
	ArrayValueAdded   ChangeType = "ArrayValueAdded"
	ArrayValueRemoved ChangeType = "ArrayValueRemoved"
)

// DocumentChange describes one difference between a tracked entity and its snapshot.
// FieldPath is the dotted path of the parent object, empty for top-level fields.
type DocumentChange struct {
	FieldName     string
	FieldPath     string
	FieldOldValue interface{}
	FieldNewValue interface{}
	Change        ChangeType
}

// FullPath joins FieldPath and FieldName
func (c DocumentChange) FullPath() string {
	if c.FieldPath == "" {
		return c.FieldName
	}
	if c.FieldName == "" {
		return c.FieldPath
	}
	return c.FieldPath + "." + c.FieldName
}
