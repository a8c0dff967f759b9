package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
)

// entityRef identifies an entity instance: pointers and maps by address
type entityRef struct {
	typ reflect.Type
	ptr uintptr
}

func refOf(entity interface{}) (entityRef, bool) {
	if entity == nil {
		return entityRef{}, false
	}
	v := reflect.ValueOf(entity)
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() || v.Elem().Kind() != reflect.Struct {
			return entityRef{}, false
		}
	case reflect.Map:
		if v.IsNil() || v.Type().Key().Kind() != reflect.String {
			return entityRef{}, false
		}
	default:
		return entityRef{}, false
	}
	return entityRef{typ: v.Type(), ptr: v.Pointer()}, true
}

func mustRef(entity interface{}) (entityRef, error) {
	ref, ok := refOf(entity)
	if !ok {
		return entityRef{}, docerrors.InvalidArgument(
			fmt.Sprintf("entity must be a non-nil pointer to struct or a map, got %T", entity), nil)
	}
	return ref, nil
}

// identityField finds the string field holding the document id: ID, then Id
func identityField(t reflect.Type) (reflect.StructField, string, bool) {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return reflect.StructField{}, "", false
	}
	for _, name := range []string{"ID", "Id"} {
		f, ok := t.FieldByName(name)
		if !ok || f.Type.Kind() != reflect.String || f.PkgPath != "" {
			continue
		}
		key := f.Name
		if tag := f.Tag.Get("json"); tag != "" {
			if n := strings.Split(tag, ",")[0]; n == "-" {
				return f, "", true
			} else if n != "" {
				key = n
			}
		}
		return f, key, true
	}
	return reflect.StructField{}, "", false
}

func setIdentity(entity interface{}, id string) {
	v := reflect.ValueOf(entity)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return
	}
	f, _, ok := identityField(v.Type())
	if !ok {
		return
	}
	field := v.Elem().FieldByIndex(f.Index)
	if field.CanSet() {
		field.SetString(id)
	}
}

func getIdentity(entity interface{}) string {
	v := reflect.ValueOf(entity)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return ""
	}
	f, _, ok := identityField(v.Type())
	if !ok {
		return ""
	}
	return v.Elem().FieldByIndex(f.Index).String()
}

// toDocument serializes an entity into a JSON object without its identity
// field or metadata
func toDocument(entity interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, docerrors.InvalidArgument(fmt.Sprintf("entity %T is not serializable", entity), err)
	}
	doc, err := decodeObject(data)
	if err != nil {
		return nil, docerrors.InvalidArgument(fmt.Sprintf("entity %T does not serialize to a JSON object", entity), err)
	}
	delete(doc, model.MetadataKey)
	if _, key, ok := identityField(reflect.TypeOf(entity)); ok && key != "" {
		delete(doc, key)
	}
	return doc, nil
}

func decodeObject(data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("document is null")
	}
	return doc, nil
}

// rawDocument is a server document split into its body and metadata
type rawDocument struct {
	id       string
	body     map[string]interface{}
	bodyRaw  json.RawMessage
	metadata *model.Metadata
	raw      json.RawMessage
}

func parseDocument(raw json.RawMessage) (*rawDocument, error) {
	body, err := decodeObject(raw)
	if err != nil {
		return nil, docerrors.BadResponse("invalid document", err)
	}

	var envelope struct {
		Metadata *model.Metadata `json:"@metadata"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, docerrors.BadResponse("invalid document metadata", err)
	}
	meta := envelope.Metadata
	if meta == nil {
		meta = model.NewMetadata()
	}
	delete(body, model.MetadataKey)

	bodyRaw, err := json.Marshal(body)
	if err != nil {
		return nil, docerrors.BadResponse("invalid document", err)
	}
	return &rawDocument{
		id:       meta.GetString(model.MetadataID),
		body:     body,
		bodyRaw:  bodyRaw,
		metadata: meta,
		raw:      raw,
	}, nil
}

// resultTarget describes where a load stores its entity
type resultTarget struct {
	value reflect.Value
	// entityType is *T for structs, map[string]interface{} for maps, nil for interface{}
	entityType reflect.Type
}

func targetOf(result interface{}) (resultTarget, error) {
	v := reflect.ValueOf(result)
	if !v.IsValid() || v.Kind() != reflect.Ptr || v.IsNil() {
		return resultTarget{}, docerrors.InvalidArgument(
			fmt.Sprintf("result must be a non-nil pointer, got %T", result), nil)
	}
	elem := v.Elem()
	t := elem.Type()
	switch {
	case t.Kind() == reflect.Ptr && t.Elem().Kind() == reflect.Struct:
		return resultTarget{value: elem, entityType: t}, nil
	case t.Kind() == reflect.Map && t.Key().Kind() == reflect.String:
		return resultTarget{value: elem, entityType: t}, nil
	case t.Kind() == reflect.Interface && t.NumMethod() == 0:
		return resultTarget{value: elem}, nil
	}
	return resultTarget{}, docerrors.InvalidArgument(
		fmt.Sprintf("result must point to a struct pointer, a map or an interface{}, got %T", result), nil)
}

// assign stores entity into the target, nil clears it
func (t resultTarget) assign(entity interface{}) error {
	if entity == nil {
		t.value.Set(reflect.Zero(t.value.Type()))
		return nil
	}
	ev := reflect.ValueOf(entity)
	if !ev.Type().AssignableTo(t.value.Type()) {
		return docerrors.InvalidArgument(
			fmt.Sprintf("tracked entity is %s, cannot load it as %s", ev.Type(), t.value.Type()), nil)
	}
	t.value.Set(ev)
	return nil
}

// newEntity creates an instance of entityType and decodes body into it
func newEntity(entityType reflect.Type, body json.RawMessage) (interface{}, error) {
	switch entityType.Kind() {
	case reflect.Ptr:
		ptr := reflect.New(entityType.Elem())
		if err := json.Unmarshal(body, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", entityType.Elem().Name(), err)
		}
		return ptr.Interface(), nil
	case reflect.Map:
		m := reflect.MakeMap(entityType)
		ptr := reflect.New(entityType)
		ptr.Elem().Set(m)
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(ptr.Interface()); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document: %w", err)
		}
		return ptr.Elem().Interface(), nil
	}
	return nil, fmt.Errorf("unsupported entity type %s", entityType)
}

// overwrite replaces the content of entity in place with body
func overwrite(entity interface{}, body json.RawMessage) error {
	v := reflect.ValueOf(entity)
	switch v.Kind() {
	case reflect.Ptr:
		v.Elem().Set(reflect.Zero(v.Elem().Type()))
		return json.Unmarshal(body, entity)
	case reflect.Map:
		for _, k := range v.MapKeys() {
			v.SetMapIndex(k, reflect.Value{})
		}
		fresh, err := newEntity(v.Type(), body)
		if err != nil {
			return err
		}
		iter := reflect.ValueOf(fresh).MapRange()
		for iter.Next() {
			v.SetMapIndex(iter.Key(), iter.Value())
		}
		return nil
	}
	return fmt.Errorf("cannot refresh entity of type %T", entity)
}
