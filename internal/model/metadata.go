package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Reserved document fields and metadata keys
const (
	MetadataKey          = "@metadata"
	MetadataID           = "@id"
	MetadataChangeVector = "@change-vector"
	MetadataCollection   = "@collection"
	MetadataLastModified = "@last-modified"
	MetadataFlags        = "@flags"
	MetadataTypeTag      = "Raven-Go-Type"
)

// Metadata is an insertion-ordered key/value map attached to every document
type Metadata struct {
	keys   []string
	values map[string]interface{}
}

// NewMetadata creates an empty metadata map
func NewMetadata() *Metadata {
	return &Metadata{values: make(map[string]interface{})}
}

// Get returns the value stored under key
func (m *Metadata) Get(key string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.values[key]
	return v, ok
}

// GetString returns the value under key when it is a string
func (m *Metadata) GetString(key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Set stores value under key, keeping the original position of existing keys
func (m *Metadata) Set(key string, value interface{}) {
	if m.values == nil {
		m.values = make(map[string]interface{})
	}
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Remove deletes key
func (m *Metadata) Remove(key string) {
	if _, exists := m.values[key]; !exists {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order
func (m *Metadata) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of entries
func (m *Metadata) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Clone returns a shallow copy
func (m *Metadata) Clone() *Metadata {
	out := NewMetadata()
	if m == nil {
		return out
	}
	for _, k := range m.keys {
		out.Set(k, m.values[k])
	}
	return out
}

// ToMap returns the entries as a plain map
func (m *Metadata) ToMap() map[string]interface{} {
	out := make(map[string]interface{}, m.Len())
	if m == nil {
		return out
	}
	for _, k := range m.keys {
		out[k] = m.values[k]
	}
	return out
}

// MarshalJSON writes the entries in insertion order
func (m *Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if m != nil {
		for i, k := range m.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			vb, err := json.Marshal(m.values[k])
			if err != nil {
				return nil, fmt.Errorf("failed to marshal metadata %s: %w", k, err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			buf.Write(vb)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object keeping the order of its keys
func (m *Metadata) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("metadata must be a JSON object")
	}

	m.keys = nil
	m.values = make(map[string]interface{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected metadata key %v", tok)
		}
		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("failed to decode metadata %s: %w", key, err)
		}
		m.Set(key, value)
	}
	_, err = dec.Token()
	return err
}

// MetadataFromMap builds metadata from a decoded JSON object, sorting nothing:
// callers that need a stable order should use UnmarshalJSON on the raw bytes
func MetadataFromMap(values map[string]interface{}) *Metadata {
	m := NewMetadata()
	for k, v := range values {
		m.Set(k, v)
	}
	return m
}
