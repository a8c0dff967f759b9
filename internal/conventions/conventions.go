// Package conventions holds the per-store rules that shape how entities are
// named, typed, materialized and routed.
package conventions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/devrev/pairdb/docstore/internal/model"
)

// ReadBalanceBehavior selects a node for reads when no session context is set
type ReadBalanceBehavior string

const (
	ReadBalanceNone       ReadBalanceBehavior = "None"
	ReadBalanceRoundRobin ReadBalanceBehavior = "RoundRobin"
	// ReadBalanceFastestNode is accepted for compatibility and behaves like None
	ReadBalanceFastestNode ReadBalanceBehavior = "FastestNode"
)

// LoadBalanceBehavior enables session-context based node selection
type LoadBalanceBehavior string

const (
	LoadBalanceNone              LoadBalanceBehavior = "None"
	LoadBalanceUseSessionContext LoadBalanceBehavior = "UseSessionContext"
)

// EntityResolver materializes a raw document into an application value given its type tag.
// It returns (nil, nil) when it does not know the tag.
type EntityResolver func(typeTag string, raw json.RawMessage) (interface{}, error)

// IgnoreEntityChanges decides whether a tracked entity is excluded from change detection
type IgnoreEntityChanges func(id string, entity interface{}) bool

// Conventions are configured before the store is initialized and frozen afterwards
type Conventions struct {
	IdentityPartsSeparator        string
	MaxNumberOfRequestsPerSession int
	UseOptimisticConcurrency      bool
	TransactionMode               model.TransactionMode
	ReadBalanceBehavior           ReadBalanceBehavior
	LoadBalanceBehavior           LoadBalanceBehavior
	LoadBalancerContextSeed       int
	RequestTimeout                time.Duration
	MaxFailoverAttempts           int
	AggressiveCacheDuration       time.Duration
	DisableTopologyUpdates        bool
	MaxBulkInsertBatchSize        int

	// FindCollectionName maps an entity type to its collection; nil uses the pluralized type name
	FindCollectionName func(t reflect.Type) string
	// FindTypeTag maps an entity type to the tag stored under Raven-Go-Type
	FindTypeTag func(t reflect.Type) string
	// ShouldIgnoreEntityChanges excludes entities from change detection and saves
	ShouldIgnoreEntityChanges IgnoreEntityChanges

	mu         sync.RWMutex
	frozen     bool
	resolver   EntityResolver
	typesByTag map[string]reflect.Type
}

// Default returns the default conventions
func Default() *Conventions {
	return &Conventions{
		IdentityPartsSeparator:        "/",
		MaxNumberOfRequestsPerSession: 30,
		UseOptimisticConcurrency:      false,
		TransactionMode:               model.TransactionModeSingleNode,
		ReadBalanceBehavior:           ReadBalanceNone,
		LoadBalanceBehavior:           LoadBalanceNone,
		RequestTimeout:                30 * time.Second,
		MaxFailoverAttempts:           3,
		MaxBulkInsertBatchSize:        256,
		typesByTag:                    make(map[string]reflect.Type),
	}
}

// Freeze prevents further modification; the store calls it on initialization
func (c *Conventions) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = true
}

// IsFrozen reports whether the conventions were frozen
func (c *Conventions) IsFrozen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen
}

// SetEntityResolver installs the type-tag resolver used for untyped loads
func (c *Conventions) SetEntityResolver(resolver EntityResolver) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return fmt.Errorf("conventions are frozen after the store was initialized")
	}
	c.resolver = resolver
	return nil
}

// RegisterType makes sample's type resolvable by its type tag
func (c *Conventions) RegisterType(sample interface{}) error {
	t := elemType(reflect.TypeOf(sample))
	if t == nil || t.Kind() != reflect.Struct {
		return fmt.Errorf("register type: %T is not a struct or pointer to struct", sample)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return fmt.Errorf("conventions are frozen after the store was initialized")
	}
	if c.typesByTag == nil {
		c.typesByTag = make(map[string]reflect.Type)
	}
	c.typesByTag[c.typeTagLocked(t)] = t
	return nil
}

// CollectionName returns the collection for the entity's type
func (c *Conventions) CollectionName(entity interface{}) string {
	t := elemType(reflect.TypeOf(entity))
	if t == nil {
		return ""
	}
	if c.FindCollectionName != nil {
		return c.FindCollectionName(t)
	}
	return DefaultCollectionName(t)
}

// TypeTag returns the tag written to Raven-Go-Type for the entity
func (c *Conventions) TypeTag(entity interface{}) string {
	t := elemType(reflect.TypeOf(entity))
	if t == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.typeTagLocked(t)
}

func (c *Conventions) typeTagLocked(t reflect.Type) string {
	if c.FindTypeTag != nil {
		return c.FindTypeTag(t)
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	return t.PkgPath() + "." + t.Name()
}

// Resolve materializes raw into an entity using the installed resolver, then the
// registered types. Unknown tags decode into map[string]interface{}.
func (c *Conventions) Resolve(typeTag string, raw json.RawMessage) (interface{}, error) {
	c.mu.RLock()
	resolver := c.resolver
	t, known := c.typesByTag[typeTag]
	c.mu.RUnlock()

	if resolver != nil {
		entity, err := resolver(typeTag, raw)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", typeTag, err)
		}
		if entity != nil {
			return entity, nil
		}
	}

	if known {
		ptr := reflect.New(t)
		if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", t.Name(), err)
		}
		return ptr.Interface(), nil
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return doc, nil
}

// DefaultCollectionName pluralizes the type name: User → Users, Company → Companies
func DefaultCollectionName(t reflect.Type) string {
	t = elemType(t)
	if t == nil {
		return ""
	}
	return pluralize(t.Name())
}

// TransformTypeTagToIDPrefix lowercases the collection for generated ids ("Users" → "users")
func TransformTypeTagToIDPrefix(collection string) string {
	if collection == "" {
		return collection
	}
	if strings.ToUpper(collection) == collection {
		return strings.ToLower(collection)
	}
	runes := []rune(collection)
	runes[0] = unicode.ToLower(runes[0])
	return string(runes)
}

func pluralize(name string) string {
	if name == "" {
		return name
	}
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, "s"), strings.HasSuffix(lower, "x"),
		strings.HasSuffix(lower, "ch"), strings.HasSuffix(lower, "sh"):
		return name + "es"
	case strings.HasSuffix(lower, "y") && len(lower) > 1 && !strings.ContainsRune("aeiou", rune(lower[len(lower)-2])):
		return name[:len(name)-1] + "ies"
	default:
		return name + "s"
	}
}

func elemType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}
