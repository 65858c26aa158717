package messaging

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/sndwch/cliffracer-sub001/internal/errz"
)

// Validator is implemented by messages that carry their own validation
// rules. The validate middleware and broadcast listeners call it before the
// handler runs.
type Validator interface {
	Validate() error
}

// TypeInfo describes one registered message type.
type TypeInfo struct {
	Name   string
	GoType reflect.Type
	Schema *jsonschema.Schema
}

// Subject returns the broadcast subject for this type.
func (ti *TypeInfo) Subject() string {
	return BroadcastSubject(ti.Name)
}

// TypeRegistry maps message type names to their schema metadata. A process
// default exists for convenience; anything that takes a registry accepts an
// override.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]*TypeInfo
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]*TypeInfo)}
}

// DefaultRegistry is the process-wide registry used when none is injected.
var DefaultRegistry = NewTypeRegistry()

var reflector = &jsonschema.Reflector{
	RequiredFromJSONSchemaTags: true,
	AllowAdditionalProperties:  false,
	DoNotReference:             true,
}

// RegisterType records T in the registry under its lowercased struct name
// and generates its JSON Schema. Registering two distinct types under the
// same name is refused.
func RegisterType[T any](r *TypeRegistry) (*TypeInfo, error) {
	goType := reflect.TypeFor[T]()
	name := typeNameOf(goType)
	if name == "" {
		return nil, fmt.Errorf("%w: message type %s has no name", errz.ErrConfiguration, goType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.types[name]; ok {
		if existing.GoType == goType {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: message type name %q already registered for %s",
			errz.ErrConfiguration, name, existing.GoType)
	}

	info := &TypeInfo{
		Name:   name,
		GoType: goType,
		Schema: reflector.ReflectFromType(goType),
	}
	r.types[name] = info
	return info, nil
}

// MustRegisterType is RegisterType for package-level init of demo and test
// types.
func MustRegisterType[T any](r *TypeRegistry) *TypeInfo {
	info, err := RegisterType[T](r)
	if err != nil {
		panic(err)
	}
	return info
}

// Lookup returns the registered info for a type name.
func (r *TypeRegistry) Lookup(name string) (*TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.types[name]
	return info, ok
}

// Names lists registered type names in sorted order.
func (r *TypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SchemasJSON renders every registered schema keyed by type name, for the
// HTTP /schemas route.
func (r *TypeRegistry) SchemasJSON() ([]byte, error) {
	r.mu.RLock()
	schemas := make(map[string]*jsonschema.Schema, len(r.types))
	for name, info := range r.types {
		schemas[name] = info.Schema
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(schemas, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schemas: %w", err)
	}
	return data, nil
}

// TypeName returns the lowercased struct name used for subjects and schema
// tags.
func TypeName[T any]() string {
	return typeNameOf(reflect.TypeFor[T]())
}

// TypeNameOf is TypeName for a value whose type is only known at runtime.
func TypeNameOf(v any) string {
	return typeNameOf(reflect.TypeOf(v))
}

func typeNameOf(t reflect.Type) string {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return strings.ToLower(t.Name())
}

// BroadcastSubject derives the subject a typed broadcast travels on.
func BroadcastSubject(typeName string) string {
	return "broadcast." + typeName
}

// ValidateMessage runs the message's own validation when it declares any.
// Failures classify as ValidationError.
func ValidateMessage(v any) error {
	m, ok := v.(Validator)
	if !ok {
		return nil
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %w", errz.ErrValidation, err)
	}
	return nil
}
