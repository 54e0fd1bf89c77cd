// Package msgtypes resolves message type names into schemas and converts
// JSON-like payloads into typed instances of those schemas.
//
// Type names follow the package/Name convention (std_msgs/String). A Schema
// lists named fields whose type is either a primitive (bool, int8..int64,
// uint8..uint64, float32, float64, string), another message type name, or
// either of those suffixed with [] for arrays.
//
// Resolve returns one canonical *Schema per name for the lifetime of the
// Registry, so two resolutions of the same name are identical handles.
package msgtypes

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"gopkg.in/yaml.v3"
)

var log = logging.Logger("bridge/msgtypes")

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrInvalidSchema      = errors.New("invalid schema")
)

// Field is one named member of a Schema.
type Field struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
}

// ElemType returns the element type and whether the field is an array.
func (f Field) ElemType() (string, bool) {
	if strings.HasSuffix(f.Type, "[]") {
		return strings.TrimSuffix(f.Type, "[]"), true
	}
	return f.Type, false
}

// Schema is a resolved message type.
type Schema struct {
	Name   string
	Fields []Field
}

// Field looks up a field by name.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Registry holds the known schemas. The zero value is not usable; call
// NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry returns a registry preloaded with the builtin types.
func NewRegistry() *Registry {
	r := &Registry{schemas: make(map[string]*Schema)}
	for _, def := range builtins {
		if err := r.Define(def.name, def.fields); err != nil {
			panic(fmt.Sprintf("builtin %s: %v", def.name, err))
		}
	}
	return r
}

// Define adds a schema. Field types naming other message types are checked
// lazily at Resolve time so definitions may arrive in any order. Redefining
// an existing name is rejected: handed-out handles must stay canonical.
func (r *Registry) Define(name string, fields []Field) error {
	if !validTypeName(name) {
		return fmt.Errorf("%w: type name %q", ErrInvalidSchema, name)
	}
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return fmt.Errorf("%w: %s has a field without a name", ErrInvalidSchema, name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: %s declares field %q twice", ErrInvalidSchema, name, f.Name)
		}
		seen[f.Name] = struct{}{}
		elem, _ := f.ElemType()
		if !isPrimitive(elem) && !validTypeName(elem) {
			return fmt.Errorf("%w: %s.%s has type %q", ErrInvalidSchema, name, f.Name, f.Type)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemas[name]; exists {
		return fmt.Errorf("%w: %s already defined", ErrInvalidSchema, name)
	}
	r.schemas[name] = &Schema{Name: name, Fields: append([]Field(nil), fields...)}
	return nil
}

// Resolve returns the schema registered under name, verifying that every
// nested type it references is known too.
func (r *Registry) Resolve(name string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, name)
	}
	if err := r.checkNestedLocked(s, map[string]bool{}); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Registry) checkNestedLocked(s *Schema, visiting map[string]bool) error {
	if visiting[s.Name] {
		return fmt.Errorf("%w: %s is recursive", ErrInvalidSchema, s.Name)
	}
	visiting[s.Name] = true
	defer delete(visiting, s.Name)
	for _, f := range s.Fields {
		elem, _ := f.ElemType()
		if isPrimitive(elem) {
			continue
		}
		nested, ok := r.schemas[elem]
		if !ok {
			return fmt.Errorf("%w: %q (field %s.%s)", ErrUnknownMessageType, elem, s.Name, f.Name)
		}
		if err := r.checkNestedLocked(nested, visiting); err != nil {
			return err
		}
	}
	return nil
}

// Names lists the registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type schemaFile struct {
	Types map[string][]Field `yaml:"types"`
}

// LoadYAML defines every type listed in a YAML document of the form
//
//	types:
//	  my_msgs/Point:
//	    - {name: x, type: float64}
//	    - {name: y, type: float64}
func (r *Registry) LoadYAML(data []byte) error {
	var doc schemaFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	names := make([]string, 0, len(doc.Types))
	for name := range doc.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := r.Define(name, doc.Types[name]); err != nil {
			return err
		}
	}
	log.Debugf("loaded %d message types", len(names))
	return nil
}

// LoadFile reads path and passes it to LoadYAML.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema file: %w", err)
	}
	if err := r.LoadYAML(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func validTypeName(name string) bool {
	pkg, typ, ok := strings.Cut(name, "/")
	if !ok || pkg == "" || typ == "" || strings.Contains(typ, "/") {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '/':
		default:
			return false
		}
	}
	return true
}
