package msgtypes

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Instance is a typed message: every field of its schema is present and
// holds a Go value of the field's kind. Nested messages are stored as
// map[string]any, uint8 arrays as []byte and other arrays as []any.
type Instance struct {
	Type   string         `msgpack:"type" json:"type"`
	Fields map[string]any `msgpack:"fields" json:"fields"`
}

// wireInstance has Instance's layout without its methods, so msgpack does
// not call back into MarshalBinary.
type wireInstance Instance

// MarshalBinary encodes the instance for the wire.
func (in Instance) MarshalBinary() ([]byte, error) {
	return msgpack.Marshal(wireInstance(in))
}

// DecodeInstance is the inverse of Instance.MarshalBinary. Decoded numbers
// keep msgpack's smallest-fitting Go type.
func DecodeInstance(b []byte) (Instance, error) {
	var in wireInstance
	if err := msgpack.Unmarshal(b, &in); err != nil {
		return Instance{}, fmt.Errorf("decode instance: %w", err)
	}
	return Instance(in), nil
}

// ToInstance converts a JSON-like payload into an instance of s. Missing or
// null fields take their zero value; unknown fields, mismatched kinds and
// out-of-range numbers fail with ErrMalformedMessage.
func (r *Registry) ToInstance(raw map[string]any, s *Schema) (Instance, error) {
	if s == nil {
		return Instance{}, fmt.Errorf("%w: nil schema", ErrUnknownMessageType)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fields, err := r.populateLocked(raw, s, s.Name)
	if err != nil {
		return Instance{}, err
	}
	return Instance{Type: s.Name, Fields: fields}, nil
}

func (r *Registry) populateLocked(raw map[string]any, s *Schema, path string) (map[string]any, error) {
	unknown := make([]string, 0)
	for k := range raw {
		if _, ok := s.Field(k); !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: %s has no field %q", ErrMalformedMessage, path, unknown[0])
	}

	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		fieldPath := path + "." + f.Name
		v, present := raw[f.Name]
		var (
			conv any
			err  error
		)
		if !present || v == nil {
			conv, err = r.zeroLocked(f.Type, fieldPath)
		} else {
			conv, err = r.convertLocked(v, f.Type, fieldPath)
		}
		if err != nil {
			return nil, err
		}
		out[f.Name] = conv
	}
	return out, nil
}

func (r *Registry) convertLocked(v any, typ, path string) (any, error) {
	f := Field{Type: typ}
	if elem, isArray := f.ElemType(); isArray {
		return r.convertArrayLocked(v, elem, path)
	}
	if isPrimitive(typ) {
		return convertPrimitive(v, typ, path)
	}
	nested, ok := r.schemas[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q at %s", ErrUnknownMessageType, typ, path)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, mismatch(path, typ, v)
	}
	return r.populateLocked(m, nested, path)
}

func (r *Registry) convertArrayLocked(v any, elem, path string) (any, error) {
	if elem == "uint8" {
		switch b := v.(type) {
		case string:
			decoded, err := base64.StdEncoding.DecodeString(b)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: invalid base64: %v", ErrMalformedMessage, path, err)
			}
			return decoded, nil
		case []byte:
			return append([]byte(nil), b...), nil
		}
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, mismatch(path, elem+"[]", v)
	}
	if elem == "uint8" {
		out := make([]byte, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			item, err := convertPrimitive(rv.Index(i).Interface(), "uint8", fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = item.(uint8)
		}
		return out, nil
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		item, err := r.convertLocked(rv.Index(i).Interface(), elem, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out[i] = item
	}
	return out, nil
}

func (r *Registry) zeroLocked(typ, path string) (any, error) {
	f := Field{Type: typ}
	if elem, isArray := f.ElemType(); isArray {
		if elem == "uint8" {
			return []byte{}, nil
		}
		return []any{}, nil
	}
	switch typ {
	case "bool":
		return false, nil
	case "string":
		return "", nil
	case "float32":
		return float32(0), nil
	case "float64":
		return float64(0), nil
	}
	if isPrimitive(typ) {
		return convertPrimitive(int64(0), typ, path)
	}
	nested, ok := r.schemas[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q at %s", ErrUnknownMessageType, typ, path)
	}
	return r.populateLocked(nil, nested, path)
}

func convertPrimitive(v any, typ, path string) (any, error) {
	switch typ {
	case "bool":
		b, ok := v.(bool)
		if !ok {
			return nil, mismatch(path, typ, v)
		}
		return b, nil
	case "string":
		s, ok := v.(string)
		if !ok {
			return nil, mismatch(path, typ, v)
		}
		return s, nil
	case "float32", "float64":
		f, ok := toFloat(v)
		if !ok {
			return nil, mismatch(path, typ, v)
		}
		if typ == "float32" {
			if math.Abs(f) > math.MaxFloat32 && !math.IsInf(f, 0) {
				return nil, outOfRange(path, typ, v)
			}
			return float32(f), nil
		}
		return f, nil
	case "int8", "int16", "int32", "int64":
		n, ok := toInt(v)
		if !ok {
			return nil, mismatch(path, typ, v)
		}
		switch typ {
		case "int8":
			if n < math.MinInt8 || n > math.MaxInt8 {
				return nil, outOfRange(path, typ, v)
			}
			return int8(n), nil
		case "int16":
			if n < math.MinInt16 || n > math.MaxInt16 {
				return nil, outOfRange(path, typ, v)
			}
			return int16(n), nil
		case "int32":
			if n < math.MinInt32 || n > math.MaxInt32 {
				return nil, outOfRange(path, typ, v)
			}
			return int32(n), nil
		}
		return n, nil
	case "uint8", "uint16", "uint32", "uint64":
		n, ok := toUint(v)
		if !ok {
			if _, signed := toInt(v); signed {
				return nil, outOfRange(path, typ, v)
			}
			return nil, mismatch(path, typ, v)
		}
		switch typ {
		case "uint8":
			if n > math.MaxUint8 {
				return nil, outOfRange(path, typ, v)
			}
			return uint8(n), nil
		case "uint16":
			if n > math.MaxUint16 {
				return nil, outOfRange(path, typ, v)
			}
			return uint16(n), nil
		case "uint32":
			if n > math.MaxUint32 {
				return nil, outOfRange(path, typ, v)
			}
			return uint32(n), nil
		}
		return n, nil
	}
	return nil, fmt.Errorf("%w: %q at %s", ErrUnknownMessageType, typ, path)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := toInt(v); ok {
		return float64(i), true
	}
	if u, ok := toUint(v); ok {
		return float64(u), true
	}
	return 0, false
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return toInt(float64(n))
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func toUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case float64:
		if n != math.Trunc(n) || n < 0 || n >= math.MaxUint64 {
			return 0, false
		}
		return uint64(n), true
	}
	i, ok := toInt(v)
	if !ok || i < 0 {
		return 0, false
	}
	return uint64(i), true
}

func mismatch(path, typ string, v any) error {
	return fmt.Errorf("%w: %s: expected %s, got %T", ErrMalformedMessage, path, typ, v)
}

func outOfRange(path, typ string, v any) error {
	return fmt.Errorf("%w: %s: %v out of range for %s", ErrMalformedMessage, path, v, typ)
}
