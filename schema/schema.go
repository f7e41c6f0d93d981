// Package schema describes the shape of a collection: its fields, the
// primary key and vector dimensions. Schema management (DDL) is owned by
// an external service; this package only carries the declarative view the
// search core validates requests against.
package schema

import (
	"errors"
	"fmt"

	"github.com/hupe1980/strata/model"
)

// DataType enumerates supported field types.
type DataType uint8

const (
	TypeBool DataType = iota
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeFloat
	TypeDouble
	TypeVarChar
	TypeJSON
	TypeFloatVector
	TypeBinaryVector
)

func (t DataType) String() string {
	switch t {
	case TypeBool:
		return "Bool"
	case TypeInt8:
		return "Int8"
	case TypeInt16:
		return "Int16"
	case TypeInt32:
		return "Int32"
	case TypeInt64:
		return "Int64"
	case TypeFloat:
		return "Float"
	case TypeDouble:
		return "Double"
	case TypeVarChar:
		return "VarChar"
	case TypeJSON:
		return "JSON"
	case TypeFloatVector:
		return "FloatVector"
	case TypeBinaryVector:
		return "BinaryVector"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Vector reports whether the type is a vector type.
func (t DataType) Vector() bool {
	return t == TypeFloatVector || t == TypeBinaryVector
}

// Groupable reports whether a field of this type may serve as a group-by
// key. Float, double and JSON values have no stable equality for
// grouping and are disallowed, as are vectors.
func (t DataType) Groupable() bool {
	switch t {
	case TypeBool, TypeInt8, TypeInt16, TypeInt32, TypeInt64, TypeVarChar:
		return true
	default:
		return false
	}
}

// Field declares a single column of a collection.
type Field struct {
	Name string
	Type DataType
	// Dim is the vector dimension. For BinaryVector it counts bits and
	// must be a multiple of 8.
	Dim        int
	PrimaryKey bool
}

// Schema is the immutable description of a collection's fields.
type Schema struct {
	fields []Field
	byName map[string]int
	pk     int
	vecs   []int
}

var (
	ErrNoPrimaryKey   = errors.New("schema: exactly one primary key field required")
	ErrDuplicateField = errors.New("schema: duplicate field name")
)

// New validates the field list and builds a Schema.
func New(fields ...Field) (*Schema, error) {
	s := &Schema{
		fields: fields,
		byName: make(map[string]int, len(fields)),
		pk:     -1,
	}
	for i, f := range fields {
		if _, ok := s.byName[f.Name]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateField, f.Name)
		}
		s.byName[f.Name] = i

		if f.PrimaryKey {
			if s.pk >= 0 {
				return nil, ErrNoPrimaryKey
			}
			if f.Type != TypeInt64 && f.Type != TypeVarChar {
				return nil, fmt.Errorf("schema: primary key field %q must be Int64 or VarChar, got %s", f.Name, f.Type)
			}
			s.pk = i
		}

		if f.Type.Vector() {
			if f.Dim <= 0 {
				return nil, fmt.Errorf("schema: vector field %q requires a positive dimension", f.Name)
			}
			if f.Type == TypeBinaryVector && f.Dim%8 != 0 {
				return nil, fmt.Errorf("schema: binary vector field %q dimension must be a multiple of 8, got %d", f.Name, f.Dim)
			}
			s.vecs = append(s.vecs, i)
		}
	}
	if s.pk < 0 {
		return nil, ErrNoPrimaryKey
	}
	return s, nil
}

// MustNew is New, panicking on error. Intended for tests and fixtures.
func MustNew(fields ...Field) *Schema {
	s, err := New(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Field returns the declaration of the named field.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Fields returns all field declarations in declaration order.
func (s *Schema) Fields() []Field {
	return s.fields
}

// PKField returns the primary key field.
func (s *Schema) PKField() Field {
	return s.fields[s.pk]
}

// PKType returns the primary key representation of this collection.
func (s *Schema) PKType() model.PKType {
	if s.PKField().Type == TypeVarChar {
		return model.PKVarChar
	}
	return model.PKInt64
}

// VectorFields returns the vector field declarations.
func (s *Schema) VectorFields() []Field {
	out := make([]Field, len(s.vecs))
	for i, idx := range s.vecs {
		out[i] = s.fields[idx]
	}
	return out
}

// ScalarFields returns all non-vector, non-pk output column names.
func (s *Schema) ScalarFields() []Field {
	var out []Field
	for _, f := range s.fields {
		if !f.Type.Vector() {
			out = append(out, f)
		}
	}
	return out
}

// ResolveAnnsField picks the vector field to search. An empty name is
// allowed only when the schema has exactly one vector field.
func (s *Schema) ResolveAnnsField(name string) (Field, error) {
	if name == "" {
		if len(s.vecs) == 1 {
			return s.fields[s.vecs[0]], nil
		}
		return Field{}, fmt.Errorf("schema: anns field required, collection has %d vector fields", len(s.vecs))
	}
	f, ok := s.Field(name)
	if !ok {
		return Field{}, fmt.Errorf("schema: field %q not found", name)
	}
	if !f.Type.Vector() {
		return Field{}, fmt.Errorf("schema: field %q is not a vector field", name)
	}
	return f, nil
}
