package crdt

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the merge semantics of a field.
type Kind string

const (
	KindRegister Kind = "register"
	KindGSet     Kind = "gset"
	KindORSet    Kind = "orset"
	KindGCounter Kind = "gcounter"
)

// ErrKindMismatch is returned when two fields with different kinds are merged.
// A field's merge kind is fixed for the lifetime of its entity type; a
// mismatch indicates a schema conflict, not a data conflict.
type ErrKindMismatch struct {
	A, B Kind
}

func (e *ErrKindMismatch) Error() string {
	return fmt.Sprintf("cannot merge field kinds %q and %q", e.A, e.B)
}

// Field is the closed tagged union over the four mergeable kinds. Exactly one
// of the pointers is non-nil, matching Kind.
type Field struct {
	Kind     Kind      `json:"kind"`
	Register *Register `json:"register,omitempty"`
	GSet     *GSet     `json:"gset,omitempty"`
	ORSet    *ORSet    `json:"orset,omitempty"`
	GCounter *GCounter `json:"gcounter,omitempty"`
}

// RegisterField wraps a Register in a Field.
func RegisterField(r *Register) Field {
	return Field{Kind: KindRegister, Register: r}
}

// GSetField wraps a GSet in a Field.
func GSetField(s *GSet) Field {
	return Field{Kind: KindGSet, GSet: s}
}

// ORSetField wraps an ORSet in a Field.
func ORSetField(s *ORSet) Field {
	return Field{Kind: KindORSet, ORSet: s}
}

// GCounterField wraps a GCounter in a Field.
func GCounterField(c *GCounter) Field {
	return Field{Kind: KindGCounter, GCounter: c}
}

// Validate checks that the field's payload matches its declared kind.
func (f Field) Validate() error {
	switch f.Kind {
	case KindRegister:
		if f.Register == nil {
			return fmt.Errorf("register field has no register payload")
		}
	case KindGSet:
		if f.GSet == nil {
			return fmt.Errorf("gset field has no gset payload")
		}
	case KindORSet:
		if f.ORSet == nil {
			return fmt.Errorf("orset field has no orset payload")
		}
	case KindGCounter:
		if f.GCounter == nil {
			return fmt.Errorf("gcounter field has no gcounter payload")
		}
	default:
		return fmt.Errorf("unknown field kind %q", f.Kind)
	}
	return nil
}

// Merge combines two fields of the same kind using that kind's merge
// function. Merging fields of different kinds returns ErrKindMismatch.
func (f Field) Merge(other Field) (Field, error) {
	if f.Kind != other.Kind {
		return Field{}, &ErrKindMismatch{A: f.Kind, B: other.Kind}
	}

	switch f.Kind {
	case KindRegister:
		return RegisterField(f.Register.Merge(other.Register)), nil
	case KindGSet:
		return GSetField(f.GSet.Merge(other.GSet)), nil
	case KindORSet:
		return ORSetField(f.ORSet.Merge(other.ORSet)), nil
	case KindGCounter:
		return GCounterField(f.GCounter.Merge(other.GCounter)), nil
	default:
		return Field{}, fmt.Errorf("unknown field kind %q", f.Kind)
	}
}

// Clone returns a deep copy of the field.
func (f Field) Clone() Field {
	data, err := json.Marshal(f)
	if err != nil {
		return f
	}
	var out Field
	if err := json.Unmarshal(data, &out); err != nil {
		return f
	}
	return out
}
