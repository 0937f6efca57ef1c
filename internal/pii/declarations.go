package pii

import (
	"encoding/json"
	"fmt"
)

// Declarations is the ordered set of PII values declared for one page.
// On disk it is a JSON object mapping each type to its original value; the
// object's key order is the declaration order.
type Declarations []Declaration

// Validate checks the per-page invariants: non-empty originals and at most
// one original per type.
func (d Declarations) Validate() error {
	seen := make(map[PiiType]bool, len(d))
	for _, decl := range d {
		if decl.Type == "" {
			return fmt.Errorf("%w: empty pii type", ErrInvalidDeclaration)
		}
		if decl.Original == "" {
			return &PageError{Type: decl.Type, Err: fmt.Errorf("%w: empty original value", ErrInvalidDeclaration)}
		}
		if seen[decl.Type] {
			return &PageError{Type: decl.Type, Err: fmt.Errorf("%w: type declared more than once", ErrInvalidDeclaration)}
		}
		seen[decl.Type] = true
	}
	return nil
}

// Get returns the original declared for a type.
func (d Declarations) Get(t PiiType) (string, bool) {
	for _, decl := range d {
		if decl.Type == t {
			return decl.Original, true
		}
	}
	return "", false
}

// Set replaces the value for an existing type or appends a new declaration.
func (d *Declarations) Set(t PiiType, original string) {
	for i := range *d {
		if (*d)[i].Type == t {
			(*d)[i].Original = original
			return
		}
	}
	*d = append(*d, Declaration{Type: t, Original: original})
}

// MarshalJSON encodes the declarations as an ordered {type: original} object.
func (d Declarations) MarshalJSON() ([]byte, error) {
	return encodeObject(len(d), func(i int) (string, any) {
		return string(d[i].Type), d[i].Original
	})
}

// UnmarshalJSON decodes an ordered {type: original} object. Numeric values
// are accepted and kept in their literal form, so an MRN written as a number
// still matches the digits in page text.
func (d *Declarations) UnmarshalJSON(data []byte) error {
	var out Declarations
	err := decodeObject(data, func(key string, dec *json.Decoder) error {
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		switch v := raw.(type) {
		case string:
			out.Set(PiiType(key), v)
		case json.Number:
			out.Set(PiiType(key), v.String())
		default:
			return fmt.Errorf("%w: value for %q must be a string", ErrInvalidDeclaration, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	*d = out
	return nil
}
