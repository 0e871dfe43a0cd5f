package exams

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/labresults/lims/internal/domain/examtypes"
	"github.com/labresults/lims/internal/platform/apperr"
)

// ValueKind tags the dynamic type held by a FieldValue.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindNumber
	KindString
	KindBool
)

// FieldValue is a single result value. It encodes to the plain JSON number,
// string, boolean or null it holds.
type FieldValue struct {
	Kind ValueKind
	Num  float64
	Str  string
	Bool bool
}

func Number(n float64) FieldValue { return FieldValue{Kind: KindNumber, Num: n} }
func String(s string) FieldValue  { return FieldValue{Kind: KindString, Str: s} }
func Bool(b bool) FieldValue      { return FieldValue{Kind: KindBool, Bool: b} }

func (v FieldValue) IsNull() bool { return v.Kind == KindNull }

func (v FieldValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNumber:
		return json.Marshal(v.Num)
	case KindString:
		return json.Marshal(v.Str)
	case KindBool:
		return json.Marshal(v.Bool)
	default:
		return []byte("null"), nil
	}
}

func (v *FieldValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*v = FieldValue{}
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case bytes.Equal(data, []byte("true")), bytes.Equal(data, []byte("false")):
		*v = Bool(data[0] == 't')
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("unsupported test value %s", data)
		}
		*v = Number(n)
	}
	return nil
}

// TestValue is one measured field of an exam.
type TestValue struct {
	Value          FieldValue `json:"value"`
	Unit           string     `json:"unit,omitempty"`
	ReferenceRange string     `json:"reference_range,omitempty"`
}

// normalizeValues checks values against the examination type's field
// declarations, coercing where the intent is unambiguous and filling unit and
// reference range defaults.
func normalizeValues(et *examtypes.ExaminationType, values map[string]TestValue) (map[string]TestValue, error) {
	out := make(map[string]TestValue, len(values))
	for key, tv := range values {
		field, ok := et.Field(key)
		if !ok {
			return nil, apperr.InvalidInput(fmt.Sprintf("unknown field %q for examination type %s", key, et.Code))
		}
		v, err := coerce(field, tv.Value)
		if err != nil {
			return nil, apperr.InvalidInput(fmt.Sprintf("%s.%s: %v", et.Code, key, err))
		}
		tv.Value = v
		if tv.Unit == "" {
			tv.Unit = field.Unit
		}
		if tv.ReferenceRange == "" {
			tv.ReferenceRange = field.ReferenceRange
		}
		out[key] = tv
	}
	return out, nil
}

func coerce(field examtypes.Field, v FieldValue) (FieldValue, error) {
	if v.IsNull() {
		return v, nil
	}
	switch field.Type {
	case examtypes.FieldNumeric:
		switch v.Kind {
		case KindNumber:
			return v, nil
		case KindString:
			s := strings.TrimSpace(strings.ReplaceAll(v.Str, ",", "."))
			if s == "" {
				return FieldValue{}, nil
			}
			n, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return v, fmt.Errorf("expected a number, got %q", v.Str)
			}
			return Number(n), nil
		}
		return v, fmt.Errorf("expected a number")
	case examtypes.FieldSelect:
		if v.Kind != KindString {
			return v, fmt.Errorf("expected one of %s", strings.Join(field.Options, ", "))
		}
		if v.Str == "" {
			return FieldValue{}, nil
		}
		if !field.HasOption(v.Str) {
			return v, fmt.Errorf("%q is not one of %s", v.Str, strings.Join(field.Options, ", "))
		}
		return v, nil
	case examtypes.FieldText:
		switch v.Kind {
		case KindString:
			return v, nil
		case KindNumber:
			return String(strconv.FormatFloat(v.Num, 'f', -1, 64)), nil
		}
		return v, fmt.Errorf("expected text")
	case examtypes.FieldBoolean:
		switch v.Kind {
		case KindBool:
			return v, nil
		case KindString:
			if v.Str == "" {
				return FieldValue{}, nil
			}
			b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v.Str)))
			if err != nil {
				return v, fmt.Errorf("expected true or false, got %q", v.Str)
			}
			return Bool(b), nil
		}
		return v, fmt.Errorf("expected true or false")
	}
	return v, fmt.Errorf("field has unsupported type %q", field.Type)
}
