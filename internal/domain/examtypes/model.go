package examtypes

import "time"

// FieldType is the kind of value a result field holds.
type FieldType string

const (
	FieldNumeric FieldType = "numeric"
	FieldSelect  FieldType = "select"
	FieldText    FieldType = "text"
	FieldBoolean FieldType = "boolean"
)

func (t FieldType) Valid() bool {
	switch t {
	case FieldNumeric, FieldSelect, FieldText, FieldBoolean:
		return true
	}
	return false
}

// Field declares one result value of an examination type.
type Field struct {
	Key            string    `json:"key"`
	Label          string    `json:"label"`
	Type           FieldType `json:"type"`
	Unit           string    `json:"unit,omitempty"`
	Options        []string  `json:"options,omitempty"`
	ReferenceRange string    `json:"reference_range,omitempty"`
}

// HasOption reports whether v is one of the field's select options.
func (f Field) HasOption(v string) bool {
	for _, o := range f.Options {
		if o == v {
			return true
		}
	}
	return false
}

// ExaminationType is reference data describing a kind of exam and its fields.
type ExaminationType struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Fields    []Field   `json:"fields"`
	CreatedAt time.Time `json:"created_at"`
}

// Field looks up a field by key.
func (e *ExaminationType) Field(key string) (Field, bool) {
	for _, f := range e.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}
