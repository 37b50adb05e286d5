package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Filter matches one remote field either by equality or by set membership.
// Exactly one of Eq and In is set.
type Filter struct {
	Eq any   `json:"eq,omitempty"`
	In []any `json:"in,omitempty"`
}

// Filters selects remote records for update and delete, keyed by field name.
type Filters map[string]Filter

// Eq builds an equality filter.
func Eq(value any) Filter {
	return Filter{Eq: value}
}

// In builds a set-membership filter.
func In(values ...any) Filter {
	return Filter{In: values}
}

// UnmarshalJSON keeps numbers as json.Number so large integer keys replay exactly.
func (f *Filter) UnmarshalJSON(data []byte) error {
	type plain Filter

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*f = Filter(p)
	return nil
}

// IsIn reports whether the filter is a set-membership match.
func (f Filter) IsIn() bool {
	return f.In != nil
}

func (f Filter) validate(field string) error {
	switch {
	case f.Eq != nil && f.In != nil:
		return fmt.Errorf("%w: filter %q sets both eq and in", ErrInvalidOperation, field)
	case f.Eq == nil && f.In == nil:
		return fmt.Errorf("%w: filter %q has no value", ErrInvalidOperation, field)
	case f.In != nil && len(f.In) == 0:
		return fmt.Errorf("%w: filter %q has an empty set", ErrInvalidOperation, field)
	}
	return nil
}

// Validate checks every filter in the set.
func (fs Filters) Validate() error {
	for _, field := range fs.Fields() {
		if field == "" {
			return fmt.Errorf("%w: filter field name is empty", ErrInvalidOperation)
		}
		if err := fs[field].validate(field); err != nil {
			return err
		}
	}
	return nil
}

// Fields returns the filter field names in a stable order.
func (fs Filters) Fields() []string {
	fields := make([]string, 0, len(fs))
	for field := range fs {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}
