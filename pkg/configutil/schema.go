package configutil

import (
	"reflect"
	"sort"
	"strings"
)

// Schema defines required and optional keys for a settings map.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SchemaFor builds a Schema from the mapstructure tags of a settings
// struct. Keys listed in required are moved from Optional to Required.
func SchemaFor(settings any, required ...string) Schema {
	req := make(map[string]bool, len(required))
	for _, k := range required {
		req[normalizeKey(k)] = true
	}
	s := Schema{Required: append([]string(nil), required...)}
	t := reflect.TypeOf(settings)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return s
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			name = f.Name
		}
		if !req[normalizeKey(name)] {
			s.Optional = append(s.Optional, name)
		}
	}
	return s
}

// SchemaError lists the keys that failed validation.
type SchemaError struct {
	Missing []string
	Unknown []string
}

func (e *SchemaError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateSettings validates a settings map against a schema and returns
// a *SchemaError on failure. Keys are case, underscore and hyphen
// insensitive.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := make(map[string]string, len(schema.Required))
	allowed := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Required {
		required[normalizeKey(k)] = k
		allowed[normalizeKey(k)] = struct{}{}
	}
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = struct{}{}
	}

	var errs SchemaError
	seen := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		seen[nk] = true
		if _, ok := allowed[nk]; !ok && !schema.AllowUnknown {
			errs.Unknown = append(errs.Unknown, k)
		}
		if reqKey, ok := required[nk]; ok && isEmptyValue(v) {
			errs.Missing = append(errs.Missing, reqKey)
		}
	}
	for nk, reqKey := range required {
		if !seen[nk] {
			errs.Missing = append(errs.Missing, reqKey)
		}
	}

	if len(errs.Missing) == 0 && len(errs.Unknown) == 0 {
		return nil
	}
	sort.Strings(errs.Missing)
	sort.Strings(errs.Unknown)
	return &errs
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}
