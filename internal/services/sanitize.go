package services

import (
	"encoding/json"
	"reflect"
	"strings"
	"unicode"
)

// sensitiveKeyFragments are matched as substrings against normalized keys
// (lowercase, letters and digits only), so "E-Mail", "contact_email" and
// "emailAddress" are all caught.
var sensitiveKeyFragments = []string{
	"email",
	"phone",
	"mobile",
	"socialsecurity",
	"taxid",
	"nationalid",
	"passport",
	"accountnumber",
	"routingnumber",
	"iban",
	"swift",
	"cardnumber",
	"creditcard",
	"cvv",
	"password",
	"secret",
	"token",
	"apikey",
	"credential",
	"address",
	"street",
	"postalcode",
	"zipcode",
	"dateofbirth",
	"birthdate",
}

// sensitiveShortKeys are too short to match as substrings and only match a
// whole normalized key.
var sensitiveShortKeys = map[string]bool{
	"ssn": true,
	"dob": true,
	"tin": true,
	"bic": true,
}

func normalizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func isSensitiveKey(key string) bool {
	n := normalizeKey(key)
	if sensitiveShortKeys[n] {
		return true
	}
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(n, frag) {
			return true
		}
	}
	return false
}

// sanitizeState returns a copy of state with every sensitive key removed at
// any depth, including inside arrays.
func sanitizeState(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	out := make(map[string]any, len(state))
	for k, v := range state {
		if isSensitiveKey(k) {
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return sanitizeState(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeState(item)
		}
		return out
	default:
		if !isComposite(v) {
			return v
		}
		// Structs, typed maps and slices are flattened to their JSON form
		// first so their keys go through the same deny-list.
		return sanitizeValue(toGeneric(v))
	}
}

func isComposite(v any) bool {
	if v == nil {
		return false
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array, reflect.Pointer:
		return true
	default:
		return false
	}
}

// snapshot converts a model into a generic map via its JSON form, so audit
// state uses the same field names as the API.
func snapshot(v any) map[string]any {
	m, _ := toGeneric(v).(map[string]any)
	return m
}

// toGeneric round-trips v through JSON into maps, slices and scalars.
func toGeneric(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"snapshot_error": err.Error()}
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"snapshot_error": err.Error()}
	}
	return out
}
