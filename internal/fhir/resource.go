// Package fhir holds the structural helpers the policy pipeline uses to
// recognize and rewrite FHIR payloads. Detection is purely structural: a JSON
// object is a FHIR resource iff it carries a resourceType field.
package fhir

import "strings"

// ResourceType returns the resourceType discriminator, or "" when the body is
// not a FHIR resource.
func ResourceType(body map[string]any) string {
	if body == nil {
		return ""
	}
	rt, _ := body["resourceType"].(string)
	return rt
}

// IsResource reports whether the body is a FHIR resource.
func IsResource(body map[string]any) bool {
	if body == nil {
		return false
	}
	_, ok := body["resourceType"]
	return ok
}

// IsBundle reports whether the body is a FHIR Bundle.
func IsBundle(body map[string]any) bool {
	return ResourceType(body) == "Bundle"
}

// Entries returns the Bundle entry list, or nil when absent or malformed.
func Entries(bundle map[string]any) []any {
	if bundle == nil {
		return nil
	}
	entries, _ := bundle["entry"].([]any)
	return entries
}

// EntryResource extracts the nested resource of a Bundle entry.
func EntryResource(entry any) map[string]any {
	m, ok := entry.(map[string]any)
	if !ok {
		return nil
	}
	resource, _ := m["resource"].(map[string]any)
	return resource
}

// EntryRequestMethod returns the uppercase request.method of a Bundle entry,
// or "" when the entry carries no request metadata.
func EntryRequestMethod(entry any) string {
	m, ok := entry.(map[string]any)
	if !ok {
		return ""
	}
	request, ok := m["request"].(map[string]any)
	if !ok {
		return ""
	}
	method, _ := request["method"].(string)
	return strings.ToUpper(method)
}

// BundleType returns the Bundle type, defaulting to searchset when absent.
func BundleType(bundle map[string]any) string {
	if t, _ := bundle["type"].(string); t != "" {
		return t
	}
	return "searchset"
}

// EmptyBundle builds a well-formed empty Bundle shell preserving the type of
// the original. Used when filtering removes every entry.
func EmptyBundle(original map[string]any) map[string]any {
	return map[string]any{
		"resourceType": "Bundle",
		"type":         BundleType(original),
		"total":        0,
		"entry":        []any{},
	}
}

// Clone deep-copies a decoded JSON value. Transformers operate on owned
// copies; the engine never hands a caller-visible map to module code.
func Clone(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = Clone(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Clone(item)
		}
		return out
	default:
		return v
	}
}

// CloneResource deep-copies a decoded JSON object.
func CloneResource(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	cloned, _ := Clone(body).(map[string]any)
	return cloned
}
