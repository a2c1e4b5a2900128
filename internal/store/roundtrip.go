package store

import (
	"bytes"
	"encoding/json"
)

// knownFieldNames is populated once per type via reflection-free means: we
// simply marshal the zero/known struct and collect its top-level key set,
// which is cheap and avoids a reflect.StructTag walk for a handful of types.
func knownKeys(knownJSON []byte) (map[string]struct{}, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(knownJSON, &m); err != nil {
		return nil, err
	}
	keys := make(map[string]struct{}, len(m))
	for k := range m {
		keys[k] = struct{}{}
	}
	return keys, nil
}

// decodeWithUnknown unmarshals data into known (a pointer to a struct with
// json tags) and returns every top-level field not covered by known's own
// tags, so a later re-encode can restore them untouched. This is what
// spec.md §9 calls "Unknown fields are preserved on write (read-modify-write
// with structural round-trip)".
func decodeWithUnknown(data []byte, known any) (map[string]any, error) {
	if err := json.Unmarshal(data, known); err != nil {
		return nil, err
	}

	knownJSON, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	knownSet, err := knownKeys(knownJSON)
	if err != nil {
		return nil, err
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}

	unknown := make(map[string]any)
	for k, v := range all {
		if _, ok := knownSet[k]; !ok {
			unknown[k] = v
		}
	}
	return unknown, nil
}

// encodeWithUnknown marshals known, then merges unknown's entries into the
// resulting object (known fields always win on key collision), pretty
// printed per spec.md §6.
func encodeWithUnknown(known any, unknown map[string]any) ([]byte, error) {
	knownJSON, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}

	if len(unknown) == 0 {
		return prettyPrint(knownJSON)
	}

	var merged map[string]any
	if err := json.Unmarshal(knownJSON, &merged); err != nil {
		return nil, err
	}
	for k, v := range unknown {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}

	flat, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return prettyPrint(flat)
}

// prettyPrint re-indents compact JSON to the 2-space form spec.md §6
// requires of every on-disk record. encoding/json already emits UTF-8
// directly rather than \uXXXX-escaping non-ASCII runes, so no separate
// "preserve non-ASCII" step is needed.
func prettyPrint(compact []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, compact, "", "  "); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
