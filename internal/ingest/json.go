package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"raidguard/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.EventFields, error) {
	var obj map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap flattens a decoded object into event fields. Nested objects
// such as {"user": {"id": ..., "username": ...}} are read one level deep.
func ParseJSONMap(obj map[string]interface{}) *normalize.EventFields {
	flat := map[string]string{}
	for key, val := range obj {
		key = strings.ToLower(key)
		if nested, ok := val.(map[string]interface{}); ok {
			for nk, nv := range nested {
				flat[key+"_"+strings.ToLower(nk)] = stringify(nv)
			}
			continue
		}
		flat[key] = stringify(val)
	}
	fields := &normalize.EventFields{Extras: map[string]string{}}
	for key, val := range flat {
		assignField(fields, key, val)
	}
	if fields.UserID == "" {
		fields.UserID = firstNonEmpty(flat, "member_user_id")
	}
	if fields.Username == "" {
		fields.Username = firstNonEmpty(flat, "user_username", "member_user_username")
	}
	return fields
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	}
	return fmt.Sprint(v)
}
