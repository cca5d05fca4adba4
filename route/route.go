// Package route defines the routing table record and its storage
// encoding.
package route

import (
	"encoding/json"
	"fmt"
	"time"
)

const lastActivityField = "lastActivity"

// Route is a single routing table record. Fields carries the
// application defined attributes of the route. LastActivity is the
// time the route was last used, the zero value meaning no activity was
// recorded.
type Route struct {
	Fields       map[string]interface{}
	LastActivity time.Time
}

// Encode serializes a route for storage. The last activity timestamp
// is stored as an RFC 3339 string among the other fields. A nil route
// encodes to the empty string, so that absent records stay absent
// instead of storing a literal null.
func Encode(r *Route) (string, error) {
	if r == nil {
		return "", nil
	}

	m := make(map[string]interface{}, len(r.Fields)+1)
	for k, v := range r.Fields {
		m[k] = v
	}

	if !r.LastActivity.IsZero() {
		m[lastActivityField] = r.LastActivity.Format(time.RFC3339Nano)
	}

	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// Decode parses a stored value into a fresh route. The empty value
// decodes to nil without an error, because an empty field means the
// record is absent. A lastActivity field is always converted back from
// its string form to a timestamp.
func Decode(value string) (*Route, error) {
	if value == "" {
		return nil, nil
	}

	var m map[string]interface{}
	if err := json.Unmarshal([]byte(value), &m); err != nil {
		return nil, err
	}

	r := &Route{Fields: m}
	if v, ok := m[lastActivityField]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("invalid lastActivity value: %v", v)
		}

		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("invalid lastActivity value %q: %w", s, err)
		}

		r.LastActivity = t
		delete(m, lastActivityField)
	}

	return r, nil
}

// Merge returns a new route with the fields of partial shallow merged
// over base. Partial fields win on conflict, and a non-zero partial
// last activity timestamp replaces the one of base. Neither input is
// modified.
func Merge(base, partial *Route) *Route {
	merged := &Route{
		Fields:       make(map[string]interface{}, len(base.Fields)),
		LastActivity: base.LastActivity,
	}

	for k, v := range base.Fields {
		merged.Fields[k] = v
	}

	if partial == nil {
		return merged
	}

	for k, v := range partial.Fields {
		merged.Fields[k] = v
	}

	if !partial.LastActivity.IsZero() {
		merged.LastActivity = partial.LastActivity
	}

	return merged
}
