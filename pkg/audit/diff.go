package audit

import (
	"reflect"
	"strings"
	"time"
)

// sensitiveFields never reach the activity log, neither in snapshots nor diffs.
var sensitiveFields = map[string]bool{
	"password":                  true,
	"password_hash":             true,
	"remember_token":            true,
	"two_factor_secret":         true,
	"two_factor_recovery_codes": true,
}

// IsSensitive reports whether field is excluded from the log.
func IsSensitive(field string) bool {
	return sensitiveFields[strings.ToLower(field)]
}

// Snapshot copies attrs without sensitive fields.
func Snapshot(attrs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		if !IsSensitive(k) {
			out[k] = normalizeValue(v)
		}
	}
	return out
}

// Diff returns the attributes whose value differs between before and after,
// as new values and their prior values. Sensitive fields are skipped. A key
// missing on one side is compared as nil.
func Diff(before, after map[string]interface{}) (attributes, old map[string]interface{}) {
	attributes = map[string]interface{}{}
	old = map[string]interface{}{}
	for k, nv := range after {
		if IsSensitive(k) {
			continue
		}
		ov := before[k]
		nv, ov = normalizeValue(nv), normalizeValue(ov)
		if reflect.DeepEqual(ov, nv) {
			continue
		}
		attributes[k] = nv
		old[k] = ov
	}
	for k, ov := range before {
		if IsSensitive(k) {
			continue
		}
		if _, ok := after[k]; !ok {
			attributes[k] = nil
			old[k] = normalizeValue(ov)
		}
	}
	return attributes, old
}

// normalizeValue folds the pointer and time shapes stores produce so equal
// values compare equal.
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case *int64:
		if t == nil {
			return nil
		}
		return *t
	case *string:
		if t == nil {
			return nil
		}
		return *t
	}
	return v
}
