package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDiff_OnlyChangedFields(t *testing.T) {
	before := map[string]interface{}{
		"name":          "Ana",
		"email":         "ana@example.com",
		"is_active":     true,
		"password_hash": "old",
	}
	after := map[string]interface{}{
		"name":          "Ana María",
		"email":         "ana@example.com",
		"is_active":     true,
		"password_hash": "new",
	}

	attrs, old := Diff(before, after)
	assert.Equal(t, map[string]interface{}{"name": "Ana María"}, attrs)
	assert.Equal(t, map[string]interface{}{"name": "Ana"}, old)
}

func TestDiff_MissingKeysCompareAsNil(t *testing.T) {
	attrs, old := Diff(
		map[string]interface{}{"position": "Analyst"},
		map[string]interface{}{"code": nil},
	)
	assert.Equal(t, map[string]interface{}{"position": nil}, attrs)
	assert.Equal(t, map[string]interface{}{"position": "Analyst"}, old)
}

func TestDiff_NormalizesTimes(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	attrs, _ := Diff(
		map[string]interface{}{"disabled_at": ts},
		map[string]interface{}{"disabled_at": &ts},
	)
	assert.Empty(t, attrs)

	var nilTime *time.Time
	attrs, old := Diff(
		map[string]interface{}{"disabled_at": nilTime},
		map[string]interface{}{"disabled_at": &ts},
	)
	assert.Equal(t, "2024-01-02T03:04:05Z", attrs["disabled_at"])
	assert.Nil(t, old["disabled_at"])
}

func TestSnapshot_DropsSensitiveFields(t *testing.T) {
	snap := Snapshot(map[string]interface{}{
		"name":                      "Ana",
		"password":                  "secret",
		"Password_Hash":             "x",
		"remember_token":            "t",
		"two_factor_secret":         "s",
		"two_factor_recovery_codes": "c",
	})
	assert.Equal(t, map[string]interface{}{"name": "Ana"}, snap)
}

func TestUpdated_NoChangeNoEntry(t *testing.T) {
	attrs := map[string]interface{}{"name": "Ana"}
	_, changed := Updated(LogUsers, UserRef(1, "Ana"), attrs, attrs)
	assert.False(t, changed)

	_, changed = Updated(LogUsers, UserRef(1, "Ana"),
		map[string]interface{}{"password": "a"}, map[string]interface{}{"password": "b"})
	assert.False(t, changed, "a password-only change is not logged")
}
