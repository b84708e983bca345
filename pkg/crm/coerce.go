package crm

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Coercion rules are fixed per field type. The source serializes almost
// everything as strings ("123", "123.45", "Y", "2023-01-15T10:30:00+03:00"),
// with empty strings and the literal "null" standing in for absent values.

// coerceInt converts a source value to a nullable integer.
func coerceInt(v interface{}) *int64 {
	switch val := v.(type) {
	case nil:
		return nil
	case float64:
		n := int64(val)
		return &n
	case int:
		n := int64(val)
		return &n
	case int64:
		return &val
	case string:
		if isEmpty(val) {
			return nil
		}
		// The source emits "123.0" for some numeric fields; parse as
		// float first, then truncate.
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil
		}
		n := int64(f)
		return &n
	default:
		return nil
	}
}

// coerceDecimal converts a monetary source value to a nullable decimal.
// Money is never parsed as floating point; rounding drift would corrupt
// downstream aggregates.
func coerceDecimal(v interface{}) *decimal.Decimal {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		if isEmpty(val) {
			return nil
		}
		d, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil {
			return nil
		}
		return &d
	case float64:
		d := decimal.NewFromFloat(val)
		return &d
	default:
		return nil
	}
}

// coerceTime parses a source timestamp into a canonical instant.
func coerceTime(v interface{}) *time.Time {
	s, ok := v.(string)
	if !ok || isEmpty(s) {
		return nil
	}
	// The source formats timestamps as "2023-01-15T10:30:00+03:00",
	// occasionally with a trailing Z.
	s = strings.Replace(s, "Z", "+00:00", 1)
	for _, layout := range []string{"2006-01-02T15:04:05-07:00", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// truthyCodes is the explicit enumerated table for boolean-like source
// codes. Anything outside the table is false; there is no implicit
// truthiness.
var truthyCodes = map[string]bool{
	"Y":    true,
	"YES":  true,
	"TRUE": true,
	"1":    true,
}

// coerceBool maps a boolean-like source code through the enumerated table.
func coerceBool(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return truthyCodes[strings.ToUpper(strings.TrimSpace(val))]
	default:
		return false
	}
}

// coerceString converts a source value to a nullable string.
func coerceString(v interface{}) *string {
	s, ok := v.(string)
	if !ok || isEmpty(s) {
		return nil
	}
	return &s
}

// firstMultiValue extracts the first VALUE entry from a source multi-value
// field such as EMAIL or PHONE, which arrive as
// [{"VALUE": "a@b.c", "VALUE_TYPE": "WORK"}, ...].
func firstMultiValue(v interface{}) *string {
	items, ok := v.([]interface{})
	if !ok || len(items) == 0 {
		return nil
	}
	entry, ok := items[0].(map[string]interface{})
	if !ok {
		return nil
	}
	return coerceString(entry["VALUE"])
}

func isEmpty(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || s == "null"
}
