package crm

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "github.com/crmbridge/crmsync/pkg/errors"
)

func TestMapDeal(t *testing.T) {
	raw := RawRecord{
		"ID":                    "101",
		"TITLE":                 "Annual license",
		"STAGE_ID":              "NEGOTIATION",
		"STAGE_SEMANTIC_ID":     "P",
		"PROBABILITY":           "60",
		"OPPORTUNITY":           "12500.50",
		"IS_MANUAL_OPPORTUNITY": "Y",
		"TAX_VALUE":             "2500.10",
		"LEAD_ID":               "7",
		"COMPANY_ID":            "3",
		"CONTACT_ID":            "",
		"CLOSED":                "N",
		"DATE_MODIFY":           "2023-06-01T12:00:00+03:00",
		"UTM_SOURCE":            "google",
	}

	row, err := Map(KindDeal, raw)
	require.NoError(t, err)

	assert.Equal(t, KindDeal, row.Kind)
	assert.Equal(t, int64(101), row.ID)
	assert.Equal(t, int64(101), row.DealID, "a deal affects its own aggregate")
	assert.Equal(t, len(Describe(KindDeal).Columns), len(row.Values),
		"values must align with the destination columns")

	cols := Describe(KindDeal).Columns
	byCol := make(map[string]interface{}, len(cols))
	for i, col := range cols {
		byCol[col] = row.Values[i]
	}

	assert.Equal(t, int64(101), byCol["id"])
	assert.Equal(t, "Annual license", *byCol["title"].(*string))

	opp := byCol["opportunity"].(*decimal.Decimal)
	require.NotNil(t, opp)
	assert.True(t, opp.Equal(decimal.RequireFromString("12500.50")),
		"monetary fields must be parsed as decimal, not float")

	assert.Equal(t, true, byCol["is_manual_opportunity"])
	assert.Equal(t, false, byCol["closed"])
	assert.Equal(t, int64(7), *byCol["lead_id"].(*int64))
	assert.Equal(t, int64(3), *byCol["company_id"].(*int64))
	assert.Nil(t, byCol["contact_id"].(*int64), "empty source value maps to NULL")
	assert.Equal(t, "RUB", *byCol["currency_id"].(*string), "currency defaults when omitted")

	assert.False(t, row.ModifiedAt.IsZero())
	assert.Equal(t, time.Date(2023, 6, 1, 12, 0, 0, 0, row.ModifiedAt.Location()), row.ModifiedAt)
}

func TestMapContactAssemblesNameAndMultiValues(t *testing.T) {
	raw := RawRecord{
		"ID":          "55",
		"NAME":        "Anna",
		"SECOND_NAME": "P",
		"LAST_NAME":   "Ivanova",
		"EMAIL": []interface{}{
			map[string]interface{}{"VALUE": "anna@example.com", "VALUE_TYPE": "WORK"},
			map[string]interface{}{"VALUE": "second@example.com"},
		},
		"PHONE":       []interface{}{map[string]interface{}{"VALUE": "+7 900 000-00-00"}},
		"COMPANY_ID":  "3",
		"DATE_MODIFY": "2023-02-10T09:15:00+03:00",
	}

	row, err := Map(KindContact, raw)
	require.NoError(t, err)

	cols := Describe(KindContact).Columns
	byCol := make(map[string]interface{}, len(cols))
	for i, col := range cols {
		byCol[col] = row.Values[i]
	}

	assert.Equal(t, "Anna P Ivanova", *byCol["full_name"].(*string))
	assert.Equal(t, "anna@example.com", *byCol["email"].(*string), "first multi-value entry wins")
	assert.Equal(t, "+7 900 000-00-00", *byCol["phone"].(*string))
	assert.Equal(t, int64(3), *byCol["company_id"].(*int64))
	assert.Equal(t, int64(0), row.DealID)
}

func TestMapMissingPrimaryKey(t *testing.T) {
	_, err := Map(KindContact, RawRecord{"NAME": "No ID"})
	require.Error(t, err)
	assert.True(t, syncerrors.IsType(err, syncerrors.ErrorTypeData))
	assert.False(t, syncerrors.IsRetryable(err), "a bad record is not transient")
}

func TestMapActivityCallDurationAndAffectedDeal(t *testing.T) {
	raw := RawRecord{
		"ID":            "900",
		"OWNER_ID":      "101",
		"OWNER_TYPE_ID": "2",
		"TYPE_ID":       "2",
		"PROVIDER_ID":   "VOXIMPLANT",
		"RESULT_VALUE":  "183",
		"LAST_UPDATED":  "2023-06-02T10:00:00+03:00",
	}

	row, err := Map(KindActivity, raw)
	require.NoError(t, err)

	assert.Equal(t, int64(101), row.DealID, "deal-owned activity affects its deal")

	cols := Describe(KindActivity).Columns
	byCol := make(map[string]interface{}, len(cols))
	for i, col := range cols {
		byCol[col] = row.Values[i]
	}
	assert.Equal(t, int64(183), *byCol["call_duration"].(*int64))
}

func TestMapActivityNonDealOwnerHasNoAffectedDeal(t *testing.T) {
	raw := RawRecord{
		"ID":            "901",
		"OWNER_ID":      "42",
		"OWNER_TYPE_ID": "3", // contact-owned
		"PROVIDER_ID":   "EMAIL",
		"RESULT_VALUE":  "10",
	}

	row, err := Map(KindActivity, raw)
	require.NoError(t, err)
	assert.Equal(t, int64(0), row.DealID)

	cols := Describe(KindActivity).Columns
	byCol := make(map[string]interface{}, len(cols))
	for i, col := range cols {
		byCol[col] = row.Values[i]
	}
	assert.Nil(t, byCol["call_duration"].(*int64),
		"durations are only trusted for the telephony provider")
}

func TestMapPreservesUnknownFieldsInPassthrough(t *testing.T) {
	raw := RawRecord{
		"ID":              "1",
		"NAME":            "Vera",
		"UF_CRM_CUSTOM_1": "kept",
		"SOME_NEW_FIELD":  map[string]interface{}{"nested": true},
	}

	row, err := Map(KindManager, raw)
	require.NoError(t, err)

	rawData, ok := row.Values[len(row.Values)-1].([]byte)
	require.True(t, ok, "raw passthrough is the final column")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(rawData, &decoded))
	assert.Equal(t, "kept", decoded["UF_CRM_CUSTOM_1"])
	assert.Contains(t, decoded, "SOME_NEW_FIELD")
}

func TestCoercions(t *testing.T) {
	t.Run("int from decimal string", func(t *testing.T) {
		n := coerceInt("123.0")
		require.NotNil(t, n)
		assert.Equal(t, int64(123), *n)
	})

	t.Run("int from null literal", func(t *testing.T) {
		assert.Nil(t, coerceInt("null"))
		assert.Nil(t, coerceInt(""))
		assert.Nil(t, coerceInt(nil))
	})

	t.Run("bool table", func(t *testing.T) {
		for _, code := range []string{"Y", "YES", "TRUE", "1", "yes"} {
			assert.True(t, coerceBool(code), code)
		}
		for _, code := range []string{"N", "NO", "FALSE", "0", "", "2", "anything"} {
			assert.False(t, coerceBool(code), code)
		}
	})

	t.Run("time with trailing Z", func(t *testing.T) {
		ts := coerceTime("2023-01-15T10:30:00Z")
		require.NotNil(t, ts)
		assert.Equal(t, 2023, ts.Year())
	})

	t.Run("date only", func(t *testing.T) {
		ts := coerceTime("2023-01-15")
		require.NotNil(t, ts)
		assert.Equal(t, time.January, ts.Month())
	})

	t.Run("garbage time", func(t *testing.T) {
		assert.Nil(t, coerceTime("not-a-date"))
		assert.Nil(t, coerceTime(42))
	})

	t.Run("decimal", func(t *testing.T) {
		d := coerceDecimal("0.1")
		require.NotNil(t, d)
		assert.Equal(t, "0.1", d.String())
		assert.Nil(t, coerceDecimal("null"))
	})
}

func TestSyncOrderRespectsDependencies(t *testing.T) {
	pos := make(map[Kind]int, len(SyncOrder))
	for i, kind := range SyncOrder {
		pos[kind] = i
	}

	assert.Less(t, pos[KindManager], pos[KindCompany])
	assert.Less(t, pos[KindCompany], pos[KindContact])
	assert.Less(t, pos[KindCompany], pos[KindDeal])
	assert.Less(t, pos[KindContact], pos[KindDeal])
	assert.Less(t, pos[KindLead], pos[KindDeal])
	assert.Less(t, pos[KindDeal], pos[KindActivity])
}

func TestDescribeColumnsStartWithIDAndEndWithRawData(t *testing.T) {
	for _, kind := range SyncOrder {
		desc := Describe(kind)
		require.NotEmpty(t, desc.Columns, kind)
		assert.Equal(t, "id", desc.Columns[0], kind)
		assert.Equal(t, "raw_data", desc.Columns[len(desc.Columns)-1], kind)
		assert.NotEmpty(t, desc.ModifiedColumn, kind)
		assert.NotEmpty(t, desc.ListMethod, kind)
	}
}
