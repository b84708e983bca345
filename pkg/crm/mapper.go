package crm

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/crmbridge/crmsync/pkg/errors"
)

// Deal-owned activities carry this OWNER_TYPE_ID in the source model.
const ownerTypeDeal = 2

// Call durations are only trustworthy for the telephony provider.
const telephonyProvider = "VOXIMPLANT"

// Map converts one raw source record into a typed row for the destination
// schema. It is a pure function: no I/O, no shared state. A missing primary
// key yields a record-scoped error; the caller counts it as failed and
// continues with sibling records. Unknown and extra fields are preserved
// verbatim in the raw_data passthrough, never dropped.
func Map(kind Kind, raw RawRecord) (*MappedRow, error) {
	id := coerceInt(raw["ID"])
	if id == nil {
		return nil, errors.New(errors.ErrorTypeData, "record is missing its primary key").
			WithDetail("entity", string(kind))
	}

	rawData, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode raw payload").
			WithDetail("entity", string(kind)).
			WithDetail("id", *id)
	}

	row := &MappedRow{Kind: kind, ID: *id}

	switch kind {
	case KindManager:
		modified := coerceTime(raw["TIMESTAMP_X"])
		row.Values = []interface{}{
			*id,
			coerceString(raw["NAME"]),
			coerceString(raw["LAST_NAME"]),
			coerceString(raw["EMAIL"]),
			coerceString(raw["WORK_POSITION"]),
			coerceString(raw["PERSONAL_PHONE"]),
			coerceString(raw["PERSONAL_MOBILE"]),
			coerceBool(raw["ACTIVE"]),
			modified,
			rawData,
		}
		row.ModifiedAt = deref(modified)

	case KindCompany:
		modified := coerceTime(raw["DATE_MODIFY"])
		row.Values = []interface{}{
			*id,
			coerceString(raw["TITLE"]),
			coerceString(raw["COMPANY_TYPE"]),
			coerceString(raw["INDUSTRY"]),
			coerceDecimal(raw["REVENUE"]),
			coerceString(raw["CURRENCY_ID"]),
			coerceString(raw["EMPLOYEES"]),
			firstMultiValue(raw["EMAIL"]),
			firstMultiValue(raw["PHONE"]),
			coerceInt(raw["ASSIGNED_BY_ID"]),
			coerceInt(raw["CREATED_BY_ID"]),
			coerceTime(raw["DATE_CREATE"]),
			modified,
			rawData,
		}
		row.ModifiedAt = deref(modified)

	case KindContact:
		modified := coerceTime(raw["DATE_MODIFY"])
		row.Values = []interface{}{
			*id,
			coerceString(raw["NAME"]),
			coerceString(raw["LAST_NAME"]),
			coerceString(raw["SECOND_NAME"]),
			fullName(raw),
			firstMultiValue(raw["EMAIL"]),
			firstMultiValue(raw["PHONE"]),
			coerceString(raw["POST"]),
			coerceTime(raw["BIRTHDATE"]),
			coerceTime(raw["DATE_CREATE"]),
			modified,
			coerceInt(raw["COMPANY_ID"]),
			coerceInt(raw["ASSIGNED_BY_ID"]),
			coerceInt(raw["CREATED_BY_ID"]),
			coerceString(raw["SOURCE_ID"]),
			coerceString(raw["SOURCE_DESCRIPTION"]),
			rawData,
		}
		row.ModifiedAt = deref(modified)

	case KindLead:
		modified := coerceTime(raw["DATE_MODIFY"])
		row.Values = []interface{}{
			*id,
			coerceString(raw["TITLE"]),
			coerceString(raw["NAME"]),
			coerceString(raw["LAST_NAME"]),
			coerceString(raw["STATUS_ID"]),
			coerceString(raw["STATUS_SEMANTIC_ID"]),
			coerceDecimal(raw["OPPORTUNITY"]),
			coerceString(raw["CURRENCY_ID"]),
			coerceInt(raw["COMPANY_ID"]),
			coerceInt(raw["CONTACT_ID"]),
			coerceInt(raw["ASSIGNED_BY_ID"]),
			coerceInt(raw["CREATED_BY_ID"]),
			coerceString(raw["SOURCE_ID"]),
			coerceString(raw["SOURCE_DESCRIPTION"]),
			coerceTime(raw["DATE_CREATE"]),
			modified,
			rawData,
		}
		row.ModifiedAt = deref(modified)

	case KindDeal:
		modified := coerceTime(raw["DATE_MODIFY"])
		row.Values = []interface{}{
			*id,
			coerceString(raw["TITLE"]),
			coerceString(raw["STAGE_ID"]),
			coerceString(raw["STAGE_SEMANTIC_ID"]),
			coerceInt(raw["PROBABILITY"]),
			coerceDecimal(raw["OPPORTUNITY"]),
			currencyOrDefault(raw["CURRENCY_ID"]),
			coerceBool(raw["IS_MANUAL_OPPORTUNITY"]),
			coerceDecimal(raw["TAX_VALUE"]),
			coerceInt(raw["LEAD_ID"]),
			coerceInt(raw["COMPANY_ID"]),
			coerceInt(raw["CONTACT_ID"]),
			coerceInt(raw["ASSIGNED_BY_ID"]),
			coerceInt(raw["CREATED_BY_ID"]),
			coerceBool(raw["CLOSED"]),
			coerceTime(raw["BEGINDATE"]),
			coerceTime(raw["CLOSEDATE"]),
			coerceTime(raw["DATE_CREATE"]),
			modified,
			coerceString(raw["UTM_SOURCE"]),
			coerceString(raw["UTM_MEDIUM"]),
			coerceString(raw["UTM_CAMPAIGN"]),
			coerceString(raw["UTM_CONTENT"]),
			coerceString(raw["UTM_TERM"]),
			coerceString(raw["SOURCE_ID"]),
			coerceString(raw["SOURCE_DESCRIPTION"]),
			rawData,
		}
		row.ModifiedAt = deref(modified)
		row.DealID = *id

	case KindActivity:
		modified := coerceTime(raw["LAST_UPDATED"])
		row.Values = []interface{}{
			*id,
			coerceInt(raw["OWNER_ID"]),
			coerceInt(raw["OWNER_TYPE_ID"]),
			coerceInt(raw["TYPE_ID"]),
			coerceString(raw["PROVIDER_ID"]),
			coerceString(raw["PROVIDER_TYPE_ID"]),
			coerceString(raw["SUBJECT"]),
			coerceString(raw["DESCRIPTION"]),
			coerceString(raw["DESCRIPTION_TYPE"]),
			coerceInt(raw["DIRECTION"]),
			coerceInt(raw["PRIORITY"]),
			coerceInt(raw["STATUS"]),
			coerceBool(raw["COMPLETED"]),
			coerceTime(raw["START_TIME"]),
			coerceTime(raw["END_TIME"]),
			coerceTime(raw["DEADLINE"]),
			coerceTime(raw["CREATED"]),
			modified,
			coerceInt(raw["RESPONSIBLE_ID"]),
			coerceInt(raw["AUTHOR_ID"]),
			callDuration(raw),
			rawData,
		}
		row.ModifiedAt = deref(modified)
		if owner := coerceInt(raw["OWNER_TYPE_ID"]); owner != nil && *owner == ownerTypeDeal {
			if dealID := coerceInt(raw["OWNER_ID"]); dealID != nil {
				row.DealID = *dealID
			}
		}

	default:
		return nil, errors.New(errors.ErrorTypeData, "unknown entity kind").
			WithDetail("entity", string(kind))
	}

	return row, nil
}

// fullName assembles the contact display name from its parts, matching the
// destination's full_name column.
func fullName(raw RawRecord) *string {
	parts := make([]string, 0, 3)
	for _, field := range []string{"NAME", "SECOND_NAME", "LAST_NAME"} {
		if s := coerceString(raw[field]); s != nil {
			parts = append(parts, *s)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	name := strings.Join(parts, " ")
	return &name
}

// currencyOrDefault defaults the deal currency when the source omits it.
func currencyOrDefault(v interface{}) *string {
	if s := coerceString(v); s != nil {
		return s
	}
	def := "RUB"
	return &def
}

// callDuration extracts the call duration for telephony activities.
// RESULT_VALUE carries the duration in seconds only for that provider.
func callDuration(raw RawRecord) *int64 {
	provider := coerceString(raw["PROVIDER_ID"])
	if provider == nil || *provider != telephonyProvider {
		return nil
	}
	return coerceInt(raw["RESULT_VALUE"])
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
