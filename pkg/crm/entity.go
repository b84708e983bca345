// Package crm defines the closed set of CRM entity kinds replicated by the
// sync engine, and the pure mapping from raw source records to typed rows
// for the destination schema.
package crm

import (
	"time"
)

// Kind identifies one of the six replicated entity types.
type Kind string

const (
	KindManager  Kind = "managers"
	KindCompany  Kind = "companies"
	KindContact  Kind = "contacts"
	KindLead     Kind = "leads"
	KindDeal     Kind = "deals"
	KindActivity Kind = "activities"
)

// SyncOrder is the static dependency order for a run. The entity set is
// closed and known at design time, so the partial order is a fixed list:
// managers own everything, companies precede contacts and deals, contacts
// and leads precede deals, deals precede activities.
var SyncOrder = []Kind{
	KindManager,
	KindCompany,
	KindContact,
	KindLead,
	KindDeal,
	KindActivity,
}

// Descriptor fixes the relational target and source protocol details for a
// kind: the destination table, the source list method, the field used for
// modified-since filtering, and the destination columns in insert order.
type Descriptor struct {
	Kind Kind

	// Table is the destination table name (same as the Kind value).
	Table string

	// ListMethod is the source API method that lists this kind.
	ListMethod string

	// ModifiedField is the source field used for incremental filtering.
	ModifiedField string

	// ModifiedColumn is the destination column holding the modification
	// timestamp, used to recompute the watermark.
	ModifiedColumn string

	// SelectFields are requested explicitly from the source so the raw
	// payload always carries the fields the mapper needs.
	SelectFields []string

	// Columns are the destination columns in the order the mapper emits
	// values. The first column is always the primary key "id"; the last
	// is the raw_data passthrough.
	Columns []string
}

var descriptors = map[Kind]Descriptor{
	KindManager: {
		Kind:           KindManager,
		Table:          "managers",
		ListMethod:     "user.get",
		ModifiedField:  "TIMESTAMP_X",
		ModifiedColumn: "date_modify",
		SelectFields:   nil, // user.get returns the full profile
		Columns: []string{
			"id", "name", "last_name", "email", "work_position",
			"personal_phone", "personal_mobile", "active", "date_modify",
			"raw_data",
		},
	},
	KindCompany: {
		Kind:           KindCompany,
		Table:          "companies",
		ListMethod:     "crm.company.list",
		ModifiedField:  "DATE_MODIFY",
		ModifiedColumn: "date_modify",
		SelectFields: []string{
			"ID", "TITLE", "COMPANY_TYPE", "INDUSTRY", "REVENUE",
			"CURRENCY_ID", "EMPLOYEES", "EMAIL", "PHONE",
			"ASSIGNED_BY_ID", "CREATED_BY_ID",
			"DATE_CREATE", "DATE_MODIFY",
		},
		Columns: []string{
			"id", "title", "company_type", "industry", "revenue",
			"currency_id", "employees", "email", "phone",
			"assigned_by_id", "created_by_id",
			"date_create", "date_modify", "raw_data",
		},
	},
	KindContact: {
		Kind:           KindContact,
		Table:          "contacts",
		ListMethod:     "crm.contact.list",
		ModifiedField:  "DATE_MODIFY",
		ModifiedColumn: "date_modify",
		SelectFields: []string{
			"ID", "NAME", "LAST_NAME", "SECOND_NAME",
			"EMAIL", "PHONE", "POST", "BIRTHDATE",
			"DATE_CREATE", "DATE_MODIFY",
			"COMPANY_ID", "ASSIGNED_BY_ID", "CREATED_BY_ID",
			"SOURCE_ID", "SOURCE_DESCRIPTION",
		},
		Columns: []string{
			"id", "name", "last_name", "second_name", "full_name",
			"email", "phone", "post", "birthdate",
			"date_create", "date_modify",
			"company_id", "assigned_by_id", "created_by_id",
			"source_id", "source_description", "raw_data",
		},
	},
	KindLead: {
		Kind:           KindLead,
		Table:          "leads",
		ListMethod:     "crm.lead.list",
		ModifiedField:  "DATE_MODIFY",
		ModifiedColumn: "date_modify",
		SelectFields: []string{
			"ID", "TITLE", "NAME", "LAST_NAME",
			"STATUS_ID", "STATUS_SEMANTIC_ID",
			"OPPORTUNITY", "CURRENCY_ID",
			"COMPANY_ID", "CONTACT_ID",
			"ASSIGNED_BY_ID", "CREATED_BY_ID",
			"SOURCE_ID", "SOURCE_DESCRIPTION",
			"DATE_CREATE", "DATE_MODIFY",
		},
		Columns: []string{
			"id", "title", "name", "last_name",
			"status_id", "status_semantic_id",
			"opportunity", "currency_id",
			"company_id", "contact_id",
			"assigned_by_id", "created_by_id",
			"source_id", "source_description",
			"date_create", "date_modify", "raw_data",
		},
	},
	KindDeal: {
		Kind:           KindDeal,
		Table:          "deals",
		ListMethod:     "crm.deal.list",
		ModifiedField:  "DATE_MODIFY",
		ModifiedColumn: "date_modify",
		SelectFields: []string{
			"ID", "TITLE", "STAGE_ID", "STAGE_SEMANTIC_ID",
			"PROBABILITY", "OPPORTUNITY", "CURRENCY_ID",
			"IS_MANUAL_OPPORTUNITY", "TAX_VALUE",
			"LEAD_ID", "COMPANY_ID", "CONTACT_ID", "ASSIGNED_BY_ID",
			"CREATED_BY_ID", "CLOSED", "BEGINDATE", "CLOSEDATE",
			"DATE_CREATE", "DATE_MODIFY",
			"UTM_SOURCE", "UTM_MEDIUM", "UTM_CAMPAIGN",
			"UTM_CONTENT", "UTM_TERM", "SOURCE_ID", "SOURCE_DESCRIPTION",
		},
		Columns: []string{
			"id", "title", "stage_id", "stage_semantic_id",
			"probability", "opportunity", "currency_id",
			"is_manual_opportunity", "tax_value",
			"lead_id", "company_id", "contact_id", "assigned_by_id",
			"created_by_id", "closed", "begindate", "closedate",
			"date_create", "date_modify",
			"utm_source", "utm_medium", "utm_campaign",
			"utm_content", "utm_term", "source_id", "source_description",
			"raw_data",
		},
	},
	KindActivity: {
		Kind:           KindActivity,
		Table:          "activities",
		ListMethod:     "crm.activity.list",
		ModifiedField:  "LAST_UPDATED",
		ModifiedColumn: "last_updated",
		SelectFields: []string{
			"ID", "OWNER_ID", "OWNER_TYPE_ID", "TYPE_ID",
			"PROVIDER_ID", "PROVIDER_TYPE_ID",
			"SUBJECT", "DESCRIPTION", "DESCRIPTION_TYPE",
			"DIRECTION", "PRIORITY", "STATUS", "COMPLETED",
			"START_TIME", "END_TIME", "DEADLINE", "CREATED", "LAST_UPDATED",
			"RESPONSIBLE_ID", "AUTHOR_ID", "RESULT_VALUE",
			"COMMUNICATIONS",
		},
		Columns: []string{
			"id", "owner_id", "owner_type_id", "type_id",
			"provider_id", "provider_type_id",
			"subject", "description", "description_type",
			"direction", "priority", "status", "completed",
			"start_time", "end_time", "deadline", "created", "last_updated",
			"responsible_id", "author_id", "call_duration", "raw_data",
		},
	},
}

// Describe returns the descriptor for a kind. The kind set is closed; asking
// for an unknown kind is a programming error and panics.
func Describe(kind Kind) Descriptor {
	d, ok := descriptors[kind]
	if !ok {
		panic("crm: unknown entity kind " + string(kind))
	}
	return d
}

// RawRecord is the untouched record as returned by the source, keyed by
// source-native field names.
type RawRecord map[string]interface{}

// MappedRow is a typed row ready for the destination. Values are aligned
// with Describe(Kind).Columns; nil entries map to SQL NULL. The raw record
// travels in the final raw_data value for forward compatibility.
type MappedRow struct {
	Kind Kind

	// ID is the stable primary key, identical to the source identifier.
	ID int64

	// Values holds one entry per destination column, id first.
	Values []interface{}

	// ModifiedAt is the record's modification timestamp as parsed from the
	// source payload. The watermark itself is recomputed from the
	// destination table, not from this field. Zero when the source omitted
	// the field.
	ModifiedAt time.Time

	// DealID is the deal affected by this row: the row's own ID for
	// deals, the owning deal for deal-bound activities, zero otherwise.
	DealID int64
}
