package kpi

import (
	"strings"
	"unicode"
)

// Type is the semantic type inferred for a KPI field.
type Type string

const (
	Number      Type = "number"
	Date        Type = "date"
	Categorical Type = "categorical"
	String      Type = "string"
)

// AllTypes lists the allowed type tags in a stable order.
var AllTypes = []Type{Number, Date, Categorical, String}

// Valid reports whether t is one of the four allowed tags.
func (t Type) Valid() bool {
	switch t {
	case Number, Date, Categorical, String:
		return true
	}
	return false
}

// ParseType maps a tag received from outside (the oracle, Firestore) to a Type.
// Anything unrecognised becomes String.
func ParseType(s string) Type {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if t.Valid() {
		return t
	}
	return String
}

// ColumnType is the BigQuery standard SQL type of a table column.
type ColumnType string

const (
	ColumnFloat     ColumnType = "FLOAT64"
	ColumnDate      ColumnType = "DATE"
	ColumnString    ColumnType = "STRING"
	ColumnTimestamp ColumnType = "TIMESTAMP"
)

// ColumnType returns the storage type used for columns holding values of type t.
func (t Type) ColumnType() ColumnType {
	switch t {
	case Number:
		return ColumnFloat
	case Date:
		return ColumnDate
	default:
		return ColumnString
	}
}

// ColumnPrefix is prepended to every KPI column so that user-chosen names can
// never shadow the fixed columns or start with a digit.
const ColumnPrefix = "kpi_"

// Sanitize keeps [A-Za-z0-9_] and lowercases the result. It is used for
// tenant ids, folder ids and column names alike.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '_' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// ColumnName returns the table column identifier for a KPI name.
func ColumnName(kpiName string) string {
	return ColumnPrefix + Sanitize(kpiName)
}

// Absence sentinels produced by the extraction oracle.
const (
	NotAvailable = "N/A"
	Dashes       = "---"
)

// IsAbsent reports whether a raw extracted value means "no value".
func IsAbsent(raw string) bool {
	s := strings.TrimSpace(raw)
	return s == "" || s == NotAvailable || s == Dashes
}
