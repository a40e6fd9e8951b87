package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/Lllllllleong/kpiflow/internal/gcp"
	"github.com/Lllllllleong/kpiflow/internal/kpi"
	"github.com/Lllllllleong/kpiflow/internal/models"
	"github.com/google/uuid"
)

// rowNamespace scopes content-derived row ids.
var rowNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://kpiflow/rows"))

// RowIDFor derives the row id from the object identity. Redeliveries of the
// same object generation get the same id, which is also used as the insert
// deduplication key.
func RowIDFor(bucket, objectPath string, generation int64) string {
	return uuid.NewSHA1(rowNamespace, []byte(fmt.Sprintf("gs://%s/%s#%d", bucket, objectPath, generation))).String()
}

// KPITypeOf resolves a KPI's stored type. Folders confirmed before types were
// recorded default to string.
func KPITypeOf(folder *models.Folder, name string) kpi.Type {
	if m, ok := folder.MetadataFor(name); ok {
		return kpi.ParseType(m.Type)
	}
	return kpi.String
}

// ColumnSpecsFor returns one spec per confirmed KPI of the folder.
func ColumnSpecsFor(folder *models.Folder) []ColumnSpec {
	specs := make([]ColumnSpec, 0, len(folder.SelectedKPIs))
	for _, name := range folder.SelectedKPIs {
		specs = append(specs, ColumnSpec{Name: name, Type: KPITypeOf(folder, name)})
	}
	return specs
}

// NormalizeValues runs the value normalizer over every confirmed KPI.
func NormalizeValues(folder *models.Folder, raw map[string]string) map[string]kpi.Value {
	out := make(map[string]kpi.Value, len(folder.SelectedKPIs))
	for _, name := range folder.SelectedKPIs {
		out[name] = kpi.Normalize(raw[name], KPITypeOf(folder, name))
	}
	return out
}

// BuildRow assembles the record for one document. Values are conformed to
// the column types actually present in the table.
func BuildRow(rowID, fileName string, uploadedAt time.Time, values map[string]kpi.Value, schema TableSchema) gcp.Row {
	record := map[string]any{
		ColumnRowID:      rowID,
		ColumnFileName:   fileName,
		ColumnUploadedAt: uploadedAt.UTC(),
	}
	for name, v := range values {
		column := kpi.ColumnName(name)
		if _, ok := record[column]; ok {
			continue
		}
		colType, ok := schema[strings.ToLower(column)]
		if !ok {
			colType = v.Type.ColumnType()
		}
		record[column] = conformValue(v, colType)
	}
	return gcp.Row{InsertID: rowID, Values: record}
}

// conformValue adapts a normalized value to an existing column type that may
// differ from the inferred one.
func conformValue(v kpi.Value, colType kpi.ColumnType) any {
	if v.IsNull() {
		return nil
	}
	switch colType {
	case kpi.ColumnFloat:
		if v.Type == kpi.Number {
			return v.Number
		}
		if n := kpi.Normalize(v.String(), kpi.Number); !n.IsNull() {
			return n.Number
		}
		return nil
	case kpi.ColumnDate:
		if v.Type == kpi.Date {
			return v.Text
		}
		if d := kpi.Normalize(v.String(), kpi.Date); !d.IsNull() {
			return d.Text
		}
		return nil
	case kpi.ColumnString:
		return v.String()
	default:
		return nil
	}
}
