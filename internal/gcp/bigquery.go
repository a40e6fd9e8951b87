package gcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/Lllllllleong/kpiflow/internal/kpi"
)

// TableRef identifies one BigQuery table.
type TableRef struct {
	ProjectID string
	DatasetID string
	TableID   string
}

func (r TableRef) String() string {
	return fmt.Sprintf("%s.%s.%s", r.ProjectID, r.DatasetID, r.TableID)
}

// Column is one nullable table column.
type Column struct {
	Name string
	Type kpi.ColumnType
}

// Row is one record to insert. InsertID doubles as the streaming insert
// deduplication key.
type Row struct {
	InsertID string
	Values   map[string]any
}

// RowError is a per-row failure reported by a streaming insert.
type RowError struct {
	InsertID string
	Index    int
	Reasons  []string
}

// InsertError carries every per-row failure of one insert call.
type InsertError struct {
	Rows []RowError
}

func (e *InsertError) Error() string {
	parts := make([]string, 0, len(e.Rows))
	for _, r := range e.Rows {
		parts = append(parts, fmt.Sprintf("row %d (%s): %s", r.Index, r.InsertID, strings.Join(r.Reasons, "; ")))
	}
	return "insert failed: " + strings.Join(parts, " | ")
}

// TableStore manages KPI tables in one BigQuery dataset.
type TableStore struct {
	client   *bigquery.Client
	location string
}

// NewTableStore creates a BigQuery client. Datasets are created in location
// when missing.
func NewTableStore(ctx context.Context, projectID, location string) (*TableStore, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create BigQuery client: %w", err)
	}
	return &TableStore{client: client, location: location}, nil
}

func (s *TableStore) table(ref TableRef) *bigquery.Table {
	return s.client.DatasetInProject(ref.ProjectID, ref.DatasetID).Table(ref.TableID)
}

// Columns returns the table's current columns, or ErrTableNotFound.
func (s *TableStore) Columns(ctx context.Context, ref TableRef) ([]Column, error) {
	md, err := s.table(ref).Metadata(ctx)
	if isNotFound(err) {
		return nil, ErrTableNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata of %s: %w", ref, err)
	}
	return fromSchema(md.Schema), nil
}

// CreateTable creates the table, and its dataset if that is missing too. A
// table created concurrently by someone else yields ErrAlreadyExists.
func (s *TableStore) CreateTable(ctx context.Context, ref TableRef, columns []Column) error {
	md := &bigquery.TableMetadata{Schema: toSchema(columns)}
	err := s.table(ref).Create(ctx, md)
	if isNotFound(err) {
		if err := s.ensureDataset(ctx, ref); err != nil {
			return err
		}
		err = s.table(ref).Create(ctx, md)
	}
	if isConflict(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", ref, err)
	}
	return nil
}

func (s *TableStore) ensureDataset(ctx context.Context, ref TableRef) error {
	ds := s.client.DatasetInProject(ref.ProjectID, ref.DatasetID)
	err := ds.Create(ctx, &bigquery.DatasetMetadata{Location: s.location})
	if err != nil && !isConflict(err) {
		return fmt.Errorf("failed to create dataset %s.%s: %w", ref.ProjectID, ref.DatasetID, err)
	}
	return nil
}

// AddColumns appends the columns that are not yet present. The update is
// guarded by the metadata ETag; losing a race yields ErrPrecondition and the
// caller is expected to re-read and retry.
func (s *TableStore) AddColumns(ctx context.Context, ref TableRef, columns []Column) error {
	t := s.table(ref)
	md, err := t.Metadata(ctx)
	if isNotFound(err) {
		return ErrTableNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read metadata of %s: %w", ref, err)
	}

	present := make(map[string]bool, len(md.Schema))
	for _, f := range md.Schema {
		present[strings.ToLower(f.Name)] = true
	}
	schema := append(bigquery.Schema{}, md.Schema...)
	added := 0
	for _, c := range columns {
		if present[strings.ToLower(c.Name)] {
			continue
		}
		present[strings.ToLower(c.Name)] = true
		schema = append(schema, fieldSchema(c))
		added++
	}
	if added == 0 {
		return nil
	}

	if _, err := t.Update(ctx, bigquery.TableMetadataToUpdate{Schema: schema}, md.ETag); err != nil {
		if isPreconditionFailed(err) {
			return ErrPrecondition
		}
		return fmt.Errorf("failed to add %d columns to %s: %w", added, ref, err)
	}
	return nil
}

// InsertRows streams rows into the table. Per-row failures come back as an
// *InsertError.
func (s *TableStore) InsertRows(ctx context.Context, ref TableRef, rows []Row) error {
	savers := make([]bigquery.ValueSaver, 0, len(rows))
	for _, r := range rows {
		savers = append(savers, rowSaver(r))
	}

	err := s.table(ref).Inserter().Put(ctx, savers)
	if err == nil {
		return nil
	}
	var multi bigquery.PutMultiError
	if errors.As(err, &multi) {
		out := &InsertError{}
		for _, rowErr := range multi {
			re := RowError{InsertID: rowErr.InsertID, Index: rowErr.RowIndex}
			for _, e := range rowErr.Errors {
				re.Reasons = append(re.Reasons, e.Error())
			}
			out.Rows = append(out.Rows, re)
		}
		return out
	}
	if isNotFound(err) {
		return ErrTableNotFound
	}
	return fmt.Errorf("failed to insert into %s: %w", ref, err)
}

// Close releases the underlying client.
func (s *TableStore) Close() error {
	return s.client.Close()
}

type rowSaver Row

func (r rowSaver) Save() (map[string]bigquery.Value, string, error) {
	values := make(map[string]bigquery.Value, len(r.Values))
	for k, v := range r.Values {
		values[k] = v
	}
	return values, r.InsertID, nil
}

func fieldSchema(c Column) *bigquery.FieldSchema {
	return &bigquery.FieldSchema{Name: c.Name, Type: fieldType(c.Type)}
}

func toSchema(columns []Column) bigquery.Schema {
	schema := make(bigquery.Schema, 0, len(columns))
	for _, c := range columns {
		schema = append(schema, fieldSchema(c))
	}
	return schema
}

func fromSchema(schema bigquery.Schema) []Column {
	columns := make([]Column, 0, len(schema))
	for _, f := range schema {
		columns = append(columns, Column{Name: f.Name, Type: columnType(f.Type)})
	}
	return columns
}

func fieldType(t kpi.ColumnType) bigquery.FieldType {
	switch t {
	case kpi.ColumnFloat:
		return bigquery.FloatFieldType
	case kpi.ColumnDate:
		return bigquery.DateFieldType
	case kpi.ColumnTimestamp:
		return bigquery.TimestampFieldType
	default:
		return bigquery.StringFieldType
	}
}

func columnType(t bigquery.FieldType) kpi.ColumnType {
	switch t {
	case bigquery.FloatFieldType:
		return kpi.ColumnFloat
	case bigquery.DateFieldType:
		return kpi.ColumnDate
	case bigquery.TimestampFieldType:
		return kpi.ColumnTimestamp
	case bigquery.StringFieldType:
		return kpi.ColumnString
	default:
		return kpi.ColumnType(t)
	}
}
