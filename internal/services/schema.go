package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/Lllllllleong/kpiflow/internal/gcp"
	"github.com/Lllllllleong/kpiflow/internal/kpi"
	"github.com/cenkalti/backoff/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
)

// Fixed columns present in every KPI table.
const (
	ColumnRowID      = "row_id"
	ColumnFileName   = "file_name"
	ColumnUploadedAt = "uploaded_at"
)

// FixedColumns returns the columns every table starts with.
func FixedColumns() []gcp.Column {
	return []gcp.Column{
		{Name: ColumnRowID, Type: kpi.ColumnString},
		{Name: ColumnFileName, Type: kpi.ColumnString},
		{Name: ColumnUploadedAt, Type: kpi.ColumnTimestamp},
	}
}

// TableStore is the analytical store holding one table per folder.
type TableStore interface {
	Columns(ctx context.Context, ref gcp.TableRef) ([]gcp.Column, error)
	CreateTable(ctx context.Context, ref gcp.TableRef, columns []gcp.Column) error
	AddColumns(ctx context.Context, ref gcp.TableRef, columns []gcp.Column) error
	InsertRows(ctx context.Context, ref gcp.TableRef, rows []gcp.Row) error
}

// ColumnSpec is a KPI name with its inferred type.
type ColumnSpec struct {
	Name string
	Type kpi.Type
}

// TableSchema maps column name to its effective type.
type TableSchema map[string]kpi.ColumnType

func schemaOf(columns []gcp.Column) TableSchema {
	s := make(TableSchema, len(columns))
	for _, c := range columns {
		s[strings.ToLower(c.Name)] = c.Type
	}
	return s
}

func (s TableSchema) covers(columns []gcp.Column) bool {
	for _, c := range columns {
		if _, ok := s[strings.ToLower(c.Name)]; !ok {
			return false
		}
	}
	return true
}

// TableIDFor derives the table name of a folder.
func TableIDFor(tenantID, folderID string) string {
	return kpi.Sanitize(tenantID) + "_" + kpi.Sanitize(folderID)
}

// DesiredColumns returns the fixed columns followed by one column per spec.
// When two specs map to the same column the first one wins.
func DesiredColumns(specs []ColumnSpec) []gcp.Column {
	columns := FixedColumns()
	seen := make(map[string]bool, len(columns)+len(specs))
	for _, c := range columns {
		seen[c.Name] = true
	}
	for _, spec := range specs {
		name := kpi.ColumnName(spec.Name)
		if seen[name] {
			continue
		}
		seen[name] = true
		columns = append(columns, gcp.Column{Name: name, Type: spec.Type.ColumnType()})
	}
	return columns
}

// TypeConflict is a desired column whose type differs from the existing one.
// The existing type is kept.
type TypeConflict struct {
	Column   string
	Existing kpi.ColumnType
	Desired  kpi.ColumnType
}

// SchemaPlan is what it takes to make a table hold the desired columns.
type SchemaPlan struct {
	Create    bool
	Missing   []gcp.Column
	Conflicts []TypeConflict
}

// PlanSchema compares the current columns of a table with the desired ones.
// It never proposes dropping or retyping a column.
func PlanSchema(current []gcp.Column, exists bool, desired []gcp.Column) SchemaPlan {
	if !exists {
		return SchemaPlan{Create: true, Missing: desired}
	}
	have := schemaOf(current)
	var plan SchemaPlan
	for _, c := range desired {
		existing, ok := have[strings.ToLower(c.Name)]
		if !ok {
			plan.Missing = append(plan.Missing, c)
			continue
		}
		if existing != c.Type {
			plan.Conflicts = append(plan.Conflicts, TypeConflict{Column: c.Name, Existing: existing, Desired: c.Type})
		}
	}
	return plan
}

// SchemaConfig configures a SchemaReconciler.
type SchemaConfig struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Tables    TableStore
	ProjectID string
	DatasetID string

	// Optional with defaults.
	CreatePropagation time.Duration
	AlterPropagation  time.Duration
	PollInterval      time.Duration
	CacheTTL          time.Duration
	Retry             RetryPolicy
}

const (
	defaultCreatePropagation = 10 * time.Second
	defaultAlterPropagation  = 3 * time.Second
	defaultPollInterval      = time.Second
	defaultSchemaCacheTTL    = 10 * time.Minute
)

func (c *SchemaConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Tables == nil {
		return errors.New("table store is required")
	}
	if c.ProjectID == "" {
		return errors.New("project id is required")
	}
	if c.DatasetID == "" {
		return errors.New("dataset id is required")
	}
	if c.CreatePropagation == 0 {
		c.CreatePropagation = defaultCreatePropagation
	}
	if c.AlterPropagation == 0 {
		c.AlterPropagation = defaultAlterPropagation
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = defaultSchemaCacheTTL
	}
	if c.CreatePropagation < 0 || c.AlterPropagation < 0 || c.PollInterval < 0 || c.CacheTTL < 0 {
		return errors.New("durations must be > 0")
	}
	return nil
}

// SchemaReconciler makes sure a folder's table holds at least the desired
// columns. Tables only ever widen.
type SchemaReconciler struct {
	cfg   *SchemaConfig
	cache *ttlcache.Cache[string, TableSchema]
}

// NewSchemaReconciler validates cfg and creates a reconciler.
func NewSchemaReconciler(cfg *SchemaConfig) (*SchemaReconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SchemaReconciler{
		cfg: cfg,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, TableSchema](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, TableSchema](),
		),
	}, nil
}

// TableRef returns the table of a folder.
func (r *SchemaReconciler) TableRef(tenantID, folderID string) gcp.TableRef {
	return gcp.TableRef{ProjectID: r.cfg.ProjectID, DatasetID: r.cfg.DatasetID, TableID: TableIDFor(tenantID, folderID)}
}

// Ensure creates or widens the folder's table and returns its effective schema.
// Failures come back as a *StepError for StepSchema.
func (r *SchemaReconciler) Ensure(ctx context.Context, tenantID, folderID string, specs []ColumnSpec) (gcp.TableRef, TableSchema, error) {
	ref := r.TableRef(tenantID, folderID)
	logCtx := r.cfg.Logger.With("table", ref.String())
	desired := DesiredColumns(specs)

	// A cached schema is a subset of the real one since columns are never
	// dropped, so a covering hit needs no metadata call.
	if item := r.cache.Get(ref.String()); item != nil && item.Value().covers(desired) {
		return ref, item.Value(), nil
	}

	current, exists, err := r.read(ctx, logCtx, ref)
	if err != nil {
		return ref, nil, stepError(StepSchema, err)
	}

	plan := PlanSchema(current, exists, desired)
	for _, c := range plan.Conflicts {
		logCtx.Warn("Column type conflict, keeping existing type.", "column", c.Column, "existing", c.Existing, "desired", c.Desired)
	}

	if plan.Create {
		err := r.cfg.Tables.CreateTable(ctx, ref, desired)
		switch {
		case err == nil:
			logCtx.Info("Created table.", "columnCount", len(desired))
			current, err = r.awaitColumns(ctx, logCtx, ref, desired, r.cfg.CreatePropagation)
			if err != nil {
				return ref, nil, stepError(StepSchema, err)
			}
			return ref, r.remember(ref, current), nil
		case errors.Is(err, gcp.ErrAlreadyExists):
			logCtx.Info("Table was created concurrently, reconciling columns instead.")
		default:
			logCtx.Error("Failed to create table", "error", err)
			return ref, nil, stepError(StepSchema, err)
		}
	}

	current, added, err := r.widen(ctx, logCtx, ref, desired)
	if err != nil {
		logCtx.Error("Failed to add columns", "error", err)
		return ref, nil, stepError(StepSchema, err)
	}
	if added > 0 {
		current, err = r.awaitColumns(ctx, logCtx, ref, desired, r.cfg.AlterPropagation)
		if err != nil {
			return ref, nil, stepError(StepSchema, err)
		}
	}
	return ref, r.remember(ref, current), nil
}

func (r *SchemaReconciler) remember(ref gcp.TableRef, columns []gcp.Column) TableSchema {
	schema := schemaOf(columns)
	r.cache.Set(ref.String(), schema, ttlcache.DefaultTTL)
	return schema
}

// read returns the current columns and whether the table exists.
func (r *SchemaReconciler) read(ctx context.Context, logCtx *slog.Logger, ref gcp.TableRef) ([]gcp.Column, bool, error) {
	columns, err := withRetry(ctx, logCtx, "table.columns", r.cfg.Retry, func() ([]gcp.Column, error) {
		columns, err := r.cfg.Tables.Columns(ctx, ref)
		if errors.Is(err, gcp.ErrTableNotFound) {
			return nil, backoff.Permanent(err)
		}
		return columns, err
	})
	if errors.Is(err, gcp.ErrTableNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return columns, true, nil
}

// widen adds the missing columns, re-reading and re-planning whenever a
// concurrent writer changed the table first. It returns the columns after the
// update and how many were added.
func (r *SchemaReconciler) widen(ctx context.Context, logCtx *slog.Logger, ref gcp.TableRef, desired []gcp.Column) ([]gcp.Column, int, error) {
	type result struct {
		columns []gcp.Column
		added   int
	}
	res, err := withRetry(ctx, logCtx, "table.addColumns", r.cfg.Retry, func() (result, error) {
		current, err := r.cfg.Tables.Columns(ctx, ref)
		if err != nil {
			return result{}, err
		}
		plan := PlanSchema(current, true, desired)
		if len(plan.Missing) == 0 {
			return result{columns: current}, nil
		}
		if err := r.cfg.Tables.AddColumns(ctx, ref, plan.Missing); err != nil {
			return result{}, err
		}
		logCtx.Info("Added columns.", "columns", columnNames(plan.Missing))
		return result{columns: append(current, plan.Missing...), added: len(plan.Missing)}, nil
	})
	return res.columns, res.added, err
}

// awaitColumns polls until every desired column is visible or the budget is
// spent. Running out of budget is not an error; an insert against a table
// that is still propagating fails and is retried with the document.
func (r *SchemaReconciler) awaitColumns(ctx context.Context, logCtx *slog.Logger, ref gcp.TableRef, desired []gcp.Column, budget time.Duration) ([]gcp.Column, error) {
	start := r.cfg.Clock.Now()
	var last []gcp.Column
	for {
		columns, err := r.cfg.Tables.Columns(ctx, ref)
		if err == nil {
			last = columns
			if schemaOf(columns).covers(desired) {
				return columns, nil
			}
		} else if !errors.Is(err, gcp.ErrTableNotFound) {
			return nil, err
		}

		if r.cfg.Clock.Since(start) >= budget {
			logCtx.Warn("Schema change not yet visible, proceeding.", "waited", budget.String())
			if last == nil {
				return desired, nil
			}
			return last, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.cfg.Clock.After(r.cfg.PollInterval):
		}
	}
}

func columnNames(columns []gcp.Column) []string {
	names := make([]string, 0, len(columns))
	for _, c := range columns {
		names = append(names, c.Name)
	}
	return names
}
