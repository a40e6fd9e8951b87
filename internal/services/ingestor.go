package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Lllllllleong/kpiflow/internal/gcp"
	"github.com/Lllllllleong/kpiflow/internal/models"
	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ObjectStore is the document store.
type ObjectStore interface {
	Attrs(ctx context.Context, bucket, name string) (gcp.ObjectAttrs, error)
	Read(ctx context.Context, bucket, name string) ([]byte, error)
	CopyIfAbsent(ctx context.Context, bucket, src, dst string) error
	Delete(ctx context.Context, bucket, name string) error
}

// FolderStore holds folder configurations and ingestion records.
type FolderStore interface {
	GetFolder(ctx context.Context, tenantID, folderID string) (*models.Folder, error)
	SaveFolder(ctx context.Context, folder *models.Folder) error
	RecordIngestion(ctx context.Context, tenantID, folderID, rowID string, rec models.Ingestion) error
}

// Extractor is the document-understanding oracle. It returns the raw text of
// its answer.
type Extractor interface {
	Extract(ctx context.Context, in gcp.ExtractionInput) (string, error)
}

// Notifier is told about every archived document.
type Notifier interface {
	NotifyIngested(ctx context.Context, notice models.IngestionNotice) error
}

// Status is the terminal state of one document.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusIgnored  Status = "ignored"
	StatusSkipped  Status = "skipped"
	StatusWaiting  Status = "waiting_for_training"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

// Outcome reports how processing one document ended.
type Outcome struct {
	Status       Status
	Step         Step
	Reason       string
	Err          error
	RowID        string
	TableID      string
	ArchivedPath string
}

// Response renders the outcome as the webhook body.
func (o Outcome) Response() models.IngestResponse {
	res := models.IngestResponse{
		Status:  string(o.Status),
		Step:    string(o.Step),
		RowID:   o.RowID,
		TableID: o.TableID,
		Reason:  o.Reason,
	}
	if o.Err != nil {
		res.Error = o.Err.Error()
	}
	return res
}

// IngestorConfig configures an Ingestor.
type IngestorConfig struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Objects   ObjectStore
	Folders   FolderStore
	Extractor Extractor
	Tables    TableStore
	Schemas   *SchemaReconciler

	// Optional with defaults.
	Notifier      Notifier
	OracleTimeout time.Duration
	InlineLimit   int64
	Retry         RetryPolicy
	InspectPDF    func(data []byte) (int, error)
}

const (
	defaultOracleTimeout = 90 * time.Second
	// Gemini accepts inline request payloads up to 20MB; larger documents are
	// passed by gs:// URI.
	defaultInlineLimit = 15 << 20
)

func (c *IngestorConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Objects == nil {
		return errors.New("object store is required")
	}
	if c.Folders == nil {
		return errors.New("folder store is required")
	}
	if c.Extractor == nil {
		return errors.New("extractor is required")
	}
	if c.Tables == nil {
		return errors.New("table store is required")
	}
	if c.Schemas == nil {
		return errors.New("schema reconciler is required")
	}
	if c.OracleTimeout == 0 {
		c.OracleTimeout = defaultOracleTimeout
	}
	if c.OracleTimeout < 0 {
		return errors.New("oracle timeout must be > 0")
	}
	if c.InlineLimit == 0 {
		c.InlineLimit = defaultInlineLimit
	}
	if c.InspectPDF == nil {
		c.InspectPDF = InspectPDF
	}
	return nil
}

// Ingestor runs the per-document pipeline: fetch, validate, extract,
// normalize, reconcile schema, insert, archive.
type Ingestor struct {
	cfg *IngestorConfig
}

// NewIngestor validates cfg and creates an Ingestor.
func NewIngestor(cfg *IngestorConfig) (*Ingestor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ingestor{cfg: cfg}, nil
}

// Process handles one dispatched document. It never panics and always
// returns an outcome; only StatusFailed outcomes leave the document for a
// retry.
func (f *Ingestor) Process(ctx context.Context, d Dispatch) Outcome {
	logCtx := f.cfg.Logger.With("gcsBucket", d.Bucket, "gcsObject", d.ObjectPath, "tenantId", d.TenantID, "folderId", d.FolderID)
	logCtx.Info("Processing new GCS object.")

	// --- 1. Fetch ---
	attrs, err := withRetry(ctx, logCtx, "object.attrs", f.cfg.Retry, func() (gcp.ObjectAttrs, error) {
		attrs, err := f.cfg.Objects.Attrs(ctx, d.Bucket, d.ObjectPath)
		if errors.Is(err, gcp.ErrObjectNotFound) {
			return attrs, backoff.Permanent(err)
		}
		return attrs, err
	})
	if errors.Is(err, gcp.ErrObjectNotFound) {
		logCtx.Info("Object no longer exists, already handled. Skipping.")
		return Outcome{Status: StatusSkipped, Step: StepFetch, Reason: "object already handled"}
	}
	if err != nil {
		return f.fail(ctx, logCtx, d, "", StepFetch, err)
	}

	generation := d.Generation
	if generation == 0 {
		generation = attrs.Generation
	}
	rowID := RowIDFor(d.Bucket, d.ObjectPath, generation)
	logCtx = logCtx.With("rowId", rowID, "generation", generation)

	data, err := withRetry(ctx, logCtx, "object.read", f.cfg.Retry, func() ([]byte, error) {
		data, err := f.cfg.Objects.Read(ctx, d.Bucket, d.ObjectPath)
		if errors.Is(err, gcp.ErrObjectNotFound) {
			return nil, backoff.Permanent(err)
		}
		return data, err
	})
	if errors.Is(err, gcp.ErrObjectNotFound) {
		logCtx.Info("Object disappeared while reading, already handled. Skipping.")
		return Outcome{Status: StatusSkipped, Step: StepFetch, Reason: "object already handled"}
	}
	if err != nil {
		return f.fail(ctx, logCtx, d, rowID, StepFetch, err)
	}

	pageCount, err := f.cfg.InspectPDF(data)
	if err != nil {
		logCtx.Warn("Document is not a readable PDF. Rejecting.", "error", err)
		outcome := Outcome{Status: StatusRejected, Step: StepFetch, Reason: "unreadable pdf", Err: err, RowID: rowID}
		f.record(ctx, logCtx, d, generation, outcome, 0)
		return outcome
	}
	logCtx.Info("Fetched document.", "bytes", len(data), "pageCount", pageCount)

	// --- 2. Validate ---
	folder, err := f.cfg.Folders.GetFolder(ctx, d.TenantID, d.FolderID)
	if errors.Is(err, gcp.ErrFolderNotFound) {
		logCtx.Info("Folder has no configuration yet. Waiting for training.")
		return Outcome{Status: StatusWaiting, Step: StepValidate, Reason: "folder not configured"}
	}
	if err != nil {
		return f.fail(ctx, logCtx, d, rowID, StepValidate, err)
	}
	if !folder.IsTrained || len(folder.SelectedKPIs) == 0 {
		logCtx.Info("Folder is not trained. Waiting for training.", "status", folder.Status)
		return Outcome{Status: StatusWaiting, Step: StepValidate, Reason: "folder not trained"}
	}

	// --- 3. Extract ---
	in := gcp.ExtractionInput{
		Fields:      folder.SelectedKPIs,
		ContextHint: folder.ContextHint,
		MIMEType:    "application/pdf",
	}
	if int64(len(data)) > f.cfg.InlineLimit {
		in.FileURI = fmt.Sprintf("gs://%s/%s", d.Bucket, d.ObjectPath)
	} else {
		in.Data = data
	}
	raw, err := f.extract(ctx, logCtx, in)
	if err != nil {
		return f.fail(ctx, logCtx, d, rowID, StepExtract, err)
	}
	values, err := parseExtraction(raw, folder.SelectedKPIs)
	if err != nil {
		logCtx.Error("Extractor returned malformed output", "error", err, "responseBody", raw)
		return f.fail(ctx, logCtx, d, rowID, StepExtract, err)
	}

	// --- 4. Normalize ---
	normalized := NormalizeValues(folder, values)
	nulls := 0
	for _, v := range normalized {
		if v.IsNull() {
			nulls++
		}
	}
	logCtx.Info("Normalized values.", "fieldCount", len(normalized), "nullCount", nulls)

	// --- 5. Schema ---
	ref, schema, err := f.cfg.Schemas.Ensure(ctx, d.TenantID, d.FolderID, ColumnSpecsFor(folder))
	if err != nil {
		return f.fail(ctx, logCtx, d, rowID, StepSchema, err)
	}
	logCtx = logCtx.With("table", ref.String())

	// --- 6. Insert ---
	row := BuildRow(rowID, d.FileName, f.cfg.Clock.Now(), normalized, schema)
	_, err = withRetry(ctx, logCtx, "table.insert", f.cfg.Retry, func() (struct{}, error) {
		err := f.cfg.Tables.InsertRows(ctx, ref, []gcp.Row{row})
		var insertErr *gcp.InsertError
		if errors.As(err, &insertErr) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	})
	if err != nil {
		return f.fail(ctx, logCtx, d, rowID, StepInsert, err)
	}
	logCtx.Info("Inserted row.")

	// --- 7. Archive ---
	archived, err := f.archive(ctx, logCtx, d)
	if err != nil {
		return f.fail(ctx, logCtx, d, rowID, StepArchive, err)
	}

	outcome := Outcome{Status: StatusSuccess, Step: StepArchive, RowID: rowID, TableID: ref.TableID, ArchivedPath: archived}
	f.record(ctx, logCtx, d, generation, outcome, pageCount)
	f.notify(ctx, logCtx, d, outcome)
	logCtx.Info("Ingestion complete.", "archivedPath", archived)
	return outcome
}

func (f *Ingestor) extract(ctx context.Context, logCtx *slog.Logger, in gcp.ExtractionInput) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.cfg.OracleTimeout)
	defer cancel()
	return withRetry(callCtx, logCtx, "extract", f.cfg.Retry, func() (string, error) {
		return f.cfg.Extractor.Extract(callCtx, in)
	})
}

// archive moves the object from incoming/ to processed/. Both halves tolerate
// a concurrent invocation having done the same move first.
func (f *Ingestor) archive(ctx context.Context, logCtx *slog.Logger, d Dispatch) (string, error) {
	dst := ProcessedPath(d.ObjectPath)

	_, err := withRetry(ctx, logCtx, "object.copy", f.cfg.Retry, func() (struct{}, error) {
		err := f.cfg.Objects.CopyIfAbsent(ctx, d.Bucket, d.ObjectPath, dst)
		if errors.Is(err, gcp.ErrObjectNotFound) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	})
	if errors.Is(err, gcp.ErrObjectNotFound) {
		logCtx.Info("Source vanished before copy, archived by another invocation.")
		return dst, nil
	}
	if err != nil {
		return "", err
	}

	_, err = withRetry(ctx, logCtx, "object.delete", f.cfg.Retry, func() (struct{}, error) {
		err := f.cfg.Objects.Delete(ctx, d.Bucket, d.ObjectPath)
		if errors.Is(err, gcp.ErrObjectNotFound) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	})
	if errors.Is(err, gcp.ErrObjectNotFound) {
		logCtx.Info("Source already deleted by another invocation.")
		return dst, nil
	}
	if err != nil {
		return "", err
	}
	return dst, nil
}

// fail logs and records a retryable failure. The document stays in incoming/.
func (f *Ingestor) fail(ctx context.Context, logCtx *slog.Logger, d Dispatch, rowID string, step Step, err error) Outcome {
	var se *StepError
	if !errors.As(err, &se) {
		se = stepError(step, err)
	}
	logCtx.Error("Ingestion step failed", "step", se.Step, "error", se.Err)
	outcome := Outcome{Status: StatusFailed, Step: se.Step, Err: se, RowID: rowID}
	if rowID != "" {
		f.record(ctx, logCtx, d, 0, outcome, 0)
	}
	return outcome
}

// record writes the audit record. It is best effort.
func (f *Ingestor) record(ctx context.Context, logCtx *slog.Logger, d Dispatch, generation int64, o Outcome, pageCount int) {
	if o.RowID == "" {
		return
	}
	rec := models.Ingestion{
		ObjectPath:   d.ObjectPath,
		Generation:   generation,
		RowID:        o.RowID,
		TableID:      o.TableID,
		Status:       string(o.Status),
		Step:         string(o.Step),
		PageCount:    pageCount,
		ArchivedPath: o.ArchivedPath,
	}
	if o.Err != nil {
		rec.ErrorDetails = o.Err.Error()
	}
	if err := f.cfg.Folders.RecordIngestion(ctx, d.TenantID, d.FolderID, o.RowID, rec); err != nil {
		logCtx.Warn("Failed to record ingestion status.", "error", err)
	}
}

func (f *Ingestor) notify(ctx context.Context, logCtx *slog.Logger, d Dispatch, o Outcome) {
	if f.cfg.Notifier == nil {
		return
	}
	notice := models.IngestionNotice{
		TenantID:     d.TenantID,
		FolderID:     d.FolderID,
		TableID:      o.TableID,
		RowID:        o.RowID,
		ObjectPath:   d.ObjectPath,
		ArchivedPath: o.ArchivedPath,
	}
	if err := f.cfg.Notifier.NotifyIngested(ctx, notice); err != nil {
		logCtx.Warn("Failed to notify downstream workflow.", "error", err)
	}
}

var disablePDFConfigDir sync.Once

// InspectPDF validates a PDF leniently and returns its page count.
func InspectPDF(data []byte) (int, error) {
	disablePDFConfigDir.Do(api.DisableConfigDir)

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.Validate(bytes.NewReader(data), conf); err != nil {
		return 0, fmt.Errorf("failed to validate PDF: %w", err)
	}
	pageCount, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	return pageCount, nil
}
