package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Lllllllleong/kpiflow/internal/gcp"
	"github.com/Lllllllleong/kpiflow/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

const (
	testBucket = "uploads"
	testObject = "incoming/acme/q1/batch/report.pdf"
)

var testPDF = []byte("%PDF-1.7 test document")

type ingestHarness struct {
	objects   *fakeObjectStore
	folders   *fakeFolderStore
	extractor *fakeExtractor
	tables    *fakeTableStore
	notifier  *fakeNotifier
	clock     *clockwork.FakeClock
	cfg       *IngestorConfig
}

func newIngestHarness(t *testing.T) *ingestHarness {
	t.Helper()

	h := &ingestHarness{
		objects: newFakeObjectStore(),
		folders: newFakeFolderStore(),
		extractor: &fakeExtractor{responses: []string{
			`{"Revenue": "($1,250.50)", "Report Date": "31st of March 2024", "Region": "EMEA"}`,
		}},
		tables:   newFakeTableStore(),
		notifier: &fakeNotifier{},
		clock:    clockwork.NewFakeClockAt(time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)),
	}
	h.objects.put(testBucket, testObject, testPDF, 11)
	h.folders.put(&models.Folder{
		TenantID:     "acme",
		FolderID:     "q1",
		ContextHint:  "Quarterly sales report",
		IsTrained:    true,
		Status:       models.FolderStatusActive,
		SelectedKPIs: []string{"Revenue", "Report Date", "Region"},
		KPIMetadata: []models.KPIMetadata{
			{Name: "Revenue", SampleValue: "$1,000", Type: "number"},
			{Name: "Report Date", SampleValue: "2023-12-31", Type: "date"},
			{Name: "Region", SampleValue: "APAC", Type: "categorical"},
		},
	})
	h.cfg = &IngestorConfig{
		Logger:        newTestLogger(),
		Clock:         h.clock,
		Objects:       h.objects,
		Folders:       h.folders,
		Extractor:     h.extractor,
		Tables:        h.tables,
		Schemas:       newTestReconciler(t, h.tables, h.clock),
		Notifier:      h.notifier,
		OracleTimeout: time.Second,
		Retry:         fastRetry,
		InspectPDF:    func([]byte) (int, error) { return 3, nil },
	}
	return h
}

func (h *ingestHarness) ingestor(t *testing.T) *Ingestor {
	t.Helper()
	ing, err := NewIngestor(h.cfg)
	require.NoError(t, err)
	return ing
}

func testDispatch() Dispatch {
	return Dispatch{
		Bucket:     testBucket,
		ObjectPath: testObject,
		TenantID:   "acme",
		FolderID:   "q1",
		FileName:   "report.pdf",
	}
}

func tableRef() gcp.TableRef {
	return gcp.TableRef{ProjectID: "proj", DatasetID: "kpi_reports", TableID: "acme_q1"}
}

func TestServices_Ingestor_Success(t *testing.T) {
	t.Parallel()

	h := newIngestHarness(t)
	out := h.ingestor(t).Process(context.Background(), testDispatch())

	require.Equal(t, StatusSuccess, out.Status, "err=%v", out.Err)
	rowID := RowIDFor(testBucket, testObject, 11)
	require.Equal(t, rowID, out.RowID)
	require.Equal(t, "acme_q1", out.TableID)
	require.Equal(t, "processed/acme/q1/batch/report.pdf", out.ArchivedPath)

	rows := h.tables.rowsOf(tableRef())
	require.Len(t, rows, 1)
	require.Equal(t, rowID, rows[0].InsertID)
	require.Equal(t, map[string]any{
		ColumnRowID:      rowID,
		ColumnFileName:   "report.pdf",
		ColumnUploadedAt: h.clock.Now().UTC(),
		"kpi_revenue":    -1250.50,
		"kpi_reportdate": "2024-03-31",
		"kpi_region":     "EMEA",
	}, rows[0].Values)

	require.False(t, h.objects.has(testBucket, testObject))
	require.True(t, h.objects.has(testBucket, "processed/acme/q1/batch/report.pdf"))

	require.Equal(t, []string{"Revenue", "Report Date", "Region"}, h.extractor.last.Fields)
	require.Equal(t, "Quarterly sales report", h.extractor.last.ContextHint)
	require.Equal(t, testPDF, h.extractor.last.Data)
	require.Empty(t, h.extractor.last.FileURI)

	rec := h.folders.lastRecord(t, rowID)
	require.Equal(t, string(StatusSuccess), rec.Status)
	require.Equal(t, int64(11), rec.Generation)
	require.Equal(t, 3, rec.PageCount)

	require.Len(t, h.notifier.notices, 1)
	require.Equal(t, models.IngestionNotice{
		TenantID:     "acme",
		FolderID:     "q1",
		TableID:      "acme_q1",
		RowID:        rowID,
		ObjectPath:   testObject,
		ArchivedPath: "processed/acme/q1/batch/report.pdf",
	}, h.notifier.notices[0])
}

func TestServices_Ingestor_RedeliveryAfterSuccessIsSkipped(t *testing.T) {
	t.Parallel()

	h := newIngestHarness(t)
	ing := h.ingestor(t)

	require.Equal(t, StatusSuccess, ing.Process(context.Background(), testDispatch()).Status)
	out := ing.Process(context.Background(), testDispatch())
	require.Equal(t, StatusSkipped, out.Status)
	require.Equal(t, 1, h.extractor.calls)
	require.Len(t, h.tables.rowsOf(tableRef()), 1)
}

func TestServices_Ingestor_MissingObjectIsSkipped(t *testing.T) {
	t.Parallel()

	h := newIngestHarness(t)
	d := testDispatch()
	d.ObjectPath = "incoming/acme/q1/batch/gone.pdf"

	out := h.ingestor(t).Process(context.Background(), d)
	require.Equal(t, StatusSkipped, out.Status)
	require.Equal(t, StepFetch, out.Step)
	require.Zero(t, h.extractor.calls)
}

func TestServices_Ingestor_WaitsForTraining(t *testing.T) {
	t.Parallel()

	t.Run("no configuration", func(t *testing.T) {
		t.Parallel()
		h := newIngestHarness(t)
		d := testDispatch()
		d.FolderID = "unknown"
		out := h.ingestor(t).Process(context.Background(), d)
		require.Equal(t, StatusWaiting, out.Status)
		require.Zero(t, h.extractor.calls)
		require.True(t, h.objects.has(testBucket, testObject))
	})

	t.Run("not trained", func(t *testing.T) {
		t.Parallel()
		h := newIngestHarness(t)
		h.folders.put(&models.Folder{TenantID: "acme", FolderID: "q1", Status: models.FolderStatusWaiting})
		out := h.ingestor(t).Process(context.Background(), testDispatch())
		require.Equal(t, StatusWaiting, out.Status)
		require.Zero(t, h.extractor.calls)
		require.Zero(t, h.tables.creates)
		require.True(t, h.objects.has(testBucket, testObject))
	})
}

func TestServices_Ingestor_RejectsUnreadablePDF(t *testing.T) {
	t.Parallel()

	h := newIngestHarness(t)
	h.cfg.InspectPDF = func([]byte) (int, error) { return 0, errors.New("bad xref") }

	out := h.ingestor(t).Process(context.Background(), testDispatch())
	require.Equal(t, StatusRejected, out.Status)
	require.Zero(t, h.extractor.calls)
	require.Equal(t, string(StatusRejected), h.folders.lastRecord(t, out.RowID).Status)
}

func TestServices_Ingestor_ExtractionFailureLeavesDocumentForRetry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		extractor *fakeExtractor
		wantCalls int
		wantErr   error
	}{
		{
			name:      "oracle error",
			extractor: &fakeExtractor{errs: []error{errors.New("unavailable"), errors.New("unavailable"), errors.New("unavailable")}},
			wantCalls: int(fastRetry.MaxTries),
		},
		{
			name:      "malformed answer",
			extractor: &fakeExtractor{responses: []string{"I could not find any KPIs."}},
			wantCalls: 1,
			wantErr:   ErrMalformedOutput,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newIngestHarness(t)
			h.cfg.Extractor = tt.extractor

			out := h.ingestor(t).Process(context.Background(), testDispatch())
			require.Equal(t, StatusFailed, out.Status)
			require.Equal(t, StepExtract, out.Step)
			require.Equal(t, tt.wantCalls, tt.extractor.calls)
			if tt.wantErr != nil {
				require.ErrorIs(t, out.Err, tt.wantErr)
			}
			var se *StepError
			require.ErrorAs(t, out.Err, &se)
			require.True(t, se.Retryable)

			require.True(t, h.objects.has(testBucket, testObject))
			require.Zero(t, h.tables.insertCalls)
			require.Equal(t, string(StatusFailed), h.folders.lastRecord(t, out.RowID).Status)
			require.Empty(t, h.notifier.notices)
		})
	}
}

func TestServices_Ingestor_ExtractionTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	h := newIngestHarness(t)
	h.extractor.block = true
	h.cfg.OracleTimeout = 20 * time.Millisecond

	out := h.ingestor(t).Process(context.Background(), testDispatch())
	require.Equal(t, StatusFailed, out.Status)
	require.Equal(t, StepExtract, out.Step)
	require.True(t, h.objects.has(testBucket, testObject))
}

func TestServices_Ingestor_LargeDocumentIsPassedByURI(t *testing.T) {
	t.Parallel()

	h := newIngestHarness(t)
	h.cfg.InlineLimit = 4

	out := h.ingestor(t).Process(context.Background(), testDispatch())
	require.Equal(t, StatusSuccess, out.Status)
	require.Nil(t, h.extractor.last.Data)
	require.Equal(t, "gs://uploads/"+testObject, h.extractor.last.FileURI)
}

func TestServices_Ingestor_InsertFailure(t *testing.T) {
	t.Parallel()

	t.Run("rejected rows are not retried and the document stays", func(t *testing.T) {
		t.Parallel()
		h := newIngestHarness(t)
		h.tables.insertErrs = []error{&gcp.InsertError{Rows: []gcp.RowError{{Index: 0, Reasons: []string{"invalid"}}}}}

		out := h.ingestor(t).Process(context.Background(), testDispatch())
		require.Equal(t, StatusFailed, out.Status)
		require.Equal(t, StepInsert, out.Step)
		require.Equal(t, 1, h.tables.insertCalls)
		require.True(t, h.objects.has(testBucket, testObject))
		require.Zero(t, h.objects.copies)
	})

	t.Run("transient errors are retried", func(t *testing.T) {
		t.Parallel()
		h := newIngestHarness(t)
		h.tables.insertErrs = []error{errors.New("503 backend error")}

		out := h.ingestor(t).Process(context.Background(), testDispatch())
		require.Equal(t, StatusSuccess, out.Status)
		require.Equal(t, 2, h.tables.insertCalls)
		require.Len(t, h.tables.rowsOf(tableRef()), 1)
	})
}

func TestServices_Ingestor_ToleratesConcurrentArchive(t *testing.T) {
	t.Parallel()

	h := newIngestHarness(t)
	h.objects.beforeDelete = func() {
		h.objects.mu.Lock()
		delete(h.objects.objects, objectKey(testBucket, testObject))
		h.objects.mu.Unlock()
	}

	out := h.ingestor(t).Process(context.Background(), testDispatch())
	require.Equal(t, StatusSuccess, out.Status)
	require.True(t, h.objects.has(testBucket, "processed/acme/q1/batch/report.pdf"))
	require.False(t, h.objects.has(testBucket, testObject))
}

func TestServices_Ingestor_ArchiveFailureIsReported(t *testing.T) {
	t.Parallel()

	h := newIngestHarness(t)
	h.objects.copyErr = errors.New("permission denied")

	out := h.ingestor(t).Process(context.Background(), testDispatch())
	require.Equal(t, StatusFailed, out.Status)
	require.Equal(t, StepArchive, out.Step)
	require.True(t, h.objects.has(testBucket, testObject))
	// The row is already in the table; a redelivery reuses the same insert id.
	require.Len(t, h.tables.rowsOf(tableRef()), 1)
	require.Equal(t, RowIDFor(testBucket, testObject, 11), h.tables.rowsOf(tableRef())[0].InsertID)
}

func TestServices_Ingestor_NotifierFailureDoesNotFailIngestion(t *testing.T) {
	t.Parallel()

	h := newIngestHarness(t)
	h.notifier.err = errors.New("workflow not found")

	out := h.ingestor(t).Process(context.Background(), testDispatch())
	require.Equal(t, StatusSuccess, out.Status)
}

func TestServices_Outcome_Response(t *testing.T) {
	t.Parallel()

	res := Outcome{Status: StatusFailed, Step: StepSchema, Err: stepError(StepSchema, errors.New("boom")), RowID: "r"}.Response()
	require.Equal(t, models.IngestResponse{Status: "failed", Step: "schema", Error: "schema: boom", RowID: "r"}, res)
}

func TestServices_InspectPDF_RejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := InspectPDF([]byte("definitely not a pdf"))
	require.Error(t, err)
}
