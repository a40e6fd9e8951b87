package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/kpiflow/internal/gcp"
	"github.com/Lllllllleong/kpiflow/internal/kpi"
	"github.com/Lllllllleong/kpiflow/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryPolicy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- object store ---

type fakeObject struct {
	data       []byte
	generation int64
}

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string]fakeObject

	attrsErr  error
	readErr   error
	copyErr   error
	deleteErr error
	// beforeDelete runs once the copy succeeded, e.g. to simulate a
	// concurrent invocation archiving the same object.
	beforeDelete func()

	copies  int
	deletes int
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string]fakeObject)}
}

func objectKey(bucket, name string) string { return bucket + "/" + name }

func (s *fakeObjectStore) put(bucket, name string, data []byte, generation int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectKey(bucket, name)] = fakeObject{data: data, generation: generation}
}

func (s *fakeObjectStore) has(bucket, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[objectKey(bucket, name)]
	return ok
}

func (s *fakeObjectStore) Attrs(_ context.Context, bucket, name string) (gcp.ObjectAttrs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrsErr != nil {
		return gcp.ObjectAttrs{}, s.attrsErr
	}
	obj, ok := s.objects[objectKey(bucket, name)]
	if !ok {
		return gcp.ObjectAttrs{}, gcp.ErrObjectNotFound
	}
	return gcp.ObjectAttrs{Bucket: bucket, Name: name, Generation: obj.generation, Size: int64(len(obj.data)), ContentType: "application/pdf"}, nil
}

func (s *fakeObjectStore) Read(_ context.Context, bucket, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	obj, ok := s.objects[objectKey(bucket, name)]
	if !ok {
		return nil, gcp.ErrObjectNotFound
	}
	return obj.data, nil
}

func (s *fakeObjectStore) CopyIfAbsent(_ context.Context, bucket, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.copies++
	if s.copyErr != nil {
		return s.copyErr
	}
	obj, ok := s.objects[objectKey(bucket, src)]
	if !ok {
		return gcp.ErrObjectNotFound
	}
	if _, exists := s.objects[objectKey(bucket, dst)]; !exists {
		s.objects[objectKey(bucket, dst)] = obj
	}
	return nil
}

func (s *fakeObjectStore) Delete(_ context.Context, bucket, name string) error {
	if s.beforeDelete != nil {
		hook := s.beforeDelete
		s.beforeDelete = nil
		hook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	if s.deleteErr != nil {
		return s.deleteErr
	}
	if _, ok := s.objects[objectKey(bucket, name)]; !ok {
		return gcp.ErrObjectNotFound
	}
	delete(s.objects, objectKey(bucket, name))
	return nil
}

// --- folder store ---

type fakeFolderStore struct {
	mu      sync.Mutex
	folders map[string]*models.Folder
	records map[string][]models.Ingestion
	getErr  error
	saveErr error
	saves   int
}

func newFakeFolderStore() *fakeFolderStore {
	return &fakeFolderStore{
		folders: make(map[string]*models.Folder),
		records: make(map[string][]models.Ingestion),
	}
}

func (s *fakeFolderStore) put(f *models.Folder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folders[f.TenantID+"/"+f.FolderID] = f
}

func (s *fakeFolderStore) GetFolder(_ context.Context, tenantID, folderID string) (*models.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	f, ok := s.folders[tenantID+"/"+folderID]
	if !ok {
		return nil, gcp.ErrFolderNotFound
	}
	cp := *f
	cp.SelectedKPIs = append([]string(nil), f.SelectedKPIs...)
	cp.KPIMetadata = append([]models.KPIMetadata(nil), f.KPIMetadata...)
	return &cp, nil
}

func (s *fakeFolderStore) SaveFolder(_ context.Context, f *models.Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	cp := *f
	s.folders[f.TenantID+"/"+f.FolderID] = &cp
	return nil
}

func (s *fakeFolderStore) RecordIngestion(_ context.Context, tenantID, folderID, rowID string, rec models.Ingestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rowID] = append(s.records[rowID], rec)
	return nil
}

func (s *fakeFolderStore) lastRecord(t *testing.T, rowID string) models.Ingestion {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.records[rowID]
	require.NotEmpty(t, recs, "no ingestion record for %s", rowID)
	return recs[len(recs)-1]
}

// --- oracles ---

type fakeExtractor struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	last      gcp.ExtractionInput
	block     bool
}

func (e *fakeExtractor) Extract(ctx context.Context, in gcp.ExtractionInput) (string, error) {
	e.mu.Lock()
	i := e.calls
	e.calls++
	e.last = in
	block := e.block
	e.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if i < len(e.errs) && e.errs[i] != nil {
		return "", e.errs[i]
	}
	if len(e.responses) == 0 {
		return "{}", nil
	}
	if i >= len(e.responses) {
		return e.responses[len(e.responses)-1], nil
	}
	return e.responses[i], nil
}

type fakeClassifier struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
}

func (c *fakeClassifier) Classify(_ context.Context, _ map[string]string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.response, c.err
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []models.IngestionNotice
	err     error
}

func (n *fakeNotifier) NotifyIngested(_ context.Context, notice models.IngestionNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return n.err
}

// --- table store ---

type fakeTableStore struct {
	mu sync.Mutex
	// actual is the committed schema; visible is what metadata reads return
	// while a change is still propagating.
	actual     map[string][]gcp.Column
	visible    map[string][]gcp.Column
	staleReads map[string]int
	rows       map[string][]gcp.Row

	// lag is the number of metadata reads after a change that still see the
	// previous schema.
	lag        int
	onCreate   func(s *fakeTableStore, ref gcp.TableRef)
	addErrs    []error
	insertErrs []error
	columnsErr error

	creates     int
	alterCalls  int
	alters      int
	columnReads int
	insertCalls int
}

func newFakeTableStore() *fakeTableStore {
	return &fakeTableStore{
		actual:     make(map[string][]gcp.Column),
		visible:    make(map[string][]gcp.Column),
		staleReads: make(map[string]int),
		rows:       make(map[string][]gcp.Row),
	}
}

// seed creates a table directly, as if another process had done it.
func (s *fakeTableStore) seed(ref gcp.TableRef, columns []gcp.Column) {
	s.actual[ref.String()] = append([]gcp.Column(nil), columns...)
	s.visible[ref.String()] = append([]gcp.Column(nil), columns...)
}

func (s *fakeTableStore) changed(key string) {
	if s.lag > 0 {
		s.staleReads[key] = s.lag
		return
	}
	s.visible[key] = append([]gcp.Column(nil), s.actual[key]...)
}

func (s *fakeTableStore) Columns(_ context.Context, ref gcp.TableRef) ([]gcp.Column, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.columnReads++
	if s.columnsErr != nil {
		return nil, s.columnsErr
	}
	key := ref.String()
	if s.staleReads[key] > 0 {
		s.staleReads[key]--
	} else if cols, ok := s.actual[key]; ok {
		s.visible[key] = append([]gcp.Column(nil), cols...)
	}
	cols, ok := s.visible[key]
	if !ok {
		return nil, gcp.ErrTableNotFound
	}
	return append([]gcp.Column(nil), cols...), nil
}

func (s *fakeTableStore) CreateTable(_ context.Context, ref gcp.TableRef, columns []gcp.Column) error {
	if s.onCreate != nil {
		hook := s.onCreate
		s.onCreate = nil
		hook(s, ref)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ref.String()
	if _, ok := s.actual[key]; ok {
		return gcp.ErrAlreadyExists
	}
	s.creates++
	s.actual[key] = append([]gcp.Column(nil), columns...)
	s.changed(key)
	return nil
}

func (s *fakeTableStore) AddColumns(_ context.Context, ref gcp.TableRef, columns []gcp.Column) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alterCalls++
	if len(s.addErrs) > 0 {
		err := s.addErrs[0]
		s.addErrs = s.addErrs[1:]
		if err != nil {
			return err
		}
	}
	key := ref.String()
	if _, ok := s.actual[key]; !ok {
		return gcp.ErrTableNotFound
	}
	s.alters++
	s.actual[key] = append(s.actual[key], columns...)
	s.changed(key)
	return nil
}

func (s *fakeTableStore) InsertRows(_ context.Context, ref gcp.TableRef, rows []gcp.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertCalls++
	if len(s.insertErrs) > 0 {
		err := s.insertErrs[0]
		s.insertErrs = s.insertErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := s.actual[ref.String()]; !ok {
		return gcp.ErrTableNotFound
	}
	s.rows[ref.String()] = append(s.rows[ref.String()], rows...)
	return nil
}

func (s *fakeTableStore) columnsOf(ref gcp.TableRef) map[string]kpi.ColumnType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]kpi.ColumnType)
	for _, c := range s.actual[ref.String()] {
		out[c.Name] = c.Type
	}
	return out
}

func (s *fakeTableStore) rowsOf(ref gcp.TableRef) []gcp.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gcp.Row(nil), s.rows[ref.String()]...)
}

func newTestReconciler(t *testing.T, tables TableStore, clock clockwork.Clock) *SchemaReconciler {
	t.Helper()
	r, err := NewSchemaReconciler(&SchemaConfig{
		Logger:            newTestLogger(),
		Clock:             clock,
		Tables:            tables,
		ProjectID:         "proj",
		DatasetID:         "kpi_reports",
		CreatePropagation: 2 * time.Second,
		AlterPropagation:  2 * time.Second,
		PollInterval:      time.Second,
		Retry:             fastRetry,
	})
	require.NoError(t, err)
	return r
}
