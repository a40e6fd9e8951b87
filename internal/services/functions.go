package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/kpiflow/internal/gcp"
	"github.com/Lllllllleong/kpiflow/internal/kpi"
	"github.com/Lllllllleong/kpiflow/internal/models"
)

// IngestFunction holds the dependencies of the storage-event entry points.
type IngestFunction struct {
	gate     Gate
	ingestor *Ingestor
	logger   *slog.Logger
}

// NewIngestFunction wires an IngestFunction from a gate and an ingestor.
func NewIngestFunction(gate Gate, ingestor *Ingestor, logger *slog.Logger) *IngestFunction {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestFunction{gate: gate, ingestor: ingestor, logger: logger}
}

// NewIngestFunctionFromEnv creates the ingestion entry points from the environment.
func NewIngestFunctionFromEnv(ctx context.Context) (*IngestFunction, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	c, err := newClients(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger := slog.Default()

	schemas, err := newSchemaReconciler(cfg, c.tables, logger)
	if err != nil {
		return nil, err
	}

	var notifier Notifier
	if cfg.WorkflowID != "" {
		n, err := gcp.NewWorkflowNotifier(ctx, cfg.ProjectID, cfg.WorkflowLocation, cfg.WorkflowID)
		if err != nil {
			return nil, err
		}
		notifier = n
	}

	ingestor, err := NewIngestor(&IngestorConfig{
		Logger:        logger,
		Objects:       c.objects,
		Folders:       c.folders,
		Extractor:     c.vertex,
		Tables:        c.tables,
		Schemas:       schemas,
		Notifier:      notifier,
		OracleTimeout: cfg.OracleTimeout,
		Retry:         cfg.Retry,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Ingestor initialized.", "dataset", cfg.DatasetID, "model", cfg.ModelName, "notifyWorkflow", cfg.WorkflowID != "")
	return NewIngestFunction(Gate{DefaultBucket: cfg.Bucket}, ingestor, logger), nil
}

// HandlePayload parses a raw notification body and processes it.
func (f *IngestFunction) HandlePayload(ctx context.Context, body []byte) Outcome {
	event, err := ParseEvent(body)
	if err != nil {
		f.logger.Warn("Ignoring payload that is not a storage event.", "error", err)
		return Outcome{Status: StatusIgnored, Reason: "not a storage event"}
	}
	return f.HandleEvent(ctx, event)
}

// HandleEvent routes one storage event through the gate.
func (f *IngestFunction) HandleEvent(ctx context.Context, event GCSEvent) Outcome {
	action := f.gate.Accept(event)
	if !action.Dispatch {
		f.logger.Info("Ignoring storage event.", "gcsObject", event.Name, "reason", action.Reason)
		return Outcome{Status: StatusIgnored, Reason: action.Reason}
	}
	return f.ingestor.Process(ctx, action.Job)
}

// ConfirmFunction holds the dependencies of the configuration endpoints.
type ConfirmFunction struct {
	Confirmer *Confirmer
	Folders   FolderStore
	Verifier  *gcp.TokenVerifier
}

// NewConfirmFunctionFromEnv creates the configuration entry points from the environment.
func NewConfirmFunctionFromEnv(ctx context.Context) (*ConfirmFunction, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	c, err := newClients(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger := slog.Default()

	schemas, err := newSchemaReconciler(cfg, c.tables, logger)
	if err != nil {
		return nil, err
	}
	confirmer, err := NewConfirmer(&ConfirmerConfig{
		Logger:   logger,
		Folders:  c.folders,
		Inferrer: NewTypeInferrer(c.vertex, cfg.OracleTimeout, cfg.Retry, logger),
		Schemas:  schemas,
	})
	if err != nil {
		return nil, err
	}
	verifier, err := gcp.NewTokenVerifier(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	return &ConfirmFunction{Confirmer: confirmer, Folders: c.folders, Verifier: verifier}, nil
}

// GetKPIs returns the folder configuration of the caller's folder.
func (f *ConfirmFunction) GetKPIs(ctx context.Context, tenantID, folderName string) (*models.Folder, error) {
	folderID := kpi.Sanitize(folderName)
	if folderID == "" {
		return nil, fmt.Errorf("%w: folder is required", ErrInvalidRequest)
	}
	folder, err := f.Folders.GetFolder(ctx, kpi.Sanitize(tenantID), folderID)
	if err != nil && !errors.Is(err, gcp.ErrFolderNotFound) {
		return nil, fmt.Errorf("failed to load folder: %w", err)
	}
	return folder, err
}
