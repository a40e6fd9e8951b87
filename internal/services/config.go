package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/kpiflow/internal/gcp"
)

// Config holds all environment configuration shared by the entry points.
type Config struct {
	ProjectID         string
	Bucket            string
	DatasetID         string
	DatasetLocation   string
	VertexAIRegion    string
	ModelName         string
	TenantsCollection string
	WorkflowID        string
	WorkflowLocation  string

	OracleTimeout     time.Duration
	CreatePropagation time.Duration
	AlterPropagation  time.Duration
	Retry             RetryPolicy
}

// LoadConfig loads and validates all necessary environment variables.
func LoadConfig() (*Config, error) {
	projectID := gcp.GetEnv("PROJECT_ID", gcp.GetEnv("GOOGLE_CLOUD_PROJECT", ""))
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID or GOOGLE_CLOUD_PROJECT environment variable must be set")
	}

	return &Config{
		ProjectID:         projectID,
		Bucket:            gcp.GetEnv("UPLOAD_BUCKET", ""),
		DatasetID:         gcp.GetEnv("BIGQUERY_DATASET", "kpi_reports"),
		DatasetLocation:   gcp.GetEnv("BIGQUERY_LOCATION", "US"),
		VertexAIRegion:    gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		ModelName:         gcp.GetEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		TenantsCollection: gcp.GetEnv("FIRESTORE_COLLECTION", "tenants"),
		WorkflowID:        gcp.GetEnv("WORKFLOW_ID", ""),
		WorkflowLocation:  gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		OracleTimeout:     gcp.GetEnvDuration("ORACLE_TIMEOUT", defaultOracleTimeout),
		CreatePropagation: gcp.GetEnvDuration("SCHEMA_CREATE_WAIT", defaultCreatePropagation),
		AlterPropagation:  gcp.GetEnvDuration("SCHEMA_ALTER_WAIT", defaultAlterPropagation),
		Retry: RetryPolicy{
			MaxTries:        uint(gcp.GetEnvInt("RETRY_MAX_TRIES", int(DefaultRetryPolicy.MaxTries))),
			InitialInterval: gcp.GetEnvDuration("RETRY_INITIAL_INTERVAL", DefaultRetryPolicy.InitialInterval),
			MaxInterval:     gcp.GetEnvDuration("RETRY_MAX_INTERVAL", DefaultRetryPolicy.MaxInterval),
		},
	}, nil
}

// clients bundles the GCP clients both entry points build.
type clients struct {
	objects *gcp.ObjectStore
	folders *gcp.FolderStore
	vertex  *gcp.VertexClient
	tables  *gcp.TableStore
}

func newClients(ctx context.Context, cfg *Config) (*clients, error) {
	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	objects, err := gcp.NewObjectStore(ctx)
	if err != nil {
		return nil, err
	}
	vertex, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.VertexAIRegion, cfg.ModelName)
	if err != nil {
		return nil, fmt.Errorf("failed to create vertex client: %w", err)
	}
	tables, err := gcp.NewTableStore(ctx, cfg.ProjectID, cfg.DatasetLocation)
	if err != nil {
		return nil, err
	}
	return &clients{
		objects: objects,
		folders: gcp.NewFolderStore(firestoreClient, cfg.TenantsCollection),
		vertex:  vertex,
		tables:  tables,
	}, nil
}

func newSchemaReconciler(cfg *Config, tables TableStore, logger *slog.Logger) (*SchemaReconciler, error) {
	return NewSchemaReconciler(&SchemaConfig{
		Logger:            logger,
		Tables:            tables,
		ProjectID:         cfg.ProjectID,
		DatasetID:         cfg.DatasetID,
		CreatePropagation: cfg.CreatePropagation,
		AlterPropagation:  cfg.AlterPropagation,
		Retry:             cfg.Retry,
	})
}
