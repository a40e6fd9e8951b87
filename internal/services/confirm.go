package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Lllllllleong/kpiflow/internal/gcp"
	"github.com/Lllllllleong/kpiflow/internal/kpi"
	"github.com/Lllllllleong/kpiflow/internal/models"
	"golang.org/x/sync/errgroup"
)

// ConfirmerConfig configures a Confirmer.
type ConfirmerConfig struct {
	Logger   *slog.Logger
	Folders  FolderStore
	Inferrer *TypeInferrer
	Schemas  *SchemaReconciler
}

func (c *ConfirmerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Folders == nil {
		return errors.New("folder store is required")
	}
	if c.Inferrer == nil {
		return errors.New("type inferrer is required")
	}
	if c.Schemas == nil {
		return errors.New("schema reconciler is required")
	}
	return nil
}

// Confirmer stores a folder's confirmed KPIs with their inferred types and
// prepares the folder's table.
type Confirmer struct {
	cfg *ConfirmerConfig
}

// NewConfirmer validates cfg and creates a Confirmer.
func NewConfirmer(cfg *ConfirmerConfig) (*Confirmer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Confirmer{cfg: cfg}, nil
}

// Confirm validates the request, infers types for new KPIs and persists the
// folder as trained. KPIs confirmed earlier keep their stored type.
func (c *Confirmer) Confirm(ctx context.Context, tenantID string, req *models.ConfirmKPIsRequest) (*models.ConfirmKPIsResponse, error) {
	tenantID = kpi.Sanitize(tenantID)
	folderID := kpi.Sanitize(req.FolderName)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is empty", ErrInvalidRequest)
	}
	if folderID == "" {
		return nil, fmt.Errorf("%w: folder_name must contain letters or digits", ErrInvalidRequest)
	}
	samples, order, err := validateSamples(req.KPIs)
	if err != nil {
		return nil, err
	}

	logCtx := c.cfg.Logger.With("tenantId", tenantID, "folderId", folderID)
	logCtx.Info("Confirming KPIs.", "kpiCount", len(order))

	var (
		existing  *models.Folder
		inference InferenceResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		folder, err := c.cfg.Folders.GetFolder(gctx, tenantID, folderID)
		if errors.Is(err, gcp.ErrFolderNotFound) {
			return nil
		}
		existing = folder
		return err
	})
	g.Go(func() error {
		inference = c.cfg.Inferrer.Infer(gctx, samples)
		return nil
	})
	if err := g.Wait(); err != nil {
		logCtx.Error("Failed to load folder", "error", err)
		return nil, fmt.Errorf("failed to load folder: %w", err)
	}

	folder := existing
	if folder == nil {
		folder = &models.Folder{
			TenantID:    tenantID,
			FolderID:    folderID,
			DisplayName: strings.TrimSpace(req.FolderName),
			Owner:       tenantID,
		}
	}
	if err := mergeConfirmation(folder, order, samples, inference.Types); err != nil {
		return nil, err
	}
	if hint := strings.TrimSpace(req.ContextHint); hint != "" {
		folder.ContextHint = hint
	}
	folder.IsTrained = true
	folder.Status = models.FolderStatusActive
	folder.TableID = TableIDFor(tenantID, folderID)

	if err := c.cfg.Folders.SaveFolder(ctx, folder); err != nil {
		logCtx.Error("Failed to save folder", "error", err)
		return nil, fmt.Errorf("failed to save folder: %w", err)
	}

	ref, _, err := c.cfg.Schemas.Ensure(ctx, tenantID, folderID, ColumnSpecsFor(folder))
	if err != nil {
		return nil, err
	}

	types := make(map[string]string, len(folder.SelectedKPIs))
	for _, name := range folder.SelectedKPIs {
		types[name] = string(KPITypeOf(folder, name))
	}
	logCtx.Info("KPIs confirmed.", "mode", inference.Mode(), "table", ref.String())
	return &models.ConfirmKPIsResponse{
		Status:         "success",
		FolderID:       folderID,
		TableID:        ref.TableID,
		Types:          types,
		InferenceMode:  inference.Mode(),
		FallbackReason: inference.Reason,
	}, nil
}

// validateSamples rejects empty and duplicate names and returns the samples
// keyed by trimmed name in request order.
func validateSamples(kpis []models.KPISample) (map[string]string, []string, error) {
	if len(kpis) == 0 {
		return nil, nil, fmt.Errorf("%w: at least one kpi is required", ErrInvalidRequest)
	}
	samples := make(map[string]string, len(kpis))
	order := make([]string, 0, len(kpis))
	for _, k := range kpis {
		name := strings.TrimSpace(k.Name)
		if kpi.Sanitize(name) == "" {
			return nil, nil, fmt.Errorf("%w: kpi name %q has no letters or digits", ErrInvalidRequest, k.Name)
		}
		if _, dup := samples[name]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate kpi %q", ErrInvalidRequest, name)
		}
		samples[name] = k.SampleValue
		order = append(order, name)
	}
	return samples, order, nil
}

// mergeConfirmation adds new KPIs to the folder. Names that would share a
// column with a different KPI are rejected before anything is stored.
func mergeConfirmation(folder *models.Folder, order []string, samples map[string]string, types map[string]kpi.Type) error {
	owner := make(map[string]string, len(folder.SelectedKPIs)+len(order))
	for _, name := range folder.SelectedKPIs {
		owner[kpi.ColumnName(name)] = name
	}
	for _, name := range order {
		column := kpi.ColumnName(name)
		if prev, ok := owner[column]; ok && prev != name {
			return fmt.Errorf("%w: %q and %q both map to column %s", ErrColumnCollision, prev, name, column)
		}
		owner[column] = name
	}

	for _, name := range order {
		if _, ok := folder.MetadataFor(name); ok {
			continue
		}
		t, ok := types[name]
		if !ok {
			t = kpi.InferTypeFallback(samples[name])
		}
		folder.KPIMetadata = append(folder.KPIMetadata, models.KPIMetadata{
			Name:        name,
			SampleValue: samples[name],
			Type:        string(t),
		})
	}
	selected := make(map[string]bool, len(folder.SelectedKPIs))
	for _, name := range folder.SelectedKPIs {
		selected[name] = true
	}
	for _, name := range order {
		if !selected[name] {
			folder.SelectedKPIs = append(folder.SelectedKPIs, name)
			selected[name] = true
		}
	}
	return nil
}
