package gcp

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/kpiflow/internal/models"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// It centralizes client creation for all services.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// FolderStore reads and writes folder configurations and ingestion records.
type FolderStore struct {
	client     *firestore.Client
	collection string
}

// NewFolderStore wraps a Firestore client. Tenants live in the given root
// collection, typically "tenants".
func NewFolderStore(client *firestore.Client, collection string) *FolderStore {
	return &FolderStore{client: client, collection: collection}
}

func (s *FolderStore) folderRef(tenantID, folderID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(tenantID).Collection("folders").Doc(folderID)
}

// GetFolder loads a folder configuration, or ErrFolderNotFound.
func (s *FolderStore) GetFolder(ctx context.Context, tenantID, folderID string) (*models.Folder, error) {
	snap, err := s.folderRef(tenantID, folderID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrFolderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read folder %s/%s: %w", tenantID, folderID, err)
	}

	var folder models.Folder
	if err := snap.DataTo(&folder); err != nil {
		return nil, fmt.Errorf("failed to decode folder %s/%s: %w", tenantID, folderID, err)
	}
	folder.TenantID = tenantID
	folder.FolderID = folderID
	return &folder, nil
}

// SaveFolder writes the full folder configuration.
func (s *FolderStore) SaveFolder(ctx context.Context, folder *models.Folder) error {
	folder.UpdatedAt = time.Now().UTC()
	if folder.CreatedAt.IsZero() {
		folder.CreatedAt = folder.UpdatedAt
	}
	if _, err := s.folderRef(folder.TenantID, folder.FolderID).Set(ctx, folder); err != nil {
		return fmt.Errorf("failed to save folder %s/%s: %w", folder.TenantID, folder.FolderID, err)
	}
	return nil
}

// RecordIngestion upserts the audit record of one document.
func (s *FolderStore) RecordIngestion(ctx context.Context, tenantID, folderID, rowID string, rec models.Ingestion) error {
	rec.UpdatedAt = time.Now().UTC()
	ref := s.folderRef(tenantID, folderID).Collection("ingestions").Doc(rowID)
	if _, err := ref.Set(ctx, rec); err != nil {
		return fmt.Errorf("failed to record ingestion %s: %w", rowID, err)
	}
	return nil
}
