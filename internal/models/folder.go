package models

import "time"

// Folder lifecycle states.
const (
	FolderStatusWaiting  = "waiting_for_training"
	FolderStatusTraining = "training"
	FolderStatusActive   = "active"
)

// KPIMetadata is the confirmed sample and inferred type for one KPI.
type KPIMetadata struct {
	Name        string `firestore:"name" json:"name"`
	SampleValue string `firestore:"sample_value" json:"sample_value"`
	Type        string `firestore:"type" json:"type"`
}

// Folder is the per-tenant folder configuration stored in Firestore under
// tenants/{tenantId}/folders/{folderId}.
type Folder struct {
	TenantID     string            `firestore:"-" json:"tenant_id"`
	FolderID     string            `firestore:"-" json:"folder_id"`
	DisplayName  string            `firestore:"display_name" json:"display_name"`
	ContextHint  string            `firestore:"context_hint" json:"context_hint"`
	IsTrained    bool              `firestore:"is_trained" json:"is_trained"`
	Status       string            `firestore:"status" json:"status"`
	SelectedKPIs []string          `firestore:"selected_kpis" json:"selected_kpis"`
	KPIMetadata  []KPIMetadata     `firestore:"kpi_metadata" json:"kpi_metadata"`
	Owner        string            `firestore:"owner" json:"owner"`
	SharedWith   map[string]string `firestore:"shared_with,omitempty" json:"shared_with,omitempty"`
	TableID      string            `firestore:"table_id,omitempty" json:"table_id,omitempty"`
	CreatedAt    time.Time         `firestore:"created_at,omitempty" json:"created_at"`
	UpdatedAt    time.Time         `firestore:"updated_at,omitempty" json:"updated_at"`
}

// MetadataFor returns the metadata entry for a KPI name, if any.
func (f *Folder) MetadataFor(name string) (KPIMetadata, bool) {
	for _, m := range f.KPIMetadata {
		if m.Name == name {
			return m, true
		}
	}
	return KPIMetadata{}, false
}
