package models

import "time"

// Ingestion is the audit record written for every document the pipeline
// reaches a terminal state for. It lives under
// tenants/{tenantId}/folders/{folderId}/ingestions/{rowId}.
type Ingestion struct {
	ObjectPath   string    `firestore:"objectPath,omitempty"`
	Generation   int64     `firestore:"generation,omitempty"`
	RowID        string    `firestore:"rowId,omitempty"`
	TableID      string    `firestore:"tableId,omitempty"`
	Status       string    `firestore:"status,omitempty"`
	Step         string    `firestore:"step,omitempty"`
	ErrorDetails string    `firestore:"errorDetails,omitempty"`
	PageCount    int       `firestore:"pageCount,omitempty"`
	ArchivedPath string    `firestore:"archivedPath,omitempty"`
	UpdatedAt    time.Time `firestore:"updatedAt,omitempty"`
}
