package models

// These structs define the JSON payloads of the HTTP entry points.

// IngestResponse is the body returned by the storage-event webhook. The
// status code is always 200; failures are reported here.
type IngestResponse struct {
	Status  string `json:"status"`
	Step    string `json:"step,omitempty"`
	Error   string `json:"error,omitempty"`
	RowID   string `json:"rowId,omitempty"`
	TableID string `json:"tableId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// KPISample is one confirmed KPI with the example value seen in the master document.
type KPISample struct {
	Name        string `json:"name"`
	SampleValue string `json:"sample_value"`
}

// ConfirmKPIsRequest is the input of the confirm-kpis endpoint.
type ConfirmKPIsRequest struct {
	FolderName  string      `json:"folder_name"`
	ContextHint string      `json:"context_hint,omitempty"`
	KPIs        []KPISample `json:"kpis"`
}

// ConfirmKPIsResponse is the output of the confirm-kpis endpoint.
type ConfirmKPIsResponse struct {
	Status         string            `json:"status"`
	FolderID       string            `json:"folder_id"`
	TableID        string            `json:"table_id"`
	Types          map[string]string `json:"types"`
	InferenceMode  string            `json:"inference_mode"`
	FallbackReason string            `json:"fallback_reason,omitempty"`
}

// ErrorResponse is the body of a non-2xx reply from the configuration endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}

// IngestionNotice is the argument passed to the post-ingest workflow.
type IngestionNotice struct {
	TenantID     string `json:"tenantId"`
	FolderID     string `json:"folderId"`
	TableID      string `json:"tableId"`
	RowID        string `json:"rowId"`
	ObjectPath   string `json:"objectPath"`
	ArchivedPath string `json:"archivedPath"`
}
