package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/Lllllllleong/kpiflow/internal/models"
)

// WorkflowNotifier starts a Cloud Workflows execution for every ingested row.
type WorkflowNotifier struct {
	client *executions.Client
	parent string
}

// NewWorkflowNotifier creates an executions client for the given workflow.
func NewWorkflowNotifier(ctx context.Context, projectID, location, workflowID string) (*WorkflowNotifier, error) {
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return &WorkflowNotifier{
		client: client,
		parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID),
	}, nil
}

// NotifyIngested triggers the workflow with the notice as its argument.
func (n *WorkflowNotifier) NotifyIngested(ctx context.Context, notice models.IngestionNotice) error {
	payloadBytes, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: n.parent,
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	if _, err := n.client.CreateExecution(ctx, req); err != nil {
		return fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (n *WorkflowNotifier) Close() error {
	return n.client.Close()
}
