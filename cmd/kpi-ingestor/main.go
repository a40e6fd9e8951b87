package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/kpiflow/internal/models"
	"github.com/Lllllllleong/kpiflow/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/joho/godotenv"
)

var (
	ingestInstance *services.IngestFunction
	once           sync.Once
	initErr        error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Local runs read their settings from .env; deployed functions have none.
	_ = godotenv.Load()

	functions.HTTP("HandleStorageEvent", handleStorageEvent)
	functions.CloudEvent("IngestStorageEvent", ingestStorageEvent)
}

// main is required by the Go Functions Framework.
func main() {}

func instance() (*services.IngestFunction, error) {
	once.Do(func() {
		ingestInstance, initErr = services.NewIngestFunctionFromEnv(context.Background())
	})
	return ingestInstance, initErr
}

// handleStorageEvent is the Eventarc webhook. It answers 200 for every
// processing outcome so the trigger does not redeliver; the outcome is in the body.
func handleStorageEvent(w http.ResponseWriter, r *http.Request) {
	fn, err := instance()
	if err != nil {
		slog.Error("Critical error during function initialization", "error", err)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Warn("Could not read request body", "error", err)
		writeResponse(w, models.IngestResponse{Status: string(services.StatusIgnored), Reason: "unreadable body"})
		return
	}

	outcome := fn.HandlePayload(r.Context(), body)
	writeResponse(w, outcome.Response())
}

// ingestStorageEvent is the CloudEvent entry point. Processing outcomes are
// only logged; returning an error would make the trigger retry.
func ingestStorageEvent(ctx context.Context, e cloudevents.Event) error {
	fn, err := instance()
	if err != nil {
		slog.Error("Critical error during function initialization", "error", err)
		return err
	}

	outcome := fn.HandlePayload(ctx, e.Data())
	slog.Info("Storage event handled.", "eventId", e.ID(), "status", outcome.Status, "step", outcome.Step, "reason", outcome.Reason)
	return nil
}

func writeResponse(w http.ResponseWriter, res models.IngestResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
