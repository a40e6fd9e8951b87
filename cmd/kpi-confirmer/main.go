package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/kpiflow/internal/gcp"
	"github.com/Lllllllleong/kpiflow/internal/models"
	"github.com/Lllllllleong/kpiflow/internal/services"
	"github.com/joho/godotenv"
)

var (
	confirmInstance *services.ConfirmFunction
	once            sync.Once
	initErr         error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	_ = godotenv.Load()

	functions.HTTP("HandleConfirmKPIs", handleConfirmKPIs)
	functions.HTTP("HandleGetKPIs", handleGetKPIs)
}

// main is required by the Go Functions Framework.
func main() {}

func instance() (*services.ConfirmFunction, error) {
	once.Do(func() {
		confirmInstance, initErr = services.NewConfirmFunctionFromEnv(context.Background())
	})
	return confirmInstance, initErr
}

// authenticate initializes the service and resolves the caller's tenant. It
// writes the error reply itself and returns false when the request must stop.
func authenticate(w http.ResponseWriter, r *http.Request) (*services.ConfirmFunction, string, bool) {
	fn, err := instance()
	if err != nil {
		slog.Error("Critical error during function initialization", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to initialize service")
		return nil, "", false
	}
	tenantID, err := fn.Verifier.VerifyRequest(r)
	if err != nil {
		slog.Warn("Rejected unauthenticated request", "error", err)
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return nil, "", false
	}
	return fn, tenantID, true
}

// handleConfirmKPIs stores the KPIs a user confirmed for a folder.
func handleConfirmKPIs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	fn, tenantID, ok := authenticate(w, r)
	if !ok {
		return
	}

	var req models.ConfirmKPIsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		writeError(w, http.StatusBadRequest, "could not parse JSON")
		return
	}

	res, err := fn.Confirmer.Confirm(r.Context(), tenantID, &req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleGetKPIs returns the stored configuration of ?folder=.
func handleGetKPIs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	fn, tenantID, ok := authenticate(w, r)
	if !ok {
		return
	}

	folder, err := fn.GetKPIs(r.Context(), tenantID, r.URL.Query().Get("folder"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, folder)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidRequest), errors.Is(err, services.ErrColumnCollision):
		return http.StatusBadRequest
	case errors.Is(err, gcp.ErrFolderNotFound):
		return http.StatusNotFound
	default:
		slog.Error("Request failed", "error", err)
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
