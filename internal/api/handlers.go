// Package api exposes the operator surface: thin HTTP callers of the sync
// engine. Display and alerting belong to the callers; the engine's
// responsibility ends at producing an accurate, terminal SyncLog.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/peak1031/ppsync/internal/auth/token"
	"github.com/peak1031/ppsync/internal/logging"
	"github.com/peak1031/ppsync/internal/sync"
	"github.com/peak1031/ppsync/internal/upstream"
	"github.com/peak1031/ppsync/internal/version"
)

// SyncEntityHandler triggers a sync for one entity type and returns its
// result. Mode and triggered_by come from query parameters.
func SyncEntityHandler(orch *sync.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityType := chi.URLParam(r, "entity")
		opts := optionsFromRequest(r)

		ctx := logging.WithRequestID(r.Context(), logging.GenerateRequestID())
		result, err := orch.SyncEntityType(ctx, entityType, opts)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// SyncAllHandler triggers a dependency-ordered sync of every entity type.
func SyncAllHandler(orch *sync.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := optionsFromRequest(r)

		ctx := logging.WithRequestID(r.Context(), logging.GenerateRequestID())
		results, err := orch.SyncAll(ctx, opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

// SyncStatusHandler returns recent sync run history, newest first.
func SyncStatusHandler(activity *sync.ActivityLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}

		rows, err := activity.Recent(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sync_logs": rows})
	}
}

// TestConnectionHandler probes the provider API.
func TestConnectionHandler(client *upstream.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connected, message := client.TestConnection(r.Context())
		status := http.StatusOK
		if !connected {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]any{
			"connected": connected,
			"message":   message,
		})
	}
}

// AuthStatusHandler reports whether a usable token is on file.
func AuthStatusHandler(mgr *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		row, err := mgr.LatestToken()
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"authorized": false,
				"version":    version.Version,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authorized":  true,
			"expires_at":  row.ExpiresAt.Format(time.RFC3339),
			"has_refresh": row.RefreshToken != "",
			"version":     version.Version,
		})
	}
}

func optionsFromRequest(r *http.Request) sync.Options {
	triggeredBy := r.URL.Query().Get("triggered_by")
	if triggeredBy == "" {
		triggeredBy = "api"
	}
	return sync.Options{
		TriggeredBy: triggeredBy,
		Mode:        r.URL.Query().Get("mode"),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("⚠️ Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
