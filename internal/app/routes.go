package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"scanbridge/go-scan-server/internal/model"
	"scanbridge/go-scan-server/internal/registry"
	"scanbridge/go-scan-server/internal/web"
)

const (
	maxBodyBytes  = 64 << 10
	sessionTTLKey = "session_ttl"
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /readyz", a.handleReadyz)
	mux.HandleFunc("GET /robots.txt", a.handleRobots)

	mux.HandleFunc("POST /api/sessions", a.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", a.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{sessionId}", a.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{sessionId}/close", a.handleCloseSession)
	mux.HandleFunc("GET /api/sessions/{sessionId}/scans", a.handleGetScans)
	mux.HandleFunc("POST /api/sessions/{sessionId}/scans", a.handlePostScan)
	mux.HandleFunc("GET /api/sessions/{sessionId}/scans.csv", a.handleExportScans)

	mux.HandleFunc("GET /api/ingestion-errors", a.handleIngestionErrors)
	mux.HandleFunc("GET /api/config", a.serveConfig)
	mux.HandleFunc("POST /api/config", a.updateConfig)
	mux.HandleFunc("POST /api/admin/wipe", a.handleWipe)

	static := http.FileServer(http.Dir(a.cfg.WebRoot))
	mux.Handle("GET /static/", http.StripPrefix("/static/", static))
	mux.Handle("GET /{$}", static)
	mux.HandleFunc("GET /{segment}", func(w http.ResponseWriter, r *http.Request) {
		a.handleShortLink(w, r, static)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	_ = writeJSON(w, status, map[string]string{"error": message})
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.broker == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness: store ping failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleRobots(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(web.Robots(a.cfg.SiteURL))
}

// handleShortLink sends /<code> to /session/<code>. Reserved segments and
// file-like paths fall through to the static site.
func (a *App) handleShortLink(w http.ResponseWriter, r *http.Request, static http.Handler) {
	segment := r.PathValue("segment")
	if !strings.Contains(segment, ".") {
		if target, ok := web.RedirectTarget(segment); ok {
			http.Redirect(w, r, target, http.StatusTemporaryRedirect)
			return
		}
	}
	static.ServeHTTP(w, r)
}

// handleGetScans answers with the session's scans, or [] when none exist.
// A registry fault is a 500 and never an empty list.
func (a *App) handleGetScans(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	scans, err := a.registry.Scans(sessionID)
	if err != nil {
		a.logger.Error("failed to load scans", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch scans: "+err.Error())
		return
	}

	if err := writeJSON(w, http.StatusOK, scans); err != nil {
		a.logger.Error("failed to encode scans response", "error", err)
	}
}

func (a *App) handlePostScan(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	var in model.ScanInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		a.recordIngestionError(r.Context(), sourceHTTP, nil, fmt.Errorf("decode payload: %w", err))
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	scan, err := a.ingestScan(sessionID, in)
	switch {
	case errors.Is(err, registry.ErrClosed):
		a.logger.Error("failed to store scan", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store scan: "+err.Error())
		return
	case err != nil:
		a.recordIngestionError(r.Context(), sourceHTTP, []byte(in.Code), err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := writeJSON(w, http.StatusCreated, scan); err != nil {
		a.logger.Error("failed to encode scan response", "error", err)
	}
}

func (a *App) handleExportScans(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	scans, err := a.registry.Scans(sessionID)
	if err != nil {
		a.logger.Error("export: failed to load scans", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch scans: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=scans.csv")

	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	if err := csvWriter.Write([]string{"id", "session_id", "code", "scan_timestamp", "created_at"}); err != nil {
		a.logger.Error("export: failed to write header", "error", err)
		return
	}

	for _, scan := range scans {
		row := []string{
			strconv.FormatInt(scan.ID, 10),
			scan.SessionID,
			scan.Code,
			strconv.FormatInt(scan.ScanTimestamp, 10),
			scan.CreatedAt,
		}
		if err := csvWriter.Write(row); err != nil {
			a.logger.Error("export: failed to write row", "error", err)
			return
		}
	}
}

func (a *App) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session, err := a.registry.CreateSession()
	if err != nil {
		a.logger.Error("failed to create session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session: "+err.Error())
		return
	}

	a.logger.Info("session created", "session", session.SessionID)
	if err := writeJSON(w, http.StatusCreated, session); err != nil {
		a.logger.Error("failed to encode session response", "error", err)
	}
}

func (a *App) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.registry.Sessions()
	if err != nil {
		a.logger.Error("failed to list sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions: "+err.Error())
		return
	}

	response := struct {
		Sessions []model.Session `json:"sessions"`
	}{Sessions: sessions}

	if err := writeJSON(w, http.StatusOK, response); err != nil {
		a.logger.Error("failed to encode sessions response", "error", err)
	}
}

func (a *App) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	session, err := a.registry.Session(sessionID)
	if errors.Is(err, registry.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		a.logger.Error("failed to load session", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session: "+err.Error())
		return
	}

	if err := writeJSON(w, http.StatusOK, session); err != nil {
		a.logger.Error("failed to encode session response", "error", err)
	}
}

func (a *App) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	session, err := a.registry.CloseSession(sessionID)
	if errors.Is(err, registry.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		a.logger.Error("failed to close session", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to close session: "+err.Error())
		return
	}

	a.publishEvent(model.SessionEvent{Type: model.EventSessionClosed, SessionID: sessionID})
	a.logger.Info("session closed", "session", sessionID, "scans", session.ScanCount)

	if err := writeJSON(w, http.StatusOK, session); err != nil {
		a.logger.Error("failed to encode session response", "error", err)
	}
}

func (a *App) handleIngestionErrors(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	entries, err := a.store.RecentIngestionErrors(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load ingestion errors", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load ingestion errors")
		return
	}

	response := struct {
		Errors []model.IngestionError `json:"errors"`
	}{Errors: entries}

	if err := writeJSON(w, http.StatusOK, response); err != nil {
		a.logger.Error("failed to encode ingestion errors response", "error", err)
	}
}

func (a *App) serveConfig(w http.ResponseWriter, r *http.Request) {
	persisted := map[string]string{}
	if a.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		loaded, err := a.store.AppConfig(ctx)
		if err != nil {
			a.logger.Error("failed to load app config", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load config")
			return
		}
		persisted = loaded
	}

	active := map[string]any{
		"http_port":      a.cfg.HTTPPort,
		"mqtt_bind":      a.cfg.MQTTBindAddress,
		"database_path":  a.cfg.DatabasePath,
		"log_level":      a.cfg.LogLevel,
		"session_ttl":    a.SessionTTL().String(),
		"sweep_interval": a.cfg.SweepInterval.String(),
		"site_url":       a.cfg.SiteURL,
		"mdns":           a.cfg.MDNSEnabled,
	}

	response := struct {
		Active    map[string]any    `json:"active"`
		Persisted map[string]string `json:"persisted"`
	}{
		Active:    active,
		Persisted: persisted,
	}

	if err := writeJSON(w, http.StatusOK, response); err != nil {
		a.logger.Error("failed to encode config response", "error", err)
	}
}

func (a *App) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionTTL *string `json:"session_ttl"`
	}

	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.SessionTTL == nil {
		writeError(w, http.StatusBadRequest, "no supported fields provided")
		return
	}
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}

	ttl, err := parseTTL(*req.SessionTTL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.UpsertAppConfig(ctx, sessionTTLKey, ttl.String()); err != nil {
		a.logger.Error("failed to update session_ttl", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist config")
		return
	}
	a.setSessionTTL(ttl)
	a.logger.Info("session ttl updated", "ttl", ttl)

	resp := struct {
		Updates         []model.AppConfigEntry `json:"updates"`
		RequiresRestart bool                   `json:"requires_restart"`
	}{
		Updates: []model.AppConfigEntry{{Key: sessionTTLKey, Value: ttl.String()}},
	}

	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		a.logger.Error("failed to encode update response", "error", err)
	}
}

func (a *App) handleWipe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if strings.ToLower(strings.TrimSpace(body.Confirm)) != "wipe" {
		writeError(w, http.StatusBadRequest, "confirmation required")
		return
	}

	if err := a.registry.Reset(); err != nil {
		a.logger.Error("wipe: registry reset failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to wipe sessions")
		return
	}

	if a.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := a.store.WipeData(ctx); err != nil {
			a.logger.Error("wipe: store failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to wipe data")
			return
		}
	}

	a.logger.Warn("wipe: all sessions and ingestion errors cleared")
	w.WriteHeader(http.StatusNoContent)
}

func parseTTL(raw string) (time.Duration, error) {
	ttl, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid session_ttl: %w", err)
	}
	if ttl <= 0 {
		return 0, fmt.Errorf("invalid session_ttl: must be positive")
	}
	return ttl, nil
}
