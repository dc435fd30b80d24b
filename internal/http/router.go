package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tallgreen-machine/FindMyCat/internal/domain"
	"github.com/tallgreen-machine/FindMyCat/internal/service/location"
	"github.com/tallgreen-machine/FindMyCat/internal/ws"
)

// Router wires HTTP endpoints to the location service.
type Router struct {
	mux            *http.ServeMux
	logger         *slog.Logger
	locations      *location.Service
	upgrader       websocket.Upgrader
	limiter        RateLimiter
	deviceToken    string
	historyDefault int
	historyMax     int
	dbHealth       func(context.Context) error
}

const (
	rateWindowDefault  = time.Minute
	rateLimitIngest    = 600
	rateLimitRead      = 120
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeatEvery  = 15 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, locationSvc *location.Service, limiter RateLimiter, deviceToken string, historyDefault, historyMax int, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		locations: locationSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:        limiter,
		deviceToken:    strings.TrimSpace(deviceToken),
		historyDefault: historyDefault,
		historyMax:     historyMax,
		dbHealth:       dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.historyDefault <= 0 {
		r.historyDefault = 100
	}
	if r.historyMax <= 0 {
		r.historyMax = 1000
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/health", r.audit(r.handleHealth))
	r.mux.HandleFunc("/api/locations/update", r.audit(r.withRateLimit(rateLimitIngest, rateWindowDefault, r.requireDeviceToken(r.handleUpdate))))
	r.mux.HandleFunc("/api/locations/batch-update", r.audit(r.withRateLimit(rateLimitIngest, rateWindowDefault, r.requireDeviceToken(r.handleBatchUpdate))))
	r.mux.HandleFunc("/api/locations/latest", r.audit(r.withRateLimit(rateLimitRead, rateWindowDefault, r.handleLatest)))
	r.mux.HandleFunc("/api/locations/history", r.audit(r.withRateLimit(rateLimitRead, rateWindowDefault, r.handleHistory)))
	r.mux.HandleFunc("/api/devices/status", r.audit(r.withRateLimit(rateLimitRead, rateWindowDefault, r.handleDeviceStatus)))
	r.mux.HandleFunc("/ws/locations", r.withRateLimit(rateLimitStream, rateWindowDefault, r.handleLocationsWS))
	r.mux.HandleFunc("/sse/locations", r.withRateLimit(rateLimitStream, rateWindowDefault, r.handleLocationsSSE))
}

// locationPayload is the wire shape of an ingest candidate. Numeric fields
// are pointers so that absent values can be told apart from zero.
type locationPayload struct {
	DeviceID  string   `json:"deviceId"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Timestamp string   `json:"timestamp"`
	Accuracy  *float64 `json:"accuracy"`
	Altitude  *float64 `json:"altitude"`
	Speed     *float64 `json:"speed"`
	Heading   *float64 `json:"heading"`
}

func (p locationPayload) toSample() (domain.LocationSample, error) {
	if strings.TrimSpace(p.DeviceID) == "" {
		return domain.LocationSample{}, domain.ErrMissingDeviceID
	}
	if p.Latitude == nil || p.Longitude == nil {
		return domain.LocationSample{}, domain.ErrInvalidCoordinate
	}
	recordedAt, err := domain.ParseTimestamp(p.Timestamp)
	if err != nil {
		return domain.LocationSample{}, domain.ErrMissingTimestamp
	}
	return domain.LocationSample{
		DeviceID:   p.DeviceID,
		Latitude:   *p.Latitude,
		Longitude:  *p.Longitude,
		RecordedAt: recordedAt,
		Accuracy:   p.Accuracy,
		Altitude:   p.Altitude,
		Speed:      p.Speed,
		Heading:    p.Heading,
	}, nil
}

func (r *Router) handleUpdate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload locationPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sample, err := payload.toSample()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, isNew, err := r.ingest(req.Context(), w, sample)
	if err != nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"location": stored,
		"isNew":    isNew,
	})
}

func (r *Router) ingest(ctx context.Context, w http.ResponseWriter, sample domain.LocationSample) (*domain.LocationSample, bool, error) {
	stored, isNew, err := r.locations.Ingest(ctx, sample)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrMissingDeviceID),
			errors.Is(err, domain.ErrInvalidCoordinate),
			errors.Is(err, domain.ErrMissingTimestamp):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false, err
	}
	return stored, isNew, nil
}

func (r *Router) handleBatchUpdate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payloads []locationPayload
	if err := json.NewDecoder(req.Body).Decode(&payloads); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	candidates := make([]domain.LocationSample, 0, len(payloads))
	for _, p := range payloads {
		sample, err := p.toSample()
		if err != nil {
			// Partial success is intentional: malformed entries are dropped
			// without failing the batch.
			continue
		}
		candidates = append(candidates, sample)
	}
	result := r.locations.IngestBatch(req.Context(), candidates)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"processed":    result.Processed,
		"newLocations": result.NewLocations,
	})
}

func (r *Router) handleLatest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	latest, err := r.locations.Latest(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = r.historyDefault
	}
	if limit > r.historyMax {
		limit = r.historyMax
	}
	oldestFirst := strings.EqualFold(req.URL.Query().Get("order"), "asc")
	history, err := r.locations.History(req.Context(), req.URL.Query().Get("deviceId"), limit, oldestFirst)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (r *Router) handleDeviceStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	statuses, err := r.locations.DeviceStatuses(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (r *Router) handleLocationsWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	sessionID := uuid.NewString()
	client := ws.NewClient(conn, r.logger.With("session_id", sessionID))
	hub := r.locations.Hub()
	hub.Register(client)
	r.sendSnapshot(req.Context(), client)

	go func() {
		defer func() {
			hub.Unregister(client)
			client.Close()
		}()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// An explicit refresh request replays the snapshot; viewers
			// dedup any overlap with in-flight deltas.
			if strings.EqualFold(strings.TrimSpace(string(msg)), "refresh") {
				r.sendSnapshot(context.Background(), client)
			}
		}
	}()
}

// sendSnapshot delivers the initial_locations event to one session. Failures
// degrade to an error event; the viewer falls back to snapshot polling.
func (r *Router) sendSnapshot(ctx context.Context, client ws.Subscriber) {
	payload, err := r.locations.SnapshotEvent(ctx)
	if err != nil {
		r.logger.Warn("snapshot event failed", "error", err)
		if errPayload, merr := ws.MarshalError("snapshot unavailable"); merr == nil {
			_ = client.Send(errPayload)
		}
		return
	}
	_ = client.Send(payload)
}

func (r *Router) handleLocationsSSE(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	hub := r.locations.Hub()
	hub.Register(client)
	defer func() {
		hub.Unregister(client)
		client.Close()
	}()
	r.sendSnapshot(req.Context(), client)

	ticker := time.NewTicker(sseHeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// requireDeviceToken guards ingest routes with a shared device token,
// compared in constant time. An unset token disables the check for
// self-hosted single-user deployments.
func (r *Router) requireDeviceToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.deviceToken == "" {
			next(w, req)
			return
		}
		token := strings.TrimSpace(req.Header.Get("X-Device-Token"))
		if token == "" {
			token = strings.TrimSpace(req.URL.Query().Get("device_token"))
		}
		if len(token) != len(r.deviceToken) || subtle.ConstantTimeCompare([]byte(token), []byte(r.deviceToken)) != 1 {
			r.logger.Warn("device token mismatch", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid device token")
			return
		}
		next(w, req)
	}
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
