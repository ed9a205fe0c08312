package orchestrator

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Bldg-7/stationd/internal/protocol"
)

// HTTPAPI is the admin and payment-webhook surface. Everything under
// /api/v1 requires the bearer token; health and metrics do not.
type HTTPAPI struct {
	orch          *Orchestrator
	registry      *MachineRegistry
	store         *SessionStore
	reconciler    *PaymentReconciler
	revenue       *RevenueReporter
	auditLogger   *AuditLogger
	healthChecker *HealthChecker
	hub           *Hub
	db            *sql.DB
	authToken     string
	logger        *zap.Logger
}

func NewHTTPAPI(
	orch *Orchestrator,
	registry *MachineRegistry,
	store *SessionStore,
	db *sql.DB,
	authToken string,
	logger *zap.Logger,
) *HTTPAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPAPI{
		orch:      orch,
		registry:  registry,
		store:     store,
		db:        db,
		authToken: authToken,
		logger:    logger,
	}
}

func (a *HTTPAPI) SetPaymentReconciler(r *PaymentReconciler) { a.reconciler = r }
func (a *HTTPAPI) SetRevenueReporter(r *RevenueReporter)     { a.revenue = r }
func (a *HTTPAPI) SetAuditLogger(al *AuditLogger)            { a.auditLogger = al }
func (a *HTTPAPI) SetHealthChecker(hc *HealthChecker)        { a.healthChecker = hc }
func (a *HTTPAPI) SetHub(hub *Hub)                           { a.hub = hub }

func (a *HTTPAPI) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleLiveness)
	mux.HandleFunc("GET /readyz", a.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("GET /api/v1/machines", a.requireAuth(http.HandlerFunc(a.handleListMachines)))
	mux.Handle("GET /api/v1/machines/{id}", a.requireAuth(http.HandlerFunc(a.handleGetMachine)))
	mux.Handle("POST /api/v1/machines", a.requireAuth(http.HandlerFunc(a.handleRegisterMachine)))
	mux.Handle("POST /api/v1/machines/{id}/emergency-stop", a.requireAuth(http.HandlerFunc(a.handleEmergencyStop)))
	mux.Handle("POST /api/v1/machines/{id}/maintenance/complete", a.requireAuth(http.HandlerFunc(a.handleCompleteMaintenance)))
	mux.Handle("GET /api/v1/sessions", a.requireAuth(http.HandlerFunc(a.handleListSessions)))
	mux.Handle("GET /api/v1/sessions/{id}", a.requireAuth(http.HandlerFunc(a.handleGetSession)))
	mux.Handle("POST /api/v1/sessions", a.requireAuth(http.HandlerFunc(a.handleCreateSession)))
	mux.Handle("POST /api/v1/sessions/{id}/stop", a.requireAuth(http.HandlerFunc(a.handleStopSession)))
	mux.Handle("POST /api/v1/payments/webhook", a.requireAuth(http.HandlerFunc(a.handlePaymentWebhook)))
	mux.Handle("GET /api/v1/revenue", a.requireAuth(http.HandlerFunc(a.handleRevenueReport)))
	mux.Handle("GET /api/v1/revenue/{period}", a.requireAuth(http.HandlerFunc(a.handleRevenueReportByPath)))
	mux.Handle("GET /api/v1/audit", a.requireAuth(http.HandlerFunc(a.handleAuditQuery)))
	if a.hub != nil {
		mux.HandleFunc("GET /ws/feed", a.hub.ServeWS)
	}

	return a.withRequestLog(mux)
}

// withRequestLog stamps each request with a correlation ID and logs the
// outcome. Health and metrics probes are logged at debug to keep the scrape
// interval out of the operational log.
func (a *HTTPAPI) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := protocol.WithCorrelationID(r.Context(), uuid.NewString())
		rec := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r.WithContext(ctx))

		logger := protocol.LoggerWithCorrelation(ctx, a.logger)
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		}
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			logger.Debug("http request", fields...)
		default:
			logger.Info("http request", fields...)
		}
	})
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack passes through so the websocket upgrade on /ws/feed still works
// behind the logging wrapper.
func (w *statusCapturingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

type apiResponse struct {
	Data interface{} `json:"data"`
	Meta *apiMeta    `json:"meta,omitempty"`
}

type apiMeta struct {
	Total int `json:"total"`
	Limit int `json:"limit,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (a *HTTPAPI) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}

		if token == "" || token != a.authToken {
			writeError(w, http.StatusUnauthorized, "unauthorized", "AUTH_REQUIRED")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAPI) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if a.healthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
		return
	}

	result := a.healthChecker.CheckLiveness(r.Context())
	status := http.StatusOK
	if result.Status != HealthHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

func (a *HTTPAPI) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if a.healthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	result := a.healthChecker.CheckReadiness(r.Context())
	status := http.StatusOK
	if result.Status != HealthHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

type machineJSON struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Status              MachineStatus `json:"status"`
	PricePerMinute      float64       `json:"price_per_minute"`
	OperatingMinutes    int           `json:"operating_minutes"`
	MaintenanceInterval int           `json:"maintenance_interval"`
	OpenHour            int           `json:"open_hour"`
	CloseHour           int           `json:"close_hour"`
	FirmwareVersion     string        `json:"firmware_version,omitempty"`
	LastHeartbeat       time.Time     `json:"last_heartbeat,omitempty"`
	StatusChangedAt     time.Time     `json:"status_changed_at"`
}

func toMachineJSON(m Machine) machineJSON {
	return machineJSON{
		ID:                  m.ID,
		Name:                m.Name,
		Status:              m.Status,
		PricePerMinute:      m.PricePerMinute,
		OperatingMinutes:    m.OperatingMinutes,
		MaintenanceInterval: m.MaintenanceInterval,
		OpenHour:            m.OpenHour,
		CloseHour:           m.CloseHour,
		FirmwareVersion:     m.FirmwareVersion,
		LastHeartbeat:       m.LastHeartbeat,
		StatusChangedAt:     m.StatusChangedAt,
	}
}

func (a *HTTPAPI) handleListMachines(w http.ResponseWriter, r *http.Request) {
	machines := a.registry.ListMachines()

	status := r.URL.Query().Get("status")
	out := make([]machineJSON, 0, len(machines))
	for _, m := range machines {
		if status != "" && string(m.Status) != status {
			continue
		}
		out = append(out, toMachineJSON(m))
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Data: out,
		Meta: &apiMeta{Total: len(out)},
	})
}

func (a *HTTPAPI) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	machine, err := a.registry.GetMachine(id)
	if err != nil {
		if errors.Is(err, ErrMachineNotFound) {
			writeError(w, http.StatusNotFound, "machine not found", "NOT_FOUND")
			return
		}
		a.logger.Error("get machine failed", zap.String("machine_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Data: toMachineJSON(machine)})
}

type registerMachineRequest struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	PricePerMinute      float64 `json:"price_per_minute"`
	MaintenanceInterval int     `json:"maintenance_interval"`
	OpenHour            int     `json:"open_hour"`
	CloseHour           int     `json:"close_hour"`
}

func (a *HTTPAPI) handleRegisterMachine(w http.ResponseWriter, r *http.Request) {
	var req registerMachineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "id is required", "BAD_REQUEST")
		return
	}

	machine := Machine{
		ID:                  req.ID,
		Name:                req.Name,
		PricePerMinute:      req.PricePerMinute,
		MaintenanceInterval: req.MaintenanceInterval,
		OpenHour:            req.OpenHour,
		CloseHour:           req.CloseHour,
	}
	if err := a.registry.Register(machine); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	registered, err := a.registry.GetMachine(req.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}
	writeJSON(w, http.StatusCreated, apiResponse{Data: toMachineJSON(registered)})
}

func (a *HTTPAPI) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	actor := r.Header.Get("X-Operator")
	if actor == "" {
		actor = "api"
	}

	if err := a.orch.EmergencyStop(r.Context(), id, actor); err != nil {
		if errors.Is(err, ErrMachineNotFound) {
			writeError(w, http.StatusNotFound, "machine not found", "NOT_FOUND")
			return
		}
		a.logger.Error("emergency stop failed", zap.String("machine_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "emergency stop failed", "INTERNAL_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Data: map[string]string{"machine_id": id, "result": "stopped"}})
}

func (a *HTTPAPI) handleCompleteMaintenance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	actor := r.Header.Get("X-Operator")
	if actor == "" {
		actor = "api"
	}

	if err := a.orch.CompleteMaintenance(id, actor); err != nil {
		if errors.Is(err, ErrMachineNotFound) {
			writeError(w, http.StatusNotFound, "machine not found", "NOT_FOUND")
			return
		}
		writeError(w, http.StatusConflict, err.Error(), "CONFLICT")
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Data: map[string]string{"machine_id": id, "result": "online"}})
}

type sessionJSON struct {
	ID              string        `json:"id"`
	MachineID       string        `json:"machine_id"`
	DurationMinutes int           `json:"duration_minutes"`
	Cost            float64       `json:"cost"`
	PaymentMethod   string        `json:"payment_method,omitempty"`
	PaymentRef      string        `json:"payment_ref,omitempty"`
	Status          SessionStatus `json:"status"`
	EndReason       string        `json:"end_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       time.Time     `json:"started_at,omitempty"`
	EndedAt         time.Time     `json:"ended_at,omitempty"`
}

func toSessionJSON(s Session) sessionJSON {
	return sessionJSON{
		ID:              s.ID,
		MachineID:       s.MachineID,
		DurationMinutes: s.DurationMinutes,
		Cost:            s.Cost,
		PaymentMethod:   s.PaymentMethod,
		PaymentRef:      s.PaymentRef,
		Status:          s.Status,
		EndReason:       s.EndReason,
		CreatedAt:       s.CreatedAt,
		StartedAt:       s.StartedAt,
		EndedAt:         s.EndedAt,
	}
}

func (a *HTTPAPI) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	machineID := q.Get("machine_id")
	status := q.Get("status")
	limit := parseIntParam(q.Get("limit"), 100)

	sessions := a.store.List()
	filtered := make([]sessionJSON, 0, len(sessions))
	for _, s := range sessions {
		if machineID != "" && s.MachineID != machineID {
			continue
		}
		if status != "" && string(s.Status) != status {
			continue
		}
		filtered = append(filtered, toSessionJSON(s))
		if len(filtered) >= limit {
			break
		}
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Data: filtered,
		Meta: &apiMeta{Total: len(filtered), Limit: limit},
	})
}

func (a *HTTPAPI) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := a.store.Get(id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found", "NOT_FOUND")
			return
		}
		a.logger.Error("get session failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Data: toSessionJSON(session)})
}

type createSessionRequest struct {
	MachineID       string `json:"machine_id"`
	DurationMinutes int    `json:"duration_minutes"`
	PaymentMethod   string `json:"payment_method"`
	PaymentRef      string `json:"payment_ref"`
}

func (a *HTTPAPI) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	if strings.TrimSpace(req.MachineID) == "" {
		writeError(w, http.StatusBadRequest, "machine_id is required", "BAD_REQUEST")
		return
	}

	session, err := a.orch.CreateSession(req.MachineID, req.DurationMinutes, req.PaymentMethod)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidDuration):
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_DURATION")
		case errors.Is(err, ErrMachineUnavailable):
			writeError(w, http.StatusConflict, err.Error(), "MACHINE_UNAVAILABLE")
		case errors.Is(err, ErrMachineNotFound):
			writeError(w, http.StatusNotFound, "machine not found", "NOT_FOUND")
		default:
			a.logger.Error("create session failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		}
		return
	}

	if req.PaymentRef != "" {
		if err := a.orch.AttachPaymentRef(session.ID, req.PaymentRef); err != nil {
			a.logger.Warn("attach payment ref failed",
				zap.String("session_id", session.ID),
				zap.Error(err),
			)
		}
	}

	writeJSON(w, http.StatusCreated, apiResponse{Data: toSessionJSON(session)})
}

func (a *HTTPAPI) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	actor := r.Header.Get("X-Operator")
	if actor == "" {
		actor = "api"
	}

	if _, err := a.store.Get(id); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found", "NOT_FOUND")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	if err := a.orch.CompleteSession(r.Context(), id, EndReasonOperatorStop); err != nil {
		a.logger.Error("stop session failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stop session failed", "INTERNAL_ERROR")
		return
	}

	if a.auditLogger != nil {
		if err := a.auditLogger.Record(actor, "stop_session", id, "", "ok"); err != nil {
			a.logger.Warn("record audit entry failed", zap.Error(err))
		}
	}

	session, _ := a.store.Get(id)
	writeJSON(w, http.StatusOK, apiResponse{Data: toSessionJSON(session)})
}

func (a *HTTPAPI) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if a.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "payment reconciler unavailable", "SERVICE_UNAVAILABLE")
		return
	}

	var notice PaymentNotice
	if err := json.NewDecoder(r.Body).Decode(&notice); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	if notice.PaymentRef == "" && notice.SessionID == "" {
		writeError(w, http.StatusBadRequest, "payment_ref or session_id is required", "BAD_REQUEST")
		return
	}

	if err := a.reconciler.HandleNotice(r.Context(), notice); err != nil {
		if errors.Is(err, ErrUnmatchedPayment) {
			writeError(w, http.StatusNotFound, "no matching session", "NOT_FOUND")
			return
		}
		a.logger.Error("payment notice handling failed",
			zap.String("payment_ref", notice.PaymentRef),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Data: map[string]string{"result": "processed"}})
}

func (a *HTTPAPI) handleRevenueReport(w http.ResponseWriter, r *http.Request) {
	a.serveRevenueReport(w, strings.ToLower(r.URL.Query().Get("period")))
}

func (a *HTTPAPI) handleRevenueReportByPath(w http.ResponseWriter, r *http.Request) {
	a.serveRevenueReport(w, strings.ToLower(strings.TrimSpace(r.PathValue("period"))))
}

func (a *HTTPAPI) serveRevenueReport(w http.ResponseWriter, period string) {
	if a.revenue == nil {
		writeError(w, http.StatusServiceUnavailable, "revenue reporting unavailable", "SERVICE_UNAVAILABLE")
		return
	}
	if period == "" {
		period = "today"
	}

	report, err := a.revenue.Report(period)
	if err != nil {
		a.logger.Error("revenue report failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Data: report})
}

func (a *HTTPAPI) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if a.auditLogger == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log unavailable", "SERVICE_UNAVAILABLE")
		return
	}

	q := r.URL.Query()
	limit := parseIntParam(q.Get("limit"), 100)

	var (
		entries []AuditEntry
		err     error
	)
	switch {
	case q.Get("action") != "":
		entries, err = a.auditLogger.QueryByAction(q.Get("action"), limit)
	case q.Get("actor") != "":
		entries, err = a.auditLogger.QueryByActor(q.Get("actor"), limit)
	default:
		writeError(w, http.StatusBadRequest, "action or actor query is required", "BAD_REQUEST")
		return
	}
	if err != nil {
		a.logger.Error("audit query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Data: entries,
		Meta: &apiMeta{Total: len(entries), Limit: limit},
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{Error: message, Code: code})
}

func parseIntParam(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}

func StartHTTPServer(addr string, handler http.Handler, logger *zap.Logger) (shutdown func(ctx context.Context) error, err error) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return nil, fmt.Errorf("http server failed to start: %w", err)
	case <-time.After(50 * time.Millisecond):
	}

	return srv.Shutdown, nil
}
