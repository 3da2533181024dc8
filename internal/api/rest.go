package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devghori1264/greenops/internal/auth"
	gerrors "github.com/devghori1264/greenops/internal/errors"
	"github.com/devghori1264/greenops/internal/metrics"
	"github.com/devghori1264/greenops/internal/models"
	"github.com/devghori1264/greenops/internal/server"
	"github.com/devghori1264/greenops/internal/status"
)

type Handler struct {
	srv       *server.Server
	operators *auth.Operators
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

type ctxKey struct{}

// NewHTTPHandler builds the operator REST API.
func NewHTTPHandler(srv *server.Server, ops *auth.Operators, m *metrics.Metrics, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	h := &Handler{srv: srv, operators: ops, metrics: m, logger: logger}

	r := mux.NewRouter()
	r.Use(h.observe)
	r.HandleFunc("/ping", h.handlePing).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(h.authenticate)
	v1.HandleFunc("/machines", h.handleListMachines).Methods(http.MethodGet)
	v1.HandleFunc("/machines/{id}", h.handleGetMachine).Methods(http.MethodGet)
	v1.HandleFunc("/machines/{id}", h.handleDeleteMachine).Methods(http.MethodDelete)
	v1.HandleFunc("/machines/{id}/notes", h.handleUpdateNotes).Methods(http.MethodPut)
	v1.HandleFunc("/machines/{id}/heartbeats", h.handleListHeartbeats).Methods(http.MethodGet)
	v1.HandleFunc("/machines/{id}/tokens/revoke", h.handleRevokeTokens).Methods(http.MethodPost)
	v1.HandleFunc("/machines/{id}/commands", h.handleIssueCommand).Methods(http.MethodPost)
	v1.HandleFunc("/machines/{id}/commands", h.handleListCommands).Methods(http.MethodGet)
	v1.HandleFunc("/commands/{id}", h.handleGetCommand).Methods(http.MethodGet)
	v1.HandleFunc("/sweep", h.handleSweep).Methods(http.MethodPost)

	return r
}

// statusRecorder captures the response code for the latency histogram.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		h.metrics.RequestDuration.
			WithLabelValues("http", r.Method+" "+route, strconv.Itoa(rec.code)).
			Observe(time.Since(start).Seconds())
	})
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		op, err := h.operators.Authenticate(strings.TrimSpace(token))
		if err != nil {
			h.fail(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, op)))
	})
}

func operatorFrom(r *http.Request) auth.Operator {
	op, _ := r.Context().Value(ctxKey{}).(auth.Operator)
	return op
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"msg": "pong from greenopsd"})
}

func (h *Handler) handleListMachines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.MachineFilter{Search: q.Get("search")}
	if v := q.Get("status"); v != "" {
		st, err := status.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = st
	}
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	filter.Limit = limit

	machines, err := h.srv.ListMachines(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"machines": machines,
		"count":    len(machines),
	})
}

func (h *Handler) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	m, err := h.srv.GetMachine(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleDeleteMachine(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.srv.DeleteMachine(r.Context(), operatorFrom(r), id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (h *Handler) handleUpdateNotes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	m, err := h.srv.UpdateNotes(r.Context(), operatorFrom(r), mux.Vars(r)["id"], req.Notes)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleListHeartbeats(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r.URL.Query().Get("limit"))
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	hbs, err := h.srv.ListHeartbeats(r.Context(), id, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"machine_id": id,
		"heartbeats": hbs,
		"count":      len(hbs),
	})
}

func (h *Handler) handleRevokeTokens(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	n, err := h.srv.RevokeTokens(r.Context(), operatorFrom(r), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"machine_id": id, "revoked": n})
}

func (h *Handler) handleIssueCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IdleThresholdMinutes *int   `json:"idle_threshold_minutes"`
		Notes                string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	threshold := server.DefaultIdleThresholdMinutes
	if req.IdleThresholdMinutes != nil {
		threshold = *req.IdleThresholdMinutes
	}

	cmd, err := h.srv.IssueCommand(r.Context(), operatorFrom(r), server.IssueInput{
		MachineID:            mux.Vars(r)["id"],
		IdleThresholdMinutes: threshold,
		Notes:                req.Notes,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

func (h *Handler) handleListCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	filter := models.CommandFilter{
		MachineID: mux.Vars(r)["id"],
		Status:    models.CommandStatus(q.Get("status")),
		Limit:     limit,
	}
	switch filter.Status {
	case "", models.CommandPending, models.CommandExecuted, models.CommandRejected, models.CommandExpired:
	default:
		writeError(w, http.StatusBadRequest, "unknown command status "+strconv.Quote(string(filter.Status)))
		return
	}

	cmds, err := h.srv.ListCommands(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"machine_id": filter.MachineID,
		"commands":   cmds,
		"count":      len(cmds),
	})
}

func (h *Handler) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.srv.GetCommand(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.srv.TriggerSweep(r.Context(), operatorFrom(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseLimit(w http.ResponseWriter, v string) (int, bool) {
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

var httpStatus = map[gerrors.Code]int{
	gerrors.CodeUnauthorized:  http.StatusUnauthorized,
	gerrors.CodeForbidden:     http.StatusForbidden,
	gerrors.CodeInvalidSample: http.StatusBadRequest,
	gerrors.CodeConflict:      http.StatusConflict,
	gerrors.CodeInvalidState:  http.StatusUnprocessableEntity,
	gerrors.CodeNotFound:      http.StatusNotFound,
	gerrors.CodeInternal:      http.StatusInternalServerError,
}

// fail writes err with the status its code maps to. Internal detail is
// logged, never returned.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	code := gerrors.CodeOf(err)
	st, ok := httpStatus[code]
	if !ok {
		st = http.StatusInternalServerError
	}
	if st >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("code", string(code)), zap.Error(err))
	}
	writeJSON(w, st, map[string]string{"error": gerrors.MessageOf(err), "code": string(code)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
