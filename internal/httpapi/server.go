// Package httpapi 提供运维管理接口：查看用户引擎状态、手动触发
// 各类轮次、查询订单与持仓。
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"signal-trader-go/infrastructure/logger"
	"signal-trader-go/internal/engine"
	"signal-trader-go/order"
	"signal-trader-go/report"
	"signal-trader-go/store"
)

// Server 管理接口服务
type Server struct {
	supervisor *engine.Supervisor
	repos      store.Repositories
	reports    *report.Builder
	log        *logger.Logger
	router     *mux.Router
}

// NewServer 创建管理接口服务
func NewServer(supervisor *engine.Supervisor, repos store.Repositories, reports *report.Builder, log *logger.Logger) *Server {
	s := &Server{
		supervisor: supervisor,
		repos:      repos,
		reports:    reports,
		log:        log,
		router:     mux.NewRouter(),
	}
	s.routes()
	return s
}

// Handler 返回路由入口
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/users", s.handleListUsers).Methods(http.MethodGet)
	s.router.HandleFunc("/api/users/{userId}/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/users/{userId}/pause", s.handlePause).Methods(http.MethodPost)
	s.router.HandleFunc("/api/users/{userId}/resume", s.handleResume).Methods(http.MethodPost)
	s.router.HandleFunc("/api/users/{userId}/stop", s.handleStop).Methods(http.MethodPost)
	s.router.HandleFunc("/api/users/{userId}/passes/placement", s.handlePlacementPass).Methods(http.MethodPost)
	s.router.HandleFunc("/api/users/{userId}/passes/reconcile", s.handleReconcilePass).Methods(http.MethodPost)
	s.router.HandleFunc("/api/users/{userId}/passes/retry", s.handleRetryPass).Methods(http.MethodPost)
	s.router.HandleFunc("/api/users/{userId}/orders", s.handleOrders).Methods(http.MethodGet)
	s.router.HandleFunc("/api/users/{userId}/retry-queue", s.handleRetryQueue).Methods(http.MethodGet)
	s.router.HandleFunc("/api/users/{userId}/retry-queue/{orderId}", s.handleRemoveFromRetryQueue).Methods(http.MethodDelete)
	s.router.HandleFunc("/api/users/{userId}/positions", s.handlePositions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/users/{userId}/report", s.handleReport).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListUsers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": s.supervisor.UserIDs()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	stats := e.GetStatistics()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":             e.UserID(),
		"state":               e.GetState().String(),
		"start_time":          stats.StartTime,
		"placement_passes":    stats.PlacementPasses,
		"reconcile_passes":    stats.ReconcilePasses,
		"retry_passes":        stats.RetryPasses,
		"exit_passes":         stats.ExitPasses,
		"total_errors":        stats.TotalErrors,
		"last_error_message":  stats.LastErrorMessage,
		"last_reconcile_time": stats.LastReconcileTime,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	if err := e.Pause(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": e.GetState().String()})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	if err := e.Resume(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": e.GetState().String()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	if err := e.Stop(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": e.GetState().String()})
}

func (s *Server) handlePlacementPass(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	started := time.Now()
	if err := e.RunPlacementPass(r.Context()); err != nil {
		s.log.Error("Manual placement pass failed",
			zap.String("user_id", e.UserID()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"elapsed_ms": time.Since(started).Milliseconds(),
	})
}

func (s *Server) handleReconcilePass(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	summary, err := e.RunReconciliationPass(r.Context())
	if err != nil {
		s.log.Error("Manual reconciliation pass failed",
			zap.String("user_id", e.UserID()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRetryPass(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	if err := e.RunRetryPass(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	var (
		list []*order.TrackedOrder
		err  error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		list, err = s.repos.Orders.ListOrdersByStatus(r.Context(), userID, order.Status(status))
	} else {
		list, err = s.repos.Orders.ListActiveOrders(r.Context(), userID)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": list})
}

func (s *Server) handleRetryQueue(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	entries, err := s.repos.RetryQueue.ListEntries(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// handleRemoveFromRetryQueue 人工出队。订单本身保持 RETRY_QUEUED，
// 由运维决定后续处置。
func (s *Server) handleRemoveFromRetryQueue(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, orderID := vars["userId"], vars["orderId"]
	if err := s.repos.RetryQueue.DeleteEntry(r.Context(), userID, orderID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "entry not found: " + orderID})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("Retry queue entry removed",
		zap.String("user_id", userID), zap.String("local_order_id", orderID))
	writeJSON(w, http.StatusOK, map[string]string{"removed": orderID})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	recs, err := s.repos.Positions.ListPositions(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": recs})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	rep, err := s.reports.Build(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) engineFor(w http.ResponseWriter, r *http.Request) (*engine.UserEngine, bool) {
	userID := mux.Vars(r)["userId"]
	e, ok := s.supervisor.Engine(userID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown user: " + userID})
		return nil, false
	}
	return e, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
