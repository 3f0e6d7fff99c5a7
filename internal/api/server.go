package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	apperrors "SolVolume/internal/errors"
	"SolVolume/internal/session"
	"SolVolume/pkg/logger"
)

// Server 负责暴露 REST 接口，供前端驱动会话生命周期。
type Server struct {
	addr    string
	manager *session.Manager
	log     *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, manager *session.Manager) *Server {
	return &Server{addr: addr, manager: manager, log: logger.Named("api")}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/deposit", s.handleCheckDeposit)
	mux.HandleFunc("POST /api/v1/sessions/{id}/start", s.handleStartSession)
	mux.HandleFunc("PUT /api/v1/sessions/{id}/strategy", s.handleUpdateStrategy)
	mux.HandleFunc("POST /api/v1/sessions/{id}/sweep", s.handleSweep)
	mux.HandleFunc("POST /api/v1/sessions/{id}/finalize", s.handleFinalize)
	return s.withRequestID(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// sessionView 是会话的对外表示，绝不暴露任何密钥材料。
type sessionView struct {
	ID             int64   `json:"id"`
	Mint           string  `json:"mint"`
	Strategy       string  `json:"strategy"`
	DepositAddress string  `json:"deposit_address"`
	IsActive       bool    `json:"is_active"`
	TotalVolumeUSD float64 `json:"total_volume_usd"`
	CreatedAt      int64   `json:"created_at"`
}

func viewOf(sess *session.TradingSession) sessionView {
	return sessionView{
		ID:             sess.ID,
		Mint:           sess.Mint,
		Strategy:       string(sess.Strategy),
		DepositAddress: sess.DepositAddress,
		IsActive:       sess.IsActive,
		TotalVolumeUSD: sess.TotalVolumeUSD,
		CreatedAt:      sess.CreatedAt.Unix(),
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account     string `json:"account"`
		DisplayName string `json:"display_name"`
		Mint        string `json:"mint"`
		Strategy    string `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.Account == "" || req.Mint == "" {
		http.Error(w, "account 与 mint 不能为空", http.StatusBadRequest)
		return
	}
	if req.Strategy == "" {
		req.Strategy = string(session.StrategyMedium)
	}

	sess, err := s.manager.CreateSession(r.Context(), req.Account, req.DisplayName, req.Mint, req.Strategy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, viewOf(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	sess, err := s.manager.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if err := s.manager.DeleteSession(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleCheckDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	funded, reason, err := s.manager.CheckDeposit(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"funded": funded,
		"reason": reason,
	})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	var req struct {
		Channel string `json:"channel"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := s.manager.StartTradingSession(r.Context(), id, req.Channel); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"started": true})
}

func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	var req struct {
		Strategy string `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if err := s.manager.UpdateStrategy(r.Context(), id, req.Strategy); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"strategy": req.Strategy})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	var req struct {
		Recipient string `json:"recipient"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if req.Recipient == "" {
		http.Error(w, "recipient 不能为空", http.StatusBadRequest)
		return
	}
	report, err := s.manager.SweepSessionFunds(r.Context(), id, req.Recipient)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"report": report})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if err := s.manager.FinalizeSession(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"finalized": true})
}

func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "非法的会话 id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 把内部错误码映射为 HTTP 状态码。
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.CodeOf(err) {
	case apperrors.CodeNotFound:
		status = http.StatusNotFound
	case apperrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case apperrors.CodeConflict:
		status = http.StatusConflict
	case apperrors.CodeRejected, apperrors.CodeRestricted:
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// withRequestID 为每个请求补充请求号并记录访问日志。
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info("请求处理完成",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"elapsed", time.Since(start).String(),
		)
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
