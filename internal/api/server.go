package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"fasset-qa/internal/corevault"
	xerrors "fasset-qa/internal/errors"
	"fasset-qa/internal/observability/metrics"
	"fasset-qa/internal/recorder"
	"fasset-qa/internal/task"
	"fasset-qa/internal/web3"
	"fasset-qa/pkg/logger"
)

// Previewer 计算 agent 当前的决策预演。
type Previewer interface {
	Preview(ctx context.Context, agentVault string) (corevault.Preview, error)
}

// Submitter 将 agent 投递到评估队列。
type Submitter interface {
	Submit(ctx context.Context, agentVault string) (string, error)
}

// DecisionLister 查询决策历史。
type DecisionLister interface {
	ListDecisions(ctx context.Context, limit int) ([]recorder.DecisionRecord, error)
}

// HealthChecker 检查链节点连通性。
type HealthChecker interface {
	Snapshots(ctx context.Context) ([]web3.ChainSnapshot, map[string]error)
}

// Server 负责暴露管理接口。
type Server struct {
	addr            string
	shutdownTimeout time.Duration
	previewer       Previewer
	submitter       Submitter
	decisions       DecisionLister
	health          HealthChecker
	metrics         *metrics.Metrics
	guard           func(http.Handler) http.Handler
	logger          *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithPreviewer 配置决策预演。
func WithPreviewer(p Previewer) Option { return func(s *Server) { s.previewer = p } }

// WithSubmitter 配置评估队列。
func WithSubmitter(sub Submitter) Option { return func(s *Server) { s.submitter = sub } }

// WithDecisionLister 配置决策历史来源。
func WithDecisionLister(l DecisionLister) Option { return func(s *Server) { s.decisions = l } }

// WithHealthChecker 配置健康检查。
func WithHealthChecker(h HealthChecker) Option { return func(s *Server) { s.health = h } }

// WithMetrics 配置指标，同时启用 /metrics。
func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithAuth 为 /api/v1 路由加上认证中间件，/healthz 与 /metrics 不受影响。
func WithAuth(guard func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.guard = guard }
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回带指标统计的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/agents/{vault}/decision", s.protect(s.handlePreview))
	mux.Handle("POST /api/v1/agents/{vault}/evaluate", s.protect(s.handleEvaluate))
	mux.Handle("GET /api/v1/decisions", s.protect(s.handleListDecisions))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return s.instrument(mux)
}

func (s *Server) protect(h http.HandlerFunc) http.Handler {
	if s.guard == nil {
		return h
	}
	return s.guard(h)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("管理接口已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// PreviewResponse 是预演结果的 JSON 形式，金额均为十进制字符串。
type PreviewResponse struct {
	AgentVault      string `json:"agent_vault"`
	MintedUBA       string `json:"minted_uba"`
	FreeLots        string `json:"free_collateral_lots"`
	FreeUBA         string `json:"free_uba"`
	TotalUBA        string `json:"total_uba"`
	MintedRatio     string `json:"minted_ratio,omitempty"`
	TransferPending bool   `json:"transfer_pending"`
	ReturnPending   bool   `json:"return_pending"`
	TransferUBA     string `json:"transfer_uba"`
	TransferLots    string `json:"transfer_lots"`
	ReturnUBA       string `json:"return_uba"`
	ReturnLots      string `json:"return_lots"`
}

// NewPreviewResponse 将预演结果转换为 JSON 形式。
func NewPreviewResponse(p corevault.Preview) PreviewResponse {
	return PreviewResponse{
		AgentVault:      p.AgentVault,
		MintedUBA:       intString(p.Info.MintedUBA),
		FreeLots:        intString(p.Info.FreeCollateralLots),
		FreeUBA:         intString(p.FreeUBA),
		TotalUBA:        intString(p.TotalUBA),
		MintedRatio:     corevault.RatioString(p.MintedRatio),
		TransferPending: p.TransferPending,
		ReturnPending:   p.ReturnPending,
		TransferUBA:     intString(p.TransferUBA),
		TransferLots:    intString(p.TransferLots),
		ReturnUBA:       intString(p.ReturnUBA),
		ReturnLots:      intString(p.ReturnLots),
	}
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.previewer == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "决策预演未启用"))
		return
	}
	vault, err := task.NormalizeVault(r.PathValue("vault"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	preview, err := s.previewer.Preview(r.Context(), vault)
	if err != nil {
		s.logger.Warn("决策预演失败", slog.Any("error", err), slog.String("agent_vault", vault))
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, NewPreviewResponse(preview))
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if s.submitter == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "评估队列未启用"))
		return
	}
	vault, err := s.submitter.Submit(r.Context(), r.PathValue("vault"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"agent_vault": vault, "status": "queued"})
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	if s.decisions == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "决策历史未启用"))
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数"))
			return
		}
		limit = min(parsed, 500)
	}
	records, err := s.decisions.ListDecisions(r.Context(), limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if records == nil {
		records = []recorder.DecisionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

type healthResponse struct {
	Status string               `json:"status"`
	Chains []web3.ChainSnapshot `json:"chains,omitempty"`
	Errors map[string]string    `json:"errors,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.health != nil {
		snapshots, errs := s.health.Snapshots(r.Context())
		resp.Chains = snapshots
		if len(errs) > 0 {
			resp.Status = "degraded"
			resp.Errors = make(map[string]string, len(errs))
			for name, err := range errs {
				resp.Errors[name] = err.Error()
			}
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// instrument 记录每个请求的耗时与状态码，按路由模式聚合。
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveHTTPRequest(route, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Code: string(xerrors.CodeOf(err)), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, task.CodeEvaluationValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case corevault.CodeAgentLookup, corevault.CodeLedgerQuery, xerrors.CodeChainFailure:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
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
