package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"MCP-PluginHost/internal/audit"
	xerrors "MCP-PluginHost/internal/errors"
	"MCP-PluginHost/internal/observability/metrics"
	"MCP-PluginHost/pkg/plugin"
)

// Server 负责暴露插件生命周期管理的 REST 接口。
type Server struct {
	addr    string
	manager *plugin.Manager
	store   audit.Store
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, manager *plugin.Manager, store audit.Store) *Server {
	return &Server{addr: addr, manager: manager, store: store}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/plugins", s.handlePlugins)
	mux.HandleFunc("/api/v1/plugins/", s.handlePluginDetail)
	mux.HandleFunc("/api/v1/audit", s.handleAudit)
	mux.Handle("/metrics", metrics.Handler())

	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
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

// handlePlugins 返回托管插件的整体状态概览。
func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.fail(w, r, "plugins", "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.manager == nil {
		s.fail(w, r, "plugins", "插件管理器未初始化", http.StatusServiceUnavailable)
		return
	}

	s.writeJSON(w, r, "plugins", s.manager.GetPluginInfo())
}

// handlePluginDetail 按插件名查询状态,或触发 load/unload/reload 操作。
func (s *Server) handlePluginDetail(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		s.fail(w, r, "plugin_detail", "插件管理器未初始化", http.StatusServiceUnavailable)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/plugins/")
	name, action, _ := strings.Cut(rest, "/")
	if name == "" {
		s.fail(w, r, "plugin_detail", "缺少插件名", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handlePluginStatus(w, r, name)
	case r.Method == http.MethodPost:
		s.handlePluginAction(w, r, name, action)
	default:
		s.fail(w, r, "plugin_detail", "仅支持 GET 查询或 POST 操作", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePluginStatus(w http.ResponseWriter, r *http.Request, name string) {
	status := s.manager.GetPluginStatus(name)

	resp := map[string]any{
		"name":   name,
		"status": string(status),
	}
	if active, ok := s.manager.ActivePlugin(name); ok {
		resp["version"] = active.Version
		resp["description"] = active.Description
		resp["priority"] = active.Priority
	}
	if inst, ok := s.manager.IsolatedInstanceOf(name); ok {
		resp["isolation"] = string(inst.Level)
		resp["services"] = inst.Services()
	}

	s.writeJSON(w, r, "plugin_status", resp)
}

func (s *Server) handlePluginAction(w http.ResponseWriter, r *http.Request, name, action string) {
	ctx := r.Context()

	var err error
	switch action {
	case "load":
		err = s.manager.LoadPlugin(ctx, name)
	case "unload":
		err = s.manager.UnloadPlugin(ctx, name)
	case "reload":
		err = s.manager.ReloadPlugin(ctx, name)
	default:
		s.fail(w, r, "plugin_action", "未知的插件操作: "+action, http.StatusBadRequest)
		return
	}
	if err != nil {
		s.fail(w, r, "plugin_action", err.Error(), statusForError(err))
		return
	}

	s.writeJSON(w, r, "plugin_action", map[string]any{
		"name":   name,
		"action": action,
		"status": string(s.manager.GetPluginStatus(name)),
	})
}

// handleAudit 查询生命周期审计记录与汇总统计。
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.fail(w, r, "audit", "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		s.fail(w, r, "audit", "审计存储未初始化", http.StatusServiceUnavailable)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	ctx := r.Context()
	records, err := s.store.List(ctx, limit)
	if err != nil {
		s.fail(w, r, "audit", err.Error(), http.StatusInternalServerError)
		return
	}
	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.fail(w, r, "audit", err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, r, "audit", map[string]any{
		"records": records,
		"stats":   stats,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, handler string, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
	metrics.ObserveHTTPRequest(handler, r.Method, http.StatusOK)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, handler, message string, status int) {
	http.Error(w, message, status)
	metrics.ObserveHTTPRequest(handler, r.Method, status)
}

// statusForError 将统一错误码映射为 HTTP 状态码。
func statusForError(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodePluginNotFound:
		return http.StatusNotFound
	case xerrors.CodeAlreadyLoaded, xerrors.CodeLoadInProgress, xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodePermissionDenied:
		return http.StatusForbidden
	case xerrors.CodeInvalidArgument, xerrors.CodeManifestInvalid:
		return http.StatusBadRequest
	case xerrors.CodeLoadTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	// 包装处理器以检查上下文状态。
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
