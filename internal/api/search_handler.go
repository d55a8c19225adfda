package api

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"vaultscan/internal/app/scan"
	"vaultscan/internal/domain/nearby"
	"vaultscan/internal/domain/vault"
	applog "vaultscan/internal/platform/log"
)

const maxRequestBody = 1 << 20

// SearchHandler 金库邻近搜索 API 处理器
type SearchHandler struct {
	svc *scan.Service
}

// NewSearchHandler 创建处理器
func NewSearchHandler(svc *scan.Service) *SearchHandler {
	return &SearchHandler{svc: svc}
}

// RegisterRoutes 注册路由
func (h *SearchHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/searches", func(r chi.Router) {
		r.Post("/", h.StartSearch)
		r.Get("/current", h.GetCurrent)
		r.Delete("/current", h.CancelCurrent)
		r.Get("/current/stream", h.StreamCurrent)
		r.Get("/history", h.ListHistory)
	})
	r.Get("/api/v1/collateral-rates", h.GetCollateralRates)
}

// StartSearch 发起搜索，立即返回 202 与初始快照
func (h *SearchHandler) StartSearch(w http.ResponseWriter, r *http.Request) {
	var req scan.StartSearchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	view, err := h.svc.StartSearch(r.Context(), req)
	if err != nil {
		if scan.IsInvalidRequest(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		applog.Error("[API/Search] Failed to start search", "target_id", req.TargetID, "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	applog.Info("[API/Search] Search started",
		"session_id", view.SessionID,
		"target_id", req.TargetID,
		"collateral_type", req.CollateralType,
		"subject", subjectOf(r.Context()),
	)
	writeJSON(w, http.StatusAccepted, view)
}

// GetCurrent 当前会话快照
func (h *SearchHandler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Current(r.Context()))
}

// CancelCurrent 取消当前搜索；无运行中的搜索时 cancelled=false
func (h *SearchHandler) CancelCurrent(w http.ResponseWriter, r *http.Request) {
	cancelled := h.svc.Cancel()
	if cancelled {
		applog.Info("[API/Search] Search cancelled", "subject", subjectOf(r.Context()))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cancelled": cancelled,
		"search":    h.svc.Current(r.Context()),
	})
}

// StreamCurrent 以 SSE 推送当前会话的事件，会话结束后发送 done 并关闭
func (h *SearchHandler) StreamCurrent(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// 先订阅再读取状态，避免错过终态事件
	events, unsubscribe := h.svc.Subscribe(0)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	sess := h.svc.Session()
	sseWriteEvent(w, flusher, "snapshot", h.svc.Current(ctx))
	if sess == nil || sess.State() != nearby.StateRunning {
		sseWriteEvent(w, flusher, "done", h.svc.Current(ctx))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.SessionID != sess.ID {
				continue
			}
			sseWriteEvent(w, flusher, string(evt.Type), h.eventPayload(r, evt))
			if evt.IsTerminal() {
				sseWriteEvent(w, flusher, "done", h.svc.Current(ctx))
				return
			}
		}
	}
}

// ListHistory 最近结束的搜索记录
func (h *SearchHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	runs, err := h.svc.History(r.Context(), limit)
	if err != nil {
		applog.Error("[API/Search] Failed to list history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list search history")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetCollateralRates 各抵押品费率累加器（RAY 精度）
func (h *SearchHandler) GetCollateralRates(w http.ResponseWriter, r *http.Request) {
	rates, err := h.svc.CollateralRates(r.Context())
	if err != nil {
		applog.Error("[API/Rates] Failed to read collateral rates", "error", err)
		writeError(w, http.StatusBadGateway, "failed to read collateral rates")
		return
	}
	writeJSON(w, http.StatusOK, ratesPayload(rates))
}

// eventPayload 记录事件附带金库展示结构，其余事件原样输出
func (h *SearchHandler) eventPayload(r *http.Request, evt nearby.Event) interface{} {
	if evt.Record == nil {
		return evt
	}
	var rates map[string]*big.Int
	if current, err := h.svc.CollateralRates(r.Context()); err == nil {
		rates = current
	}
	views := vault.Views([]nearby.Record{*evt.Record}, rates)
	if len(views) == 0 {
		return evt
	}
	return struct {
		nearby.Event
		Vault vault.View `json:"vault"`
	}{Event: evt, Vault: views[0]}
}

func ratesPayload(rates map[string]*big.Int) map[string]string {
	out := make(map[string]string, len(rates))
	for ilk, rate := range rates {
		if rate == nil {
			continue
		}
		out[ilk] = rate.String()
	}
	return out
}
