package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"autotask_engine/internal/config"
	"autotask_engine/internal/logbus"
	"autotask_engine/internal/model"
	"autotask_engine/internal/notify"
	"autotask_engine/internal/orchestrator"
	"autotask_engine/internal/provider"
	"autotask_engine/internal/store/sqlite"
	"autotask_engine/internal/ws"
)

type Options struct {
	Cfg      config.Config
	Bus      *logbus.Bus
	Store    *sqlite.Store
	Orch     *orchestrator.Orchestrator
	Provider provider.Provider
	Notifier notify.Notifier
}

type Server struct {
	cfg   config.Config
	bus   *logbus.Bus
	store *sqlite.Store
	orch  *orchestrator.Orchestrator
	prov  provider.Provider
	notif notify.Notifier
	ws    *ws.Handler
}

func New(opts Options) *Server {
	return &Server{
		cfg:   opts.Cfg,
		bus:   opts.Bus,
		store: opts.Store,
		orch:  opts.Orch,
		prov:  opts.Provider,
		notif: opts.Notifier,
		ws:    ws.NewHandler(opts.Bus, opts.Cfg.Server.Cors.AllowOrigins),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/ws", s.ws)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/accounts", s.handleAccounts)
	api.HandleFunc("/api/v1/accounts/verify", s.handleAccountVerify)
	api.HandleFunc("/api/v1/batches/run", s.handleBatchRun)
	api.HandleFunc("/api/v1/batches/cancel", s.handleBatchCancel)
	api.HandleFunc("/api/v1/batches/state", s.handleBatchState)
	api.HandleFunc("/api/v1/batches/results", s.handleBatchResults)
	api.HandleFunc("/api/v1/settings/email", s.handleEmailSettings)
	api.HandleFunc("/api/v1/settings/email/test", s.handleEmailTest)
	api.HandleFunc("/api/v1/settings/limits", s.handleLimitsSettings)
	api.HandleFunc("/api/", s.handleUpstreamProxy)

	mux.Handle("/api/", corsMiddleware(s.cfg.Server.Cors, api))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		accounts, err := s.store.ListAccounts(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		// 密码不回给前端
		for i := range accounts {
			if accounts[i].Password != "" {
				accounts[i].Password = "******"
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": accounts})
	case http.MethodPost:
		type accountUpsertPayload struct {
			ID        string  `json:"id,omitempty"`
			Username  string  `json:"username"`
			Password  *string `json:"password,omitempty"`
			Token     *string `json:"token,omitempty"`
			Proxy     *string `json:"proxy,omitempty"`
			UserAgent *string `json:"userAgent,omitempty"`
			Remark    *string `json:"remark,omitempty"`
		}

		var body accountUpsertPayload
		if err := readJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		username := strings.TrimSpace(body.Username)
		if username == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "username is required"})
			return
		}

		var current model.Account
		if strings.TrimSpace(body.ID) != "" {
			if found, err := s.store.GetAccount(r.Context(), strings.TrimSpace(body.ID)); err == nil {
				current = found
			}
		}
		if strings.TrimSpace(current.ID) == "" {
			if found, err := s.store.GetAccountByUsername(r.Context(), username); err == nil {
				current = found
			}
		}

		next := current
		next.Username = username
		if strings.TrimSpace(body.ID) != "" {
			next.ID = strings.TrimSpace(body.ID)
		}
		if body.Password != nil {
			pw := strings.TrimSpace(*body.Password)
			if pw != "******" {
				next.Password = pw
			}
		}
		if body.Token != nil {
			next.Token = strings.TrimSpace(*body.Token)
		}
		if body.Proxy != nil {
			next.Proxy = strings.TrimSpace(*body.Proxy)
		}
		if body.UserAgent != nil {
			next.UserAgent = strings.TrimSpace(*body.UserAgent)
		}
		if body.Remark != nil {
			next.Remark = strings.TrimSpace(*body.Remark)
		}

		acc, err := s.store.UpsertAccount(r.Context(), next)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if acc.Password != "" {
			acc.Password = "******"
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": acc})
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id is required"})
			return
		}
		if err := s.store.DeleteAccount(r.Context(), id); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type accountVerifyPayload struct {
	ID string `json:"id"`
}

// handleAccountVerify 用一次票据查询验证账号凭证是否可用，401 会触发
// 客户端的自动重登，所以这也顺带验证了用户名/密码。
func (s *Server) handleAccountVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body accountVerifyPayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	acc, err := s.store.GetAccount(r.Context(), strings.TrimSpace(body.ID))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	list, updated, err := s.prov.QueryTickets(ctx, acc)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if updated.Token != "" && updated.Token != acc.Token {
		_ = s.store.UpdateToken(r.Context(), acc.ID, updated.Token)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"ok":      true,
		"tickets": len(list.Tickets),
	}})
}

func (s *Server) handleBatchRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body orchestrator.BatchRequest
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	batchID, err := s.orch.RunBatch(ctx, body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"batchId": batchID}})
}

type batchCancelPayload struct {
	BatchID string `json:"batchId"`
}

func (s *Server) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body batchCancelPayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if strings.TrimSpace(body.BatchID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "batchId is required"})
		return
	}
	if err := s.orch.CancelBatch(strings.TrimSpace(body.BatchID)); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleBatchState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if id := strings.TrimSpace(r.URL.Query().Get("batchId")); id != "" {
		st, ok := s.orch.BatchState(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "批次不存在: " + id})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": st})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.orch.State()})
}

func (s *Server) handleBatchResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	batchID := strings.TrimSpace(r.URL.Query().Get("batchId"))
	if batchID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "batchId is required"})
		return
	}
	results, err := s.store.ListTaskResults(r.Context(), batchID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": results})
}

type emailSettingsPayload struct {
	Enabled  *bool   `json:"enabled,omitempty"`
	Email    *string `json:"email,omitempty"`
	AuthCode *string `json:"authCode,omitempty"`
}

func (s *Server) handleEmailSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		val, ok, err := s.store.GetEmailSettings(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"enabled":  false,
					"email":    "",
					"authCode": "",
				},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": val})
	case http.MethodPost:
		var body emailSettingsPayload
		if err := readJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}

		current, _, err := s.store.GetEmailSettings(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}

		next := current
		if body.Enabled != nil {
			next.Enabled = *body.Enabled
		}
		if body.Email != nil {
			next.Email = strings.TrimSpace(*body.Email)
		}
		if body.AuthCode != nil {
			ac := strings.TrimSpace(*body.AuthCode)
			if ac != "******" {
				next.AuthCode = ac
			}
		}

		saved, err := s.store.UpsertEmailSettings(r.Context(), next)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": saved})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type emailTestPayload struct {
	Email    string `json:"email,omitempty"`
	AuthCode string `json:"authCode,omitempty"`
}

func (s *Server) handleEmailTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body emailTestPayload
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	val, _, err := s.store.GetEmailSettings(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if strings.TrimSpace(body.Email) != "" {
		val.Email = strings.TrimSpace(body.Email)
	}
	if strings.TrimSpace(body.AuthCode) != "" {
		val.AuthCode = strings.TrimSpace(body.AuthCode)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	if err := notify.SendBatchSummaryEmail(ctx, val, []notify.BatchCompletedEvent{{
		At:        time.Now().UnixMilli(),
		BatchID:   "TEST-" + strconv.FormatInt(time.Now().Unix(), 10),
		Type:      model.TaskQueryTickets,
		Total:     1,
		Succeeded: 1,
	}}); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type limitsSettingsPayload struct {
	BatchConcurrency *int `json:"batchConcurrency,omitempty"`
}

func (s *Server) handleLimitsSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		val, ok, err := s.store.GetLimitsSettings(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		if !ok {
			val = s.orch.LimitsSettings()
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": val})
	case http.MethodPost:
		var body limitsSettingsPayload
		if err := readJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}

		current, ok, err := s.store.GetLimitsSettings(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		if !ok {
			current = s.orch.LimitsSettings()
		}

		next := current
		if body.BatchConcurrency != nil {
			next.BatchConcurrency = *body.BatchConcurrency
		}
		if next.BatchConcurrency > 10 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "batchConcurrency is too large"})
			return
		}

		saved, err := s.store.UpsertLimitsSettings(r.Context(), next)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		applied := s.orch.SetLimitsSettings(saved)
		writeJSON(w, http.StatusOK, map[string]any{"data": applied})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleUpstreamProxy 把任意上游接口透传给指定账号的客户端执行。
// 账号由 X-Account-Id 头指定，401 恢复、代理、token 注入都复用客户端逻辑。
func (s *Server) handleUpstreamProxy(w http.ResponseWriter, r *http.Request) {
	// 内部接口不透传
	if strings.HasPrefix(r.URL.Path, "/api/v1/") {
		http.NotFound(w, r)
		return
	}
	if s.prov == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "provider unavailable"})
		return
	}

	accountID := strings.TrimSpace(r.Header.Get("X-Account-Id"))
	if accountID == "" {
		accountID = strings.TrimSpace(r.URL.Query().Get("accountId"))
	}
	if accountID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing X-Account-Id"})
		return
	}
	acc, err := s.store.GetAccount(r.Context(), accountID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}

	var reqBody map[string]any
	if r.Body != nil {
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &reqBody); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "body must be a JSON object"})
				return
			}
		}
	}

	query := map[string]string{}
	for k, vs := range r.URL.Query() {
		if k == "accountId" || len(vs) == 0 {
			continue
		}
		query[k] = vs[0]
	}

	raw, updated, err := s.prov.Do(r.Context(), acc, provider.Request{
		Method:     r.Method,
		Path:       strings.TrimPrefix(r.URL.Path, "/api"),
		Query:      query,
		Body:       reqBody,
		TokenField: strings.TrimSpace(r.Header.Get("X-Token-Field")),
	})
	if updated.Token != "" && updated.Token != acc.Token {
		_ = s.store.UpdateToken(r.Context(), acc.ID, updated.Token)
	}
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}
