package standard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"autotask_engine/internal/apierr"
	"autotask_engine/internal/config"
	"autotask_engine/internal/logbus"
	"autotask_engine/internal/model"
	"autotask_engine/internal/provider"
)

type StandardProvider struct {
	cfg       config.ProviderConfig
	proxyCfg  config.ProxyConfig
	bus       *logbus.Bus
	tokens    provider.TokenSource
	busyCodes map[string]struct{}
}

func New(cfg config.ProviderConfig, proxyCfg config.ProxyConfig, bus *logbus.Bus) *StandardProvider {
	busy := make(map[string]struct{}, len(cfg.BusyCodes))
	for _, c := range cfg.BusyCodes {
		c = strings.TrimSpace(c)
		if c != "" {
			busy[c] = struct{}{}
		}
	}
	return &StandardProvider{
		cfg:       cfg,
		proxyCfg:  proxyCfg,
		bus:       bus,
		busyCodes: busy,
	}
}

func (p *StandardProvider) Name() string { return "standard" }

// SetTokenSource 注入 401 恢复用的 token 来源（auth.Authenticator）。
// provider 和 authenticator 互相依赖，只能由 main 在两者都建好后接线。
func (p *StandardProvider) SetTokenSource(ts provider.TokenSource) {
	p.tokens = ts
}

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
	Code    any             `json:"code,omitempty"`
	Data    json.RawMessage `json:"data"`
}

func (e envelope) errMessage(fallback string) string {
	if e.Error != "" {
		return e.Error
	}
	if e.Message != "" {
		return e.Message
	}
	return fallback
}

func (e envelope) codeString() string {
	if e.Code == nil {
		return ""
	}
	switch v := e.Code.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprint(v)
	}
}

type loginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginData struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// Exchange 直连登录接口换 token，不走 401 重试路径（登录自己 401 没有意义）。
func (p *StandardProvider) Exchange(ctx context.Context, account model.Account) (string, error) {
	client := p.newClient(account, "")

	resp, err := client.R().
		SetContext(ctx).
		SetBody(loginReq{Username: account.Username, Password: account.Password}).
		Post("/api/auth/login")
	if err != nil {
		return "", apierr.Wrap(apierr.KindNetwork, err, "登录请求失败")
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return "", apierr.Wrap(apierr.KindNetwork, err, "登录响应不是合法 JSON")
	}
	if !env.Success {
		return "", apierr.New(apierr.KindAuthFailed, env.errMessage("用户名或密码错误"))
	}
	var data loginData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", apierr.Wrap(apierr.KindNetwork, err, "登录响应解析失败")
	}
	return data.Token, nil
}

func (p *StandardProvider) QueryTickets(ctx context.Context, account model.Account) (provider.TicketList, model.Account, error) {
	raw, updated, err := p.execute(ctx, account, provider.Request{
		Method: http.MethodGet,
		Path:   "/api/ticket/list",
	})
	if err != nil {
		return provider.TicketList{}, model.Account{}, err
	}
	var out provider.TicketList
	if err := json.Unmarshal(raw, &out); err != nil {
		return provider.TicketList{}, model.Account{}, apierr.Wrap(apierr.KindNetwork, err, "票券列表解析失败")
	}
	return out, updated, nil
}

func (p *StandardProvider) SubmitDecision(ctx context.Context, account model.Account, ticketID, choice string) (provider.DecisionResult, model.Account, error) {
	// 这个接口要求 body 里也带 token（历史包袱），重登后客户端会同步替换。
	raw, updated, err := p.execute(ctx, account, provider.Request{
		Method: http.MethodPost,
		Path:   "/api/decision/submit",
		Body: map[string]any{
			"ticketId": ticketID,
			"choice":   choice,
			"token":    account.Token,
		},
		TokenField: "token",
	})
	if err != nil {
		return provider.DecisionResult{}, model.Account{}, err
	}
	var out provider.DecisionResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return provider.DecisionResult{}, model.Account{}, apierr.Wrap(apierr.KindNetwork, err, "决策结果解析失败")
	}
	return out, updated, nil
}

func (p *StandardProvider) StartTraining(ctx context.Context, account model.Account) (provider.TrainingResult, model.Account, error) {
	raw, updated, err := p.execute(ctx, account, provider.Request{
		Method:     http.MethodPost,
		Path:       "/api/training/start",
		Body:       map[string]any{"token": account.Token},
		TokenField: "token",
	})
	if err != nil {
		return provider.TrainingResult{}, model.Account{}, err
	}
	var out provider.TrainingResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return provider.TrainingResult{}, model.Account{}, apierr.Wrap(apierr.KindNetwork, err, "训练结果解析失败")
	}
	return out, updated, nil
}

func (p *StandardProvider) ClaimReward(ctx context.Context, account model.Account) (provider.RewardResult, model.Account, error) {
	raw, updated, err := p.execute(ctx, account, provider.Request{
		Method: http.MethodPost,
		Path:   "/api/reward/claim",
	})
	if err != nil {
		return provider.RewardResult{}, model.Account{}, err
	}
	var out provider.RewardResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return provider.RewardResult{}, model.Account{}, apierr.Wrap(apierr.KindNetwork, err, "奖励结果解析失败")
	}
	return out, updated, nil
}

func (p *StandardProvider) Do(ctx context.Context, account model.Account, req provider.Request) (json.RawMessage, model.Account, error) {
	return p.execute(ctx, account, req)
}

// execute 单次调用的完整恢复逻辑：
//  1. 用账号当前 token 发请求（走账号代理）
//  2. 401 时先查 token 缓存，没有就登录一次，换上新 token 后原样重发一次
//  3. 重发仍 401 或登录失败 → AuthFailed，不再继续（防止重登死循环）
//  4. HTTP 200 但 success=false → Busy / Business，HTTP 成功不等于业务成功
//
// 网络错误直接上抛，这一层不做瞬时故障重试——重试策略属于编排器。
func (p *StandardProvider) execute(ctx context.Context, account model.Account, req provider.Request) (json.RawMessage, model.Account, error) {
	resp, err := p.doOnce(ctx, account, req, account.Token)
	if err != nil {
		return nil, model.Account{}, apierr.Wrap(apierr.KindNetwork, err, "上游请求失败")
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		if p.tokens == nil || !account.CanReauth() {
			return nil, model.Account{}, apierr.New(apierr.KindAuthFailed, "token 失效且无法自动重登")
		}

		token, ok := p.tokens.CachedToken(account.ID)
		if !ok || token == account.Token {
			// 缓存里就是刚被拒绝的 token，先作废再登录
			p.tokens.Invalidate(account.ID)
			refreshed, loginErr := p.tokens.Login(ctx, account)
			if loginErr != nil {
				if apierr.KindOf(loginErr) != "" {
					return nil, model.Account{}, loginErr
				}
				return nil, model.Account{}, apierr.Wrap(apierr.KindAuthFailed, loginErr, "重登失败")
			}
			token = refreshed.Token
		}
		account.Token = token

		resp, err = p.doOnce(ctx, account, req, token)
		if err != nil {
			return nil, model.Account{}, apierr.Wrap(apierr.KindNetwork, err, "上游请求失败（重登后）")
		}
		if resp.StatusCode() == http.StatusUnauthorized {
			return nil, model.Account{}, apierr.New(apierr.KindAuthFailed, "重登后仍返回 401")
		}
	}

	if resp.StatusCode() >= 400 {
		return nil, model.Account{}, apierr.New(apierr.KindNetwork,
			fmt.Sprintf("上游返回 HTTP %d", resp.StatusCode()))
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, model.Account{}, apierr.Wrap(apierr.KindNetwork, err, "上游响应不是合法 JSON")
	}
	if !env.Success {
		code := env.codeString()
		msg := env.errMessage("业务失败")
		if p.isBusy(code, msg) {
			return nil, model.Account{}, apierr.Busy(code, msg)
		}
		return nil, model.Account{}, apierr.Business(code, msg)
	}
	return env.Data, account, nil
}

func (p *StandardProvider) isBusy(code, message string) bool {
	if _, ok := p.busyCodes[code]; ok {
		return true
	}
	// 上游偶尔只在文案里体现“已有进行中的操作”，没有稳定业务码
	return strings.Contains(message, "进行中") || strings.Contains(strings.ToLower(message), "pending operation")
}

func (p *StandardProvider) doOnce(ctx context.Context, account model.Account, req provider.Request, token string) (*resty.Response, error) {
	client := p.newClient(account, token)

	r := client.R().SetContext(ctx)
	if len(req.Query) > 0 {
		r.SetQueryParams(req.Query)
	}
	if req.Body != nil {
		body := req.Body
		if req.TokenField != "" && token != "" {
			// 不动调用方传进来的 map
			body = make(map[string]any, len(req.Body))
			for k, v := range req.Body {
				body[k] = v
			}
			body[req.TokenField] = token
		}
		r.SetBody(body)
	}
	return r.Execute(req.Method, req.Path)
}

func (p *StandardProvider) newClient(account model.Account, token string) *resty.Client {
	client := resty.New().
		SetBaseURL(p.cfg.BaseURL).
		SetTimeout(p.cfg.Timeout()).
		SetRetryCount(p.cfg.Retry.Count).
		SetRetryWaitTime(p.cfg.Retry.Wait()).
		SetRetryMaxWaitTime(p.cfg.Retry.MaxWait())

	proxy := strings.TrimSpace(account.Proxy)
	if proxy == "" {
		proxy = strings.TrimSpace(p.proxyCfg.Global)
	}
	if proxy != "" {
		client.SetProxy(proxy)
	}

	ua := strings.TrimSpace(account.UserAgent)
	if ua == "" {
		ua = p.cfg.UserAgent
	}
	client.SetHeader("User-Agent", ua)
	if token != "" {
		client.SetHeader("Authorization", "Bearer "+token)
	}

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if p.bus != nil {
			p.bus.Log("debug", "http request", map[string]any{
				"method": req.Method,
				"url":    req.URL,
			})
		}
		return nil
	})

	return client
}
