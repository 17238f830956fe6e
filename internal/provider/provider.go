package provider

import (
	"context"
	"encoding/json"

	"autotask_engine/internal/model"
)

type Ticket struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Status    string `json:"status"`
	ExpireMs  int64  `json:"expireMs,omitempty"`
	CreatedMs int64  `json:"createdMs,omitempty"`
}

type TicketList struct {
	Tickets []Ticket `json:"tickets"`
	TraceID string   `json:"traceId,omitempty"`
}

type DecisionResult struct {
	Accepted bool   `json:"accepted"`
	TraceID  string `json:"traceId,omitempty"`
}

type TrainingResult struct {
	SessionID string `json:"sessionId,omitempty"`
	FinishMs  int64  `json:"finishMs,omitempty"`
	TraceID   string `json:"traceId,omitempty"`
}

type RewardResult struct {
	Amount  int64  `json:"amount"`
	Kind    string `json:"kind,omitempty"`
	TraceID string `json:"traceId,omitempty"`
}

// Request 透传任意上游接口用的请求描述。Body 带 token 的接口把字段名
// 填到 TokenField，重登后客户端会把新 token 同时写回 header 和 body。
type Request struct {
	Method     string
	Path       string
	Query      map[string]string
	Body       map[string]any
	TokenField string
}

// Provider 所有调用都返回更新后的账号：token 在 401 恢复路径里可能被轮换，
// 由调用方负责落库。
type Provider interface {
	Name() string

	QueryTickets(ctx context.Context, account model.Account) (TicketList, model.Account, error)
	SubmitDecision(ctx context.Context, account model.Account, ticketID, choice string) (DecisionResult, model.Account, error)
	StartTraining(ctx context.Context, account model.Account) (TrainingResult, model.Account, error)
	ClaimReward(ctx context.Context, account model.Account) (RewardResult, model.Account, error)

	Do(ctx context.Context, account model.Account, req Request) (json.RawMessage, model.Account, error)
}

// TokenSource 给客户端在 401 时取 token 用；由 auth.Authenticator 实现。
type TokenSource interface {
	// CachedToken 只在缓存未过期时返回 token。
	CachedToken(accountID string) (string, bool)
	// Login 用账号的用户名/密码换新 token，成功后写缓存并返回轮换后的账号。
	Login(ctx context.Context, account model.Account) (model.Account, error)
	// Invalidate 丢弃某个账号的缓存 token（上游已明确拒绝它）。
	Invalidate(accountID string)
}
