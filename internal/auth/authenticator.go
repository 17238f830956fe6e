package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"autotask_engine/internal/apierr"
	"autotask_engine/internal/logbus"
	"autotask_engine/internal/model"
)

// Exchanger 把用户名/密码（经账号代理）换成新 token，由 provider 实现。
type Exchanger interface {
	Exchange(ctx context.Context, account model.Account) (token string, err error)
}

type cacheEntry struct {
	token    string
	issuedAt time.Time
}

// Authenticator 持有唯一的 token 缓存。缓存只在进程内存活：
// 进程重启后重新登录一次是安全的，不值得落盘。
type Authenticator struct {
	exchanger Exchanger
	bus       *logbus.Bus
	ttl       time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
	locks map[string]*sync.Mutex

	now func() time.Time
}

func New(exchanger Exchanger, ttl time.Duration, bus *logbus.Bus) *Authenticator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Authenticator{
		exchanger: exchanger,
		bus:       bus,
		ttl:       ttl,
		cache:     make(map[string]cacheEntry),
		locks:     make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

// CachedToken 过期即作废，逼调用方走一次真实登录。短窗口内多个任务同时
// 发现 token 失效时，靠这个缓存避免把登录接口打爆。
func (a *Authenticator) CachedToken(accountID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.cache[accountID]
	if !ok {
		return "", false
	}
	if a.now().Sub(entry.issuedAt) >= a.ttl {
		delete(a.cache, accountID)
		return "", false
	}
	return entry.token, true
}

// Login 同一账号串行登录；拿到锁后先复查缓存，并发发现 401 的任务里
// 只有第一个真正调登录接口。
func (a *Authenticator) Login(ctx context.Context, account model.Account) (model.Account, error) {
	if !account.CanReauth() {
		return model.Account{}, apierr.New(apierr.KindAuthFailed, "账号缺少用户名/密码，无法自动重登")
	}

	lock := a.accountLock(account.ID)
	lock.Lock()
	defer lock.Unlock()

	if token, ok := a.CachedToken(account.ID); ok && token != account.Token {
		account.Token = token
		return account, nil
	}

	token, err := a.exchanger.Exchange(ctx, account)
	if err != nil {
		if a.bus != nil {
			a.bus.Log("warn", "登录失败", map[string]any{
				"accountId": account.ID,
				"error":     err.Error(),
			})
		}
		return model.Account{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return model.Account{}, apierr.New(apierr.KindAuthFailed, "登录返回空 token")
	}

	a.mu.Lock()
	a.cache[account.ID] = cacheEntry{token: token, issuedAt: a.now()}
	a.mu.Unlock()

	if a.bus != nil {
		a.bus.Log("info", "登录成功，token 已轮换", map[string]any{"accountId": account.ID})
	}
	account.Token = token
	return account, nil
}

// Invalidate 上游明确拒绝缓存里的 token 时调用，避免把坏 token 再发一次。
func (a *Authenticator) Invalidate(accountID string) {
	a.mu.Lock()
	delete(a.cache, accountID)
	a.mu.Unlock()
}

func (a *Authenticator) accountLock(accountID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[accountID] = lock
	}
	return lock
}
