package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"autotask_engine/internal/apierr"
	"autotask_engine/internal/config"
	"autotask_engine/internal/logbus"
	"autotask_engine/internal/model"
	"autotask_engine/internal/notify"
	"autotask_engine/internal/provider"
)

// Store 编排器对存储的全部依赖：账号快照、token 落库、结果落库、资格查询。
// *sqlite.Store 满足这个接口。
type Store interface {
	GetAccount(ctx context.Context, id string) (model.Account, error)
	UpdateToken(ctx context.Context, id, token string) error
	RecordTaskResult(ctx context.Context, r model.TaskResult) (model.TaskResult, error)
	HasSucceededSince(ctx context.Context, accountID string, taskType model.TaskType, sinceMs int64) (bool, error)
}

type Options struct {
	Store    Store
	Provider provider.Provider
	Bus      *logbus.Bus
	Notifier notify.Notifier
	Limits   config.LimitsConfig
	Task     config.TaskConfig
}

type BatchRequest struct {
	Type        model.TaskType    `json:"type"`
	AccountIDs  []string          `json:"accountIds"`
	Concurrency int               `json:"concurrency,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
}

type Orchestrator struct {
	store    Store
	provider provider.Provider
	bus      *logbus.Bus
	notifier notify.Notifier

	limits config.LimitsConfig
	task   config.TaskConfig

	globalLimiter *rate.Limiter
	inFlight      chan struct{}

	mu           sync.Mutex
	perLimiter   map[string]*rate.Limiter
	accountLocks map[string]chan struct{}
	active       map[string]string // accountID|taskType -> batchID
	batches      map[string]*batchRun
	closed       bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	limitsSettings limitsSettingsBox
}

type batchRun struct {
	id          string
	typ         model.TaskType
	params      map[string]string
	concurrency int
	ctx         context.Context
	cancel      context.CancelFunc

	mu          sync.Mutex
	states      map[string]*model.TaskState
	order       []model.Account
	ineligible  int
	current     string
	retryTimers map[string]*time.Timer
	cancelled   bool
	notified    bool
}

func New(opts Options) *Orchestrator {
	maxInFlight := opts.Limits.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 20
	}
	globalQPS := opts.Limits.GlobalQPS
	if globalQPS <= 0 {
		globalQPS = 5
	}
	globalBurst := opts.Limits.GlobalBurst
	if globalBurst <= 0 {
		globalBurst = 10
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:         opts.Store,
		provider:      opts.Provider,
		bus:           opts.Bus,
		notifier:      opts.Notifier,
		limits:        opts.Limits,
		task:          opts.Task,
		globalLimiter: rate.NewLimiter(rate.Limit(globalQPS), globalBurst),
		inFlight:      make(chan struct{}, maxInFlight),
		perLimiter:    make(map[string]*rate.Limiter),
		accountLocks:  make(map[string]chan struct{}),
		active:        make(map[string]string),
		batches:       make(map[string]*batchRun),
		rootCtx:       rootCtx,
		rootCancel:    rootCancel,
	}
	o.limitsSettings.store(normalizeLimitsSettings(model.LimitsSettings{
		BatchConcurrency: opts.Limits.BatchConcurrency,
	}))
	return o
}

// RunBatch 校验资格、打乱顺序后异步执行批次，立即返回批次 ID。
// 打乱是刻意的反相关手段：避免每次都按创建顺序碰上游，降低同窗口限流的概率。
func (o *Orchestrator) RunBatch(ctx context.Context, req BatchRequest) (string, error) {
	if !req.Type.Valid() {
		return "", fmt.Errorf("未知任务类型: %q", req.Type)
	}
	if len(req.AccountIDs) == 0 {
		return "", errors.New("accountIds is empty")
	}

	var (
		eligible   []model.Account
		ineligible int
	)
	seen := make(map[string]struct{}, len(req.AccountIDs))
	for _, id := range req.AccountIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		acc, err := o.store.GetAccount(ctx, id)
		if err != nil {
			return "", fmt.Errorf("账号 %s 加载失败: %w", id, err)
		}
		if reason := o.ineligibleReason(ctx, req.Type, acc); reason != "" {
			ineligible++
			if o.bus != nil {
				o.bus.Log("info", "账号不符合执行条件，已跳过", map[string]any{
					"accountId": acc.ID,
					"account":   acc.Label(),
					"type":      string(req.Type),
					"reason":    reason,
				})
			}
			continue
		}
		eligible = append(eligible, acc)
	}
	if len(eligible) == 0 {
		return "", errors.New("没有可执行的账号")
	}

	rand.Shuffle(len(eligible), func(i, j int) {
		eligible[i], eligible[j] = eligible[j], eligible[i]
	})

	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = o.LimitsSettings().BatchConcurrency
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	batchID := uuid.NewString()
	bctx, cancel := context.WithCancel(o.rootCtx)
	b := &batchRun{
		id:          batchID,
		typ:         req.Type,
		params:      req.Params,
		concurrency: concurrency,
		ctx:         bctx,
		cancel:      cancel,
		states:      make(map[string]*model.TaskState, len(eligible)),
		order:       eligible,
		ineligible:  ineligible,
		retryTimers: make(map[string]*time.Timer),
	}
	for _, acc := range eligible {
		b.states[acc.ID] = &model.TaskState{
			AccountID: acc.ID,
			Label:     acc.Label(),
			BatchID:   batchID,
			Type:      req.Type,
			Status:    model.StatusQueued,
		}
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return "", errors.New("orchestrator closed")
	}
	for _, acc := range eligible {
		o.active[activeKey(acc.ID, req.Type)] = batchID
		o.ensureAccountLocked(acc.ID)
	}
	o.batches[batchID] = b
	o.mu.Unlock()

	b.mu.Lock()
	for _, acc := range eligible {
		o.publishTaskStateLocked(*b.states[acc.ID])
	}
	o.publishProgressLocked(b)
	b.mu.Unlock()

	if o.bus != nil {
		o.bus.Log("info", "批次已启动", map[string]any{
			"batchId":     batchID,
			"type":        string(req.Type),
			"total":       len(eligible),
			"ineligible":  ineligible,
			"concurrency": concurrency,
		})
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runBatch(b)
	}()
	return batchID, nil
}

func (o *Orchestrator) runBatch(b *batchRun) {
	if b.concurrency <= 1 {
		for i, acc := range b.order {
			if b.ctx.Err() != nil {
				o.cancelRemaining(b)
				return
			}
			o.runTask(b, acc, false)
			if i < len(b.order)-1 && !o.sleepBetween(b.ctx) {
				o.cancelRemaining(b)
				return
			}
		}
		return
	}

	// 并发模式：启动间隔照样保留，只是多个任务可以同时在飞
	sem := make(chan struct{}, b.concurrency)
	var wg sync.WaitGroup
	for i, acc := range b.order {
		select {
		case <-b.ctx.Done():
			wg.Wait()
			o.cancelRemaining(b)
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(a model.Account) {
			defer wg.Done()
			defer func() { <-sem }()
			o.runTask(b, a, false)
		}(acc)

		if i < len(b.order)-1 && !o.sleepBetween(b.ctx) {
			wg.Wait()
			o.cancelRemaining(b)
			return
		}
	}
	wg.Wait()
}

// runTask 跑单个账号的一次任务（isRetry 表示这是 busy 冷却后的那一次重试）。
func (o *Orchestrator) runTask(b *batchRun, acc model.Account, isRetry bool) {
	if b.ctx.Err() != nil {
		return
	}
	nowMs := time.Now().UnixMilli()
	if !o.setStatus(b, acc.ID, model.StatusExecuting, func(st *model.TaskState) {
		st.AttemptMs = nowMs
		st.ResumeAtMs = 0
	}) {
		return
	}
	o.setCurrent(b, acc.Label())

	if !o.acquireAccount(b.ctx, acc.ID) {
		o.finishTask(b, acc, "", apierr.New(apierr.KindCancelled, "批次已取消"), isRetry)
		return
	}
	defer o.releaseAccount(acc.ID)

	if !o.acquireInFlight(b.ctx) {
		o.finishTask(b, acc, "", apierr.New(apierr.KindCancelled, "批次已取消"), isRetry)
		return
	}
	defer o.releaseInFlight()

	if !o.waitLimits(b.ctx, acc.ID) {
		o.finishTask(b, acc, "", apierr.New(apierr.KindCancelled, "批次已取消"), isRetry)
		return
	}

	// 刷新账号快照，token/代理保持和最近一次落库一致
	if latest, err := o.store.GetAccount(b.ctx, acc.ID); err == nil {
		acc = latest
	}

	// 已经发出去的请求允许跑完：强行中断会让上游账号停在“操作进行中”的
	// 模糊状态，比多等一个请求更糟。
	callCtx := context.WithoutCancel(b.ctx)
	detail, updated, err := o.taskFunc(b.typ)(callCtx, acc, b.params)

	if err == nil && updated.ID != "" && updated.Token != "" && updated.Token != acc.Token {
		if putErr := o.store.UpdateToken(callCtx, acc.ID, updated.Token); putErr != nil {
			if o.bus != nil {
				o.bus.Log("warn", "token 落库失败", map[string]any{
					"accountId": acc.ID,
					"error":     putErr.Error(),
				})
			}
		} else if o.bus != nil {
			o.bus.Log("debug", "token 已轮换并落库", map[string]any{"accountId": acc.ID})
		}
	}

	o.finishTask(b, acc, detail, err, isRetry)
}

// finishTask 把一次执行的结果落成状态迁移：成功、失败、或 busy 转延迟重试。
func (o *Orchestrator) finishTask(b *batchRun, acc model.Account, detail string, err error, isRetry bool) {
	nowMs := time.Now().UnixMilli()

	if err == nil {
		_, _ = o.store.RecordTaskResult(context.WithoutCancel(b.ctx), model.TaskResult{
			BatchID:   b.id,
			AccountID: acc.ID,
			Type:      b.typ,
			Status:    model.StatusSucceeded,
			Detail:    detail,
		})
		o.setStatus(b, acc.ID, model.StatusSucceeded, func(st *model.TaskState) {
			st.Result = detail
			st.Error = ""
			st.DoneMs = nowMs
		})
		o.releaseActive(acc.ID, b.typ)
		if o.bus != nil {
			o.bus.Log("info", "任务成功", map[string]any{
				"batchId":   b.id,
				"accountId": acc.ID,
				"account":   acc.Label(),
				"type":      string(b.typ),
				"detail":    detail,
			})
		}
		return
	}

	if apierr.IsBusy(err) && !isRetry {
		o.scheduleRetry(b, acc)
		return
	}

	reason := err.Error()
	if apierr.IsBusy(err) && isRetry {
		reason = "冷却后重试仍繁忙：" + reason
	}
	_, _ = o.store.RecordTaskResult(context.WithoutCancel(b.ctx), model.TaskResult{
		BatchID:   b.id,
		AccountID: acc.ID,
		Type:      b.typ,
		Status:    model.StatusFailed,
		Detail:    reason,
	})
	o.setStatus(b, acc.ID, model.StatusFailed, func(st *model.TaskState) {
		st.Error = reason
		st.DoneMs = nowMs
	})
	o.releaseActive(acc.ID, b.typ)
	if o.bus != nil {
		o.bus.Log("warn", "任务失败", map[string]any{
			"batchId":   b.id,
			"accountId": acc.ID,
			"account":   acc.Label(),
			"type":      string(b.typ),
			"error":     reason,
		})
	}
}

// scheduleRetry 上游说这个账号已有操作在跑：转入 waiting_retry，挂一个
// 一次性定时器，到点只重跑这个账号。批次主流程立即继续下一个账号。
func (o *Orchestrator) scheduleRetry(b *batchRun, acc model.Account) {
	cooldown := o.task.RetryCooldown()
	resumeAt := time.Now().Add(cooldown).UnixMilli()

	if !o.setStatus(b, acc.ID, model.StatusWaitingRetry, func(st *model.TaskState) {
		st.ResumeAtMs = resumeAt
	}) {
		return
	}
	if o.bus != nil {
		o.bus.Log("info", "上游繁忙，已安排延迟重试", map[string]any{
			"batchId":    b.id,
			"accountId":  acc.ID,
			"account":    acc.Label(),
			"cooldownMs": cooldown.Milliseconds(),
			"resumeAtMs": resumeAt,
		})
	}

	b.mu.Lock()
	if b.cancelled {
		// cancelRemaining 的改状态和置 cancelled 在同一临界区里完成：
		// 走到这里还停在 waiting_retry，说明收尾没碰到这个账号，自己补终态。
		st := b.states[acc.ID]
		stillWaiting := st != nil && st.Status == model.StatusWaitingRetry
		b.mu.Unlock()
		if stillWaiting {
			o.finishTask(b, acc, "", apierr.New(apierr.KindCancelled, "批次已取消"), true)
		}
		return
	}
	b.retryTimers[acc.ID] = time.AfterFunc(cooldown, func() {
		b.mu.Lock()
		delete(b.retryTimers, acc.ID)
		b.mu.Unlock()
		// 定时器回调纳入 wg，Close 会等它；编排器已关则什么都不做
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return
		}
		o.wg.Add(1)
		o.mu.Unlock()
		defer o.wg.Done()
		if b.ctx.Err() != nil {
			return
		}
		o.runTask(b, acc, true)
	})
	b.mu.Unlock()
}

// CancelBatch 不再启动新任务，撤掉所有未触发的重试定时器。
// 已经在飞的请求允许自然结束。
func (o *Orchestrator) CancelBatch(batchID string) error {
	o.mu.Lock()
	b := o.batches[batchID]
	o.mu.Unlock()
	if b == nil {
		return fmt.Errorf("批次不存在: %s", batchID)
	}
	b.cancel()
	o.cancelRemaining(b)
	if o.bus != nil {
		o.bus.Log("info", "批次已取消", map[string]any{"batchId": batchID})
	}
	return nil
}

// cancelRemaining 收尾：queued / waiting_retry 的账号直接判失败（原因=取消），
// executing 的不动，等它自己走到终态。
func (o *Orchestrator) cancelRemaining(b *batchRun) {
	b.mu.Lock()
	if b.cancelled {
		b.mu.Unlock()
		return
	}
	b.cancelled = true
	timers := make([]*time.Timer, 0, len(b.retryTimers))
	for id, t := range b.retryTimers {
		timers = append(timers, t)
		delete(b.retryTimers, id)
	}
	// 改状态和置 cancelled 在同一临界区里完成，scheduleRetry 据此判断
	// 某个账号是否已被收尾，不会出现两边抢同一个账号的情况。
	nowMs := time.Now().UnixMilli()
	var failed []string
	for id, st := range b.states {
		if st.Status == model.StatusQueued || st.Status == model.StatusWaitingRetry {
			st.Status = model.StatusFailed
			st.Error = "批次已取消"
			st.DoneMs = nowMs
			o.publishTaskStateLocked(*st)
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		o.publishProgressLocked(b)
	}
	b.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, id := range failed {
		_, _ = o.store.RecordTaskResult(context.WithoutCancel(b.ctx), model.TaskResult{
			BatchID:   b.id,
			AccountID: id,
			Type:      b.typ,
			Status:    model.StatusFailed,
			Detail:    "批次已取消",
		})
		o.releaseActive(id, b.typ)
	}
	o.maybeNotifyDone(b)
}

func (o *Orchestrator) State() []model.BatchState {
	o.mu.Lock()
	batches := make([]*batchRun, 0, len(o.batches))
	for _, b := range o.batches {
		batches = append(batches, b)
	}
	o.mu.Unlock()

	out := make([]model.BatchState, 0, len(batches))
	for _, b := range batches {
		out = append(out, b.snapshot())
	}
	return out
}

func (o *Orchestrator) BatchState(batchID string) (model.BatchState, bool) {
	o.mu.Lock()
	b := o.batches[batchID]
	o.mu.Unlock()
	if b == nil {
		return model.BatchState{}, false
	}
	return b.snapshot(), true
}

func (b *batchRun) snapshot() model.BatchState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := model.BatchState{Progress: b.progressLocked()}
	for _, st := range b.states {
		out.Tasks = append(out.Tasks, *st)
	}
	return out
}

// Close 取消所有批次并等待在飞任务结束。
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	batches := make([]*batchRun, 0, len(o.batches))
	for _, b := range o.batches {
		batches = append(batches, b)
	}
	o.mu.Unlock()

	o.rootCancel()
	for _, b := range batches {
		o.cancelRemaining(b)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if o.bus != nil {
			o.bus.Log("info", "编排器已停止", nil)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- 状态迁移与进度 ---

// setStatus 所有状态变化的唯一入口：迁移表校验 + 事件发布。
// 非法迁移说明有编排 bug，记日志并拒绝，绝不静默改状态。
func (o *Orchestrator) setStatus(b *batchRun, accountID string, next model.TaskStatus, mutate func(*model.TaskState)) bool {
	b.mu.Lock()
	st := b.states[accountID]
	if st == nil {
		b.mu.Unlock()
		return false
	}
	if !st.Status.CanTransition(next) {
		prev := st.Status
		b.mu.Unlock()
		if o.bus != nil {
			o.bus.Log("error", "非法状态迁移，已拒绝", map[string]any{
				"batchId":   b.id,
				"accountId": accountID,
				"from":      string(prev),
				"to":        string(next),
			})
		}
		return false
	}
	st.Status = next
	if mutate != nil {
		mutate(st)
	}
	o.publishTaskStateLocked(*st)
	o.publishProgressLocked(b)
	b.mu.Unlock()

	o.maybeNotifyDone(b)
	return true
}

// maybeNotifyDone 批次首次到达终态时发完成通知，并安排保留期满后的
// 内存淘汰。notified 标记保证只触发一次。
func (o *Orchestrator) maybeNotifyDone(b *batchRun) {
	b.mu.Lock()
	prog := b.progressLocked()
	fire := prog.Done && !b.notified
	if fire {
		b.notified = true
	}
	b.mu.Unlock()
	if !fire {
		return
	}

	if o.bus != nil {
		o.bus.Log("info", "批次完成", map[string]any{
			"batchId":   b.id,
			"type":      string(b.typ),
			"succeeded": prog.Succeeded,
			"failed":    prog.Failed,
		})
	}
	if o.notifier != nil {
		o.notifier.NotifyBatchCompleted(context.WithoutCancel(b.ctx), notify.BatchCompletedEvent{
			At:           time.Now().UnixMilli(),
			BatchID:      b.id,
			Type:         b.typ,
			Total:        prog.Total,
			Succeeded:    prog.Succeeded,
			Failed:       prog.Failed,
			WaitingRetry: prog.WaitingRetry,
			Ineligible:   prog.Ineligible,
		})
	}
	time.AfterFunc(o.task.BatchRetention(), func() {
		o.evictBatch(b)
	})
}

// evictBatch 终态批次保留期满后从内存整体淘汰，连带清掉不再被任何
// 活跃任务引用的账号限流器和账号锁。持久记录仍在 task_results 表里。
func (o *Orchestrator) evictBatch(b *batchRun) {
	o.mu.Lock()
	if o.batches[b.id] != b {
		o.mu.Unlock()
		return
	}
	delete(o.batches, b.id)
	for _, acc := range b.order {
		if o.accountReferencedLocked(acc.ID) {
			continue
		}
		delete(o.perLimiter, acc.ID)
		delete(o.accountLocks, acc.ID)
	}
	o.mu.Unlock()
	b.cancel()
}

func (o *Orchestrator) accountReferencedLocked(accountID string) bool {
	prefix := accountID + "|"
	for key := range o.active {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (b *batchRun) progressLocked() model.BatchProgress {
	prog := model.BatchProgress{
		BatchID:        b.id,
		Type:           b.typ,
		Total:          len(b.states),
		Ineligible:     b.ineligible,
		CurrentAccount: b.current,
	}
	for _, st := range b.states {
		switch st.Status {
		case model.StatusSucceeded:
			prog.Succeeded++
		case model.StatusFailed:
			prog.Failed++
		case model.StatusWaitingRetry:
			prog.WaitingRetry++
		}
	}
	prog.Completed = prog.Succeeded + prog.Failed
	prog.Done = prog.Total > 0 && prog.Completed == prog.Total
	return prog
}

func (o *Orchestrator) publishTaskStateLocked(st model.TaskState) {
	if o.bus != nil {
		o.bus.Publish("task_state", st)
	}
}

func (o *Orchestrator) publishProgressLocked(b *batchRun) {
	if o.bus != nil {
		o.bus.Publish("batch_progress", b.progressLocked())
	}
}

func (o *Orchestrator) setCurrent(b *batchRun, label string) {
	b.mu.Lock()
	b.current = label
	o.publishProgressLocked(b)
	b.mu.Unlock()
}

// --- 限流与并发控制 ---

func (o *Orchestrator) sleepBetween(ctx context.Context) bool {
	d := o.task.InterTaskDelay()
	if j := o.task.Jitter(); j > 0 {
		d += time.Duration(rand.Int63n(int64(j) + 1))
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) acquireInFlight(ctx context.Context) bool {
	select {
	case o.inFlight <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) releaseInFlight() {
	select {
	case <-o.inFlight:
	default:
	}
}

func (o *Orchestrator) ensureAccountLocked(accountID string) {
	perQPS := o.limits.PerAccountQPS
	if perQPS <= 0 {
		perQPS = 1
	}
	perBurst := o.limits.PerAccountBurst
	if perBurst <= 0 {
		perBurst = 2
	}
	if o.perLimiter[accountID] == nil {
		o.perLimiter[accountID] = rate.NewLimiter(rate.Limit(perQPS), perBurst)
	}
	if o.accountLocks[accountID] == nil {
		o.accountLocks[accountID] = make(chan struct{}, 1)
	}
}

func (o *Orchestrator) acquireAccount(ctx context.Context, accountID string) bool {
	o.mu.Lock()
	lock := o.accountLocks[accountID]
	o.mu.Unlock()
	if lock == nil {
		return true
	}
	select {
	case lock <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) releaseAccount(accountID string) {
	o.mu.Lock()
	lock := o.accountLocks[accountID]
	o.mu.Unlock()
	if lock == nil {
		return
	}
	select {
	case <-lock:
	default:
	}
}

func (o *Orchestrator) waitLimits(ctx context.Context, accountID string) bool {
	if err := o.globalLimiter.Wait(ctx); err != nil {
		return false
	}
	o.mu.Lock()
	limiter := o.perLimiter[accountID]
	o.mu.Unlock()
	if limiter == nil {
		return true
	}
	return limiter.Wait(ctx) == nil
}

func activeKey(accountID string, typ model.TaskType) string {
	return accountID + "|" + string(typ)
}

func (o *Orchestrator) releaseActive(accountID string, typ model.TaskType) {
	o.mu.Lock()
	delete(o.active, activeKey(accountID, typ))
	o.mu.Unlock()
}
