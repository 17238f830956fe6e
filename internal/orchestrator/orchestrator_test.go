package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autotask_engine/internal/apierr"
	"autotask_engine/internal/config"
	"autotask_engine/internal/model"
	"autotask_engine/internal/notify"
	"autotask_engine/internal/provider"
)

type fakeStore struct {
	mu       sync.Mutex
	accounts map[string]model.Account
	results  []model.TaskResult
	tokens   map[string]string
	trained  map[string]bool
}

func newFakeStore(accounts ...model.Account) *fakeStore {
	s := &fakeStore{
		accounts: make(map[string]model.Account),
		tokens:   make(map[string]string),
		trained:  make(map[string]bool),
	}
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return s
}

func (s *fakeStore) GetAccount(_ context.Context, id string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return model.Account{}, fmt.Errorf("account not found: %s", id)
	}
	return acc, nil
}

func (s *fakeStore) UpdateToken(_ context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.accounts[id]
	acc.Token = token
	s.accounts[id] = acc
	s.tokens[id] = token
	return nil
}

func (s *fakeStore) RecordTaskResult(_ context.Context, r model.TaskResult) (model.TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return r, nil
}

func (s *fakeStore) HasSucceededSince(_ context.Context, accountID string, _ model.TaskType, _ int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trained[accountID], nil
}

func (s *fakeStore) resultsFor(accountID string) []model.TaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TaskResult
	for _, r := range s.results {
		if r.AccountID == accountID {
			out = append(out, r)
		}
	}
	return out
}

// fakeProvider 按账号返回预置错误序列，耗尽后成功。
type fakeProvider struct {
	mu       sync.Mutex
	errs     map[string][]error
	attempts map[string]int32
	rotate   map[string]string
	block    chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		errs:     make(map[string][]error),
		attempts: make(map[string]int32),
		rotate:   make(map[string]string),
	}
}

func (p *fakeProvider) call(acc model.Account) (model.Account, error) {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	p.attempts[acc.ID]++
	var err error
	if q := p.errs[acc.ID]; len(q) > 0 {
		err = q[0]
		p.errs[acc.ID] = q[1:]
	}
	if tok := p.rotate[acc.ID]; tok != "" {
		acc.Token = tok
	}
	p.mu.Unlock()
	return acc, err
}

func (p *fakeProvider) attemptCount(id string) int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[id]
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) QueryTickets(_ context.Context, acc model.Account) (provider.TicketList, model.Account, error) {
	updated, err := p.call(acc)
	return provider.TicketList{}, updated, err
}

func (p *fakeProvider) SubmitDecision(_ context.Context, acc model.Account, _, _ string) (provider.DecisionResult, model.Account, error) {
	updated, err := p.call(acc)
	return provider.DecisionResult{Accepted: true}, updated, err
}

func (p *fakeProvider) StartTraining(_ context.Context, acc model.Account) (provider.TrainingResult, model.Account, error) {
	updated, err := p.call(acc)
	return provider.TrainingResult{SessionID: "tr_1"}, updated, err
}

func (p *fakeProvider) ClaimReward(_ context.Context, acc model.Account) (provider.RewardResult, model.Account, error) {
	updated, err := p.call(acc)
	return provider.RewardResult{Amount: 100}, updated, err
}

func (p *fakeProvider) Do(_ context.Context, acc model.Account, _ provider.Request) (json.RawMessage, model.Account, error) {
	updated, err := p.call(acc)
	return json.RawMessage(`{}`), updated, err
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.BatchCompletedEvent
}

func (n *fakeNotifier) NotifyBatchCompleted(_ context.Context, evt notify.BatchCompletedEvent) {
	n.mu.Lock()
	n.events = append(n.events, evt)
	n.mu.Unlock()
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func testOptions(store Store, prov provider.Provider) Options {
	return Options{
		Store:    store,
		Provider: prov,
		Limits:   config.LimitsConfig{MaxInFlight: 10, GlobalQPS: 1000, GlobalBurst: 100, PerAccountQPS: 1000, PerAccountBurst: 100},
		Task:     config.TaskConfig{InterTaskDelayMs: 1, JitterMs: 1, RetryCooldownMs: 30, BatchRetentionMs: 60_000},
	}
}

func waitDone(t *testing.T, o *Orchestrator, batchID string) model.BatchState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, ok := o.BatchState(batchID)
		require.True(t, ok)
		if st.Progress.Done {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("批次未在规定时间内完成")
	return model.BatchState{}
}

func account(id string) model.Account {
	return model.Account{ID: id, Username: "user_" + id, Password: "pw", Token: "tok_" + id}
}

func TestRunBatchAllSucceed(t *testing.T) {
	store := newFakeStore(account("a"), account("b"), account("c"))
	prov := newFakeProvider()
	notif := &fakeNotifier{}
	opts := testOptions(store, prov)
	opts.Notifier = notif
	o := New(opts)
	defer o.Close(context.Background())

	batchID, err := o.RunBatch(context.Background(), BatchRequest{
		Type:       model.TaskQueryTickets,
		AccountIDs: []string{"a", "b", "c"},
	})
	require.NoError(t, err)

	st := waitDone(t, o, batchID)
	require.Equal(t, 3, st.Progress.Total)
	require.Equal(t, 3, st.Progress.Succeeded)
	require.Equal(t, 0, st.Progress.Failed)
	for _, task := range st.Tasks {
		require.Equal(t, model.StatusSucceeded, task.Status)
	}

	require.Eventually(t, func() bool { return notif.count() == 1 },
		time.Second, 10*time.Millisecond, "批次完成应只通知一次")
}

func TestBusyThenRetrySucceeds(t *testing.T) {
	store := newFakeStore(account("a"))
	prov := newFakeProvider()
	prov.errs["a"] = []error{apierr.Busy("OP_PENDING", "已有训练进行中")}
	o := New(testOptions(store, prov))
	defer o.Close(context.Background())

	batchID, err := o.RunBatch(context.Background(), BatchRequest{
		Type:       model.TaskRunTraining,
		AccountIDs: []string{"a"},
	})
	require.NoError(t, err)

	// 第一次 busy 后应先看到 waiting_retry
	require.Eventually(t, func() bool {
		st, _ := o.BatchState(batchID)
		return len(st.Tasks) == 1 && st.Tasks[0].Status == model.StatusWaitingRetry
	}, time.Second, 2*time.Millisecond)

	st := waitDone(t, o, batchID)
	require.Equal(t, 1, st.Progress.Succeeded)
	require.Equal(t, int32(2), prov.attemptCount("a"))
}

func TestBusyTwiceFails(t *testing.T) {
	store := newFakeStore(account("a"))
	prov := newFakeProvider()
	prov.errs["a"] = []error{
		apierr.Busy("OP_PENDING", "已有训练进行中"),
		apierr.Busy("OP_PENDING", "已有训练进行中"),
	}
	o := New(testOptions(store, prov))
	defer o.Close(context.Background())

	batchID, err := o.RunBatch(context.Background(), BatchRequest{
		Type:       model.TaskRunTraining,
		AccountIDs: []string{"a"},
	})
	require.NoError(t, err)

	st := waitDone(t, o, batchID)
	require.Equal(t, 1, st.Progress.Failed)
	// 延迟重试只给一次机会
	require.Equal(t, int32(2), prov.attemptCount("a"))
	results := store.resultsFor("a")
	require.Len(t, results, 1)
	require.Equal(t, model.StatusFailed, results[0].Status)
}

func TestBusinessErrorFailsWithoutRetry(t *testing.T) {
	store := newFakeStore(account("a"))
	prov := newFakeProvider()
	prov.errs["a"] = []error{apierr.Business("40013", "余额不足")}
	o := New(testOptions(store, prov))
	defer o.Close(context.Background())

	batchID, err := o.RunBatch(context.Background(), BatchRequest{
		Type:       model.TaskQueryTickets,
		AccountIDs: []string{"a"},
	})
	require.NoError(t, err)

	st := waitDone(t, o, batchID)
	require.Equal(t, 1, st.Progress.Failed)
	require.Equal(t, int32(1), prov.attemptCount("a"))
}

func TestCancelBatchStopsPendingRetry(t *testing.T) {
	store := newFakeStore(account("a"), account("b"))
	prov := newFakeProvider()
	prov.errs["a"] = []error{apierr.Busy("OP_PENDING", "已有训练进行中")}
	opts := testOptions(store, prov)
	opts.Task.RetryCooldownMs = 60_000 // 重试排在很远的将来
	o := New(opts)
	defer o.Close(context.Background())

	batchID, err := o.RunBatch(context.Background(), BatchRequest{
		Type:       model.TaskRunTraining,
		AccountIDs: []string{"a", "b"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := o.BatchState(batchID)
		waiting := 0
		for _, task := range st.Tasks {
			if task.Status == model.StatusWaitingRetry {
				waiting++
			}
		}
		return waiting == 1
	}, 2*time.Second, 2*time.Millisecond)

	require.NoError(t, o.CancelBatch(batchID))

	st := waitDone(t, o, batchID)
	require.Equal(t, 0, st.Progress.WaitingRetry)
	// 等一段确认定时器确实被撤掉，没有偷偷重试
	attempts := prov.attemptCount("a")
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, attempts, prov.attemptCount("a"))

	// 被取消收尾的账号也要有恰好一条可追溯的失败记录
	results := store.resultsFor("a")
	require.Len(t, results, 1)
	require.Equal(t, model.StatusFailed, results[0].Status)
	require.Contains(t, results[0].Detail, "取消")
}

func TestBatchEvictedAfterRetention(t *testing.T) {
	store := newFakeStore(account("a"))
	prov := newFakeProvider()
	opts := testOptions(store, prov)
	opts.Task.BatchRetentionMs = 30
	o := New(opts)
	defer o.Close(context.Background())

	batchID, err := o.RunBatch(context.Background(), BatchRequest{
		Type:       model.TaskQueryTickets,
		AccountIDs: []string{"a"},
	})
	require.NoError(t, err)

	// 终态后保留期一过，批次状态应从内存整体消失
	require.Eventually(t, func() bool {
		_, ok := o.BatchState(batchID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, o.State())

	o.mu.Lock()
	defer o.mu.Unlock()
	require.Empty(t, o.batches)
	require.Empty(t, o.perLimiter, "限流器不应随批次累积")
	require.Empty(t, o.accountLocks, "账号锁不应随批次累积")

	// 落库结果不受内存淘汰影响
	require.Len(t, store.resultsFor("a"), 1)
}

func TestCloseWaitsForFiredRetry(t *testing.T) {
	store := newFakeStore(account("a"))
	prov := newFakeProvider()
	prov.errs["a"] = []error{apierr.Busy("OP_PENDING", "已有训练进行中")}
	opts := testOptions(store, prov)
	opts.Task.RetryCooldownMs = 20
	o := New(opts)

	_, err := o.RunBatch(context.Background(), BatchRequest{
		Type:       model.TaskRunTraining,
		AccountIDs: []string{"a"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		states := o.State()
		return len(states) == 1 && states[0].Progress.WaitingRetry == 1
	}, time.Second, 2*time.Millisecond)

	// 贴着冷却窗口关停，重试回调可能正好在触发
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, o.Close(context.Background()))

	// Close 返回后不允许再有任何落库或上游调用
	resultCount := len(store.resultsFor("a"))
	attempts := prov.attemptCount("a")
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, resultCount, len(store.resultsFor("a")))
	require.Equal(t, attempts, prov.attemptCount("a"))
}

func TestCancelUnknownBatch(t *testing.T) {
	o := New(testOptions(newFakeStore(), newFakeProvider()))
	defer o.Close(context.Background())
	require.Error(t, o.CancelBatch("nope"))
}

func TestClaimRewardRequiresTraining(t *testing.T) {
	store := newFakeStore(account("a"), account("b"))
	store.trained["b"] = true
	prov := newFakeProvider()
	o := New(testOptions(store, prov))
	defer o.Close(context.Background())

	batchID, err := o.RunBatch(context.Background(), BatchRequest{
		Type:       model.TaskClaimReward,
		AccountIDs: []string{"a", "b"},
	})
	require.NoError(t, err)

	st := waitDone(t, o, batchID)
	require.Equal(t, 1, st.Progress.Total, "未训练的账号应被资格检查剔除")
	require.Equal(t, 1, st.Progress.Ineligible)
	require.Equal(t, int32(0), prov.attemptCount("a"))
	require.Equal(t, int32(1), prov.attemptCount("b"))
}

func TestClaimRewardAllIneligible(t *testing.T) {
	store := newFakeStore(account("a"))
	o := New(testOptions(store, newFakeProvider()))
	defer o.Close(context.Background())

	_, err := o.RunBatch(context.Background(), BatchRequest{
		Type:       model.TaskClaimReward,
		AccountIDs: []string{"a"},
	})
	require.Error(t, err)
}

func TestTokenRotationPersisted(t *testing.T) {
	store := newFakeStore(account("a"))
	prov := newFakeProvider()
	prov.rotate["a"] = "tok_rotated"
	o := New(testOptions(store, prov))
	defer o.Close(context.Background())

	batchID, err := o.RunBatch(context.Background(), BatchRequest{
		Type:       model.TaskQueryTickets,
		AccountIDs: []string{"a"},
	})
	require.NoError(t, err)
	waitDone(t, o, batchID)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, "tok_rotated", store.tokens["a"], "轮换后的 token 必须落库")
}

func TestRunBatchValidation(t *testing.T) {
	o := New(testOptions(newFakeStore(), newFakeProvider()))
	defer o.Close(context.Background())

	_, err := o.RunBatch(context.Background(), BatchRequest{Type: "never", AccountIDs: []string{"a"}})
	require.Error(t, err)

	_, err = o.RunBatch(context.Background(), BatchRequest{Type: model.TaskQueryTickets})
	require.Error(t, err)

	_, err = o.RunBatch(context.Background(), BatchRequest{Type: model.TaskQueryTickets, AccountIDs: []string{"missing"}})
	require.Error(t, err)
}

func TestDuplicateAccountRejectedWhileActive(t *testing.T) {
	store := newFakeStore(account("a"))
	prov := newFakeProvider()
	prov.block = make(chan struct{})
	o := New(testOptions(store, prov))
	defer func() {
		close(prov.block)
		_ = o.Close(context.Background())
	}()

	_, err := o.RunBatch(context.Background(), BatchRequest{
		Type:       model.TaskQueryTickets,
		AccountIDs: []string{"a"},
	})
	require.NoError(t, err)

	// 同账号同类型还在跑，第二个批次不应接受它
	_, err = o.RunBatch(context.Background(), BatchRequest{
		Type:       model.TaskQueryTickets,
		AccountIDs: []string{"a"},
	})
	require.Error(t, err)
}

func TestConcurrentBatchRespectsLimit(t *testing.T) {
	store := newFakeStore(account("a"), account("b"), account("c"), account("d"))
	prov := newFakeProvider()
	var inFlight, peak int32

	// 用探针统计同时在飞的任务数
	probe := &probeProvider{fakeProvider: prov, inFlight: &inFlight, peak: &peak}
	o := New(testOptions(store, probe))
	defer o.Close(context.Background())

	batchID, err := o.RunBatch(context.Background(), BatchRequest{
		Type:        model.TaskQueryTickets,
		AccountIDs:  []string{"a", "b", "c", "d"},
		Concurrency: 2,
	})
	require.NoError(t, err)
	waitDone(t, o, batchID)

	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2), "并发不得超过批次上限")
}

type probeProvider struct {
	*fakeProvider
	inFlight *int32
	peak     *int32
}

func (p *probeProvider) QueryTickets(ctx context.Context, acc model.Account) (provider.TicketList, model.Account, error) {
	cur := atomic.AddInt32(p.inFlight, 1)
	for {
		old := atomic.LoadInt32(p.peak)
		if cur <= old || atomic.CompareAndSwapInt32(p.peak, old, cur) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	defer atomic.AddInt32(p.inFlight, -1)
	return p.fakeProvider.QueryTickets(ctx, acc)
}
