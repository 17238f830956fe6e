package notify

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autotask_engine/internal/logbus"
	"autotask_engine/internal/model"
	"autotask_engine/internal/store/sqlite"
)

func TestValidateEmailSettings(t *testing.T) {
	require.Error(t, validateEmailSettings(model.EmailSettings{}))
	require.Error(t, validateEmailSettings(model.EmailSettings{Email: "not-an-email", AuthCode: "x"}))
	require.Error(t, validateEmailSettings(model.EmailSettings{Email: "a@qq.com"}))
	require.NoError(t, validateEmailSettings(model.EmailSettings{Email: "a@qq.com", AuthCode: "x"}))
}

func TestSMTPConfigForEmail(t *testing.T) {
	host, port, ssl, err := smtpConfigForEmail("a@qq.com")
	require.NoError(t, err)
	require.Equal(t, "smtp.qq.com", host)
	require.Equal(t, 465, port)
	require.True(t, ssl)

	host, port, ssl, err = smtpConfigForEmail("b@gmail.com")
	require.NoError(t, err)
	require.Equal(t, "smtp.gmail.com", host)
	require.Equal(t, 587, port)
	require.False(t, ssl)

	host, _, _, err = smtpConfigForEmail("c@example.org")
	require.NoError(t, err)
	require.Equal(t, "smtp.example.org", host)

	_, _, _, err = smtpConfigForEmail("broken")
	require.Error(t, err)
}

func TestCloseFlushStillReadsSettings(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "notify.db"))
	require.NoError(t, err)
	defer st.Close()

	bus := logbus.New(64)
	defer bus.Close()

	n := NewEmailNotifier(st, bus)
	n.NotifyBatchCompleted(ctx, BatchCompletedEvent{
		BatchID: "b1", Type: model.TaskQueryTickets, Total: 1, Succeeded: 1,
	})

	// 等事件进入合并窗口，收尾 flush 由 Close 触发
	require.Eventually(t, func() bool { return len(n.queue) == 0 },
		time.Second, 2*time.Millisecond)
	require.NoError(t, n.Close(ctx))

	// 收尾 flush 在内部 ctx 已取消后执行，读配置必须仍然成功
	replay, _, cancel := bus.Subscribe(8)
	defer cancel()
	for _, evt := range replay {
		if data, ok := evt.Data.(logbus.LogData); ok {
			require.NotEqual(t, "读取邮件配置失败", data.Msg)
		}
	}
}

func TestBuildSummaryBody(t *testing.T) {
	html, text, err := buildSummaryBody([]BatchCompletedEvent{
		{Type: model.TaskRunTraining, Total: 5, Succeeded: 4, Failed: 1},
		{Type: model.TaskClaimReward, Total: 3, Succeeded: 2, Failed: 0, Ineligible: 1},
	})
	require.NoError(t, err)

	require.Contains(t, html, model.TaskRunTraining.Label())
	require.Contains(t, html, model.TaskClaimReward.Label())
	require.Equal(t, 2, strings.Count(text, "\n"))
	require.Contains(t, text, "成功 4")
	require.Contains(t, text, "不符合条件 1")
}
