package orchestrator

import (
	"context"
	"time"

	"autotask_engine/internal/model"
)

// ineligibleReason 返回空串表示可执行，否则返回跳过原因。
//
// 规则：
//   - 凭证：没有 token 又没有用户名/密码的账号连登录都做不到，直接跳过。
//   - 占用：同账号同类型已有任务在别的批次里跑，不允许重复入队。
//   - 领奖前置：claim_reward 要求本地当天（零点起算）已有一次成功的训练。
func (o *Orchestrator) ineligibleReason(ctx context.Context, typ model.TaskType, acc model.Account) string {
	if acc.Token == "" && !acc.CanReauth() {
		return "账号缺少 token 且无法重新登录"
	}

	o.mu.Lock()
	_, busy := o.active[activeKey(acc.ID, typ)]
	o.mu.Unlock()
	if busy {
		return "同类型任务已在其他批次中执行"
	}

	if typ == model.TaskClaimReward {
		sinceMs := cycleStart(time.Now()).UnixMilli()
		ok, err := o.store.HasSucceededSince(ctx, acc.ID, model.TaskRunTraining, sinceMs)
		if err != nil {
			return "资格查询失败: " + err.Error()
		}
		if !ok {
			return "本周期内没有成功的训练记录"
		}
	}
	return ""
}

// cycleStart 周期从本地时区当天零点起算。
func cycleStart(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}
