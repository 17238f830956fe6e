package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"autotask_engine/internal/apierr"
	"autotask_engine/internal/model"
)

// taskFn 执行一次任务，返回可读摘要和带最新 token 的账号快照。
type taskFn func(ctx context.Context, acc model.Account, params map[string]string) (string, model.Account, error)

func (o *Orchestrator) taskFunc(typ model.TaskType) taskFn {
	switch typ {
	case model.TaskQueryTickets:
		return o.doQueryTickets
	case model.TaskSubmitDecision:
		return o.doSubmitDecision
	case model.TaskRunTraining:
		return o.doRunTraining
	case model.TaskClaimReward:
		return o.doClaimReward
	default:
		return func(context.Context, model.Account, map[string]string) (string, model.Account, error) {
			return "", model.Account{}, apierr.New(apierr.KindBusiness, "未知任务类型: "+string(typ))
		}
	}
}

func (o *Orchestrator) doQueryTickets(ctx context.Context, acc model.Account, _ map[string]string) (string, model.Account, error) {
	list, updated, err := o.provider.QueryTickets(ctx, acc)
	if err != nil {
		return "", updated, err
	}
	open := 0
	for _, t := range list.Tickets {
		if strings.EqualFold(t.Status, "open") {
			open++
		}
	}
	return fmt.Sprintf("票据 %d 张，其中待处理 %d 张", len(list.Tickets), open), updated, nil
}

func (o *Orchestrator) doSubmitDecision(ctx context.Context, acc model.Account, params map[string]string) (string, model.Account, error) {
	ticketID := strings.TrimSpace(params["ticketId"])
	choice := strings.TrimSpace(params["choice"])
	if ticketID == "" || choice == "" {
		return "", model.Account{}, apierr.New(apierr.KindBusiness, "缺少参数 ticketId/choice")
	}
	res, updated, err := o.provider.SubmitDecision(ctx, acc, ticketID, choice)
	if err != nil {
		return "", updated, err
	}
	if !res.Accepted {
		return "", updated, apierr.Business("UNACCEPTED", "决策未被接受")
	}
	return fmt.Sprintf("票据 %s 决策 %s 已接受", ticketID, choice), updated, nil
}

func (o *Orchestrator) doRunTraining(ctx context.Context, acc model.Account, _ map[string]string) (string, model.Account, error) {
	res, updated, err := o.provider.StartTraining(ctx, acc)
	if err != nil {
		return "", updated, err
	}
	if res.SessionID != "" {
		return "训练会话 " + res.SessionID, updated, nil
	}
	return "训练已启动", updated, nil
}

func (o *Orchestrator) doClaimReward(ctx context.Context, acc model.Account, _ map[string]string) (string, model.Account, error) {
	res, updated, err := o.provider.ClaimReward(ctx, acc)
	if err != nil {
		return "", updated, err
	}
	if res.Kind != "" {
		return fmt.Sprintf("已领取 %s x%d", res.Kind, res.Amount), updated, nil
	}
	return fmt.Sprintf("已领取奖励 %d", res.Amount), updated, nil
}
