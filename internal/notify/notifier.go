package notify

import (
	"context"

	"autotask_engine/internal/model"
)

type BatchCompletedEvent struct {
	At           int64          `json:"at"`
	BatchID      string         `json:"batchId"`
	Type         model.TaskType `json:"type"`
	Total        int            `json:"total"`
	Succeeded    int            `json:"succeeded"`
	Failed       int            `json:"failed"`
	WaitingRetry int            `json:"waitingRetry"`
	Ineligible   int            `json:"ineligible"`
}

// Notifier 批次完成后的外部通知出口，失败不影响主流程。
type Notifier interface {
	NotifyBatchCompleted(ctx context.Context, evt BatchCompletedEvent)
}
