package model

type TaskType string

const (
	TaskQueryTickets   TaskType = "query_tickets"
	TaskSubmitDecision TaskType = "submit_decision"
	TaskRunTraining    TaskType = "run_training"
	TaskClaimReward    TaskType = "claim_reward"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskQueryTickets, TaskSubmitDecision, TaskRunTraining, TaskClaimReward:
		return true
	}
	return false
}

func (t TaskType) Label() string {
	switch t {
	case TaskQueryTickets:
		return "查询票券"
	case TaskSubmitDecision:
		return "提交决策"
	case TaskRunTraining:
		return "发起训练"
	case TaskClaimReward:
		return "领取奖励"
	}
	return string(t)
}

type TaskStatus string

const (
	StatusIdle         TaskStatus = "idle"
	StatusQueued       TaskStatus = "queued"
	StatusExecuting    TaskStatus = "executing"
	StatusSucceeded    TaskStatus = "succeeded"
	StatusFailed       TaskStatus = "failed"
	StatusWaitingRetry TaskStatus = "waiting_retry"
)

// transitions 是封闭的状态机：waiting_retry 只允许回到 executing 一次，
// 终态只有 succeeded / failed，不存在无限重试链。
// queued -> failed 是批次取消专用的通道（任务从未启动）。
var transitions = map[TaskStatus][]TaskStatus{
	StatusIdle:         {StatusQueued},
	StatusQueued:       {StatusExecuting, StatusFailed},
	StatusExecuting:    {StatusSucceeded, StatusFailed, StatusWaitingRetry},
	StatusWaitingRetry: {StatusExecuting, StatusFailed},
}

func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

func (s TaskStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

type TaskState struct {
	AccountID  string     `json:"accountId"`
	Label      string     `json:"label,omitempty"`
	BatchID    string     `json:"batchId"`
	Type       TaskType   `json:"type"`
	Status     TaskStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	Result     string     `json:"result,omitempty"`
	AttemptMs  int64      `json:"attemptMs,omitempty"`
	ResumeAtMs int64      `json:"resumeAtMs,omitempty"`
	DoneMs     int64      `json:"doneMs,omitempty"`
}

// BatchProgress 聚合计数只由编排器修改，消费方只读。
type BatchProgress struct {
	BatchID        string   `json:"batchId"`
	Type           TaskType `json:"type"`
	Total          int      `json:"total"`
	Completed      int      `json:"completed"`
	Succeeded      int      `json:"succeeded"`
	Failed         int      `json:"failed"`
	WaitingRetry   int      `json:"waitingRetry"`
	Ineligible     int      `json:"ineligible"`
	CurrentAccount string   `json:"currentAccount,omitempty"`
	Done           bool     `json:"done"`
}

type BatchState struct {
	Progress BatchProgress `json:"progress"`
	Tasks    []TaskState   `json:"tasks"`
}
