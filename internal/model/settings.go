package model

type EmailSettings struct {
	Enabled  bool   `json:"enabled"`
	Email    string `json:"email"`
	AuthCode string `json:"authCode,omitempty"`
}

type LimitsSettings struct {
	// BatchConcurrency 同一批次内允许同时执行的任务数。
	// 默认 1：上游对单个账号只容忍一个进行中的操作，跨账号并发才是安全的。
	BatchConcurrency int `json:"batchConcurrency"`
}

type TaskResult struct {
	ID        string     `json:"id"`
	BatchID   string     `json:"batchId"`
	AccountID string     `json:"accountId"`
	Type      TaskType   `json:"type"`
	Status    TaskStatus `json:"status"`
	Detail    string     `json:"detail,omitempty"`
	CreatedAt int64      `json:"createdAt"`
}
