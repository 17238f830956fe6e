package sqlite

import (
	"context"
	"time"

	"github.com/google/uuid"

	"autotask_engine/internal/model"
)

func (s *Store) RecordTaskResult(ctx context.Context, r model.TaskResult) (model.TaskResult, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt <= 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_results (id, batch_id, account_id, task_type, status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.BatchID, r.AccountID, string(r.Type), string(r.Status), r.Detail, r.CreatedAt)
	if err != nil {
		return model.TaskResult{}, err
	}
	return r, nil
}

func (s *Store) ListTaskResults(ctx context.Context, batchID string) ([]model.TaskResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, account_id, task_type, status, detail, created_at
		FROM task_results WHERE batch_id = ? ORDER BY created_at ASC
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TaskResult
	for rows.Next() {
		var r model.TaskResult
		var typ, status string
		if err := rows.Scan(&r.ID, &r.BatchID, &r.AccountID, &typ, &status, &r.Detail, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Type = model.TaskType(typ)
		r.Status = model.TaskStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// HasSucceededSince 资格门槛用：某账号在 sinceMs 之后是否成功跑过指定任务。
func (s *Store) HasSucceededSince(ctx context.Context, accountID string, taskType model.TaskType, sinceMs int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM task_results
		WHERE account_id = ? AND task_type = ? AND status = ? AND created_at >= ?
	`, accountID, string(taskType), string(model.StatusSucceeded), sinceMs).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
