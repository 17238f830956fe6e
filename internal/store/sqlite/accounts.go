package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"autotask_engine/internal/model"
)

const accountColumns = `id, username, password, token, proxy, user_agent, remark, created_at, updated_at`

func (s *Store) UpsertAccount(ctx context.Context, acc model.Account) (model.Account, error) {
	if acc.Username == "" {
		return model.Account{}, errors.New("username is required")
	}
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	now := time.Now()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, username, password, token, proxy, user_agent, remark, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			password = excluded.password,
			token = excluded.token,
			proxy = excluded.proxy,
			user_agent = excluded.user_agent,
			remark = excluded.remark,
			updated_at = excluded.updated_at
	`, acc.ID, acc.Username, acc.Password, acc.Token, acc.Proxy, acc.UserAgent, acc.Remark,
		acc.CreatedAt.UnixMilli(), acc.UpdatedAt.UnixMilli())
	if err != nil {
		return model.Account{}, err
	}

	return s.GetAccountByUsername(ctx, acc.Username)
}

// UpdateToken 任务成功后只落新 token，不碰其它字段。
func (s *Store) UpdateToken(ctx context.Context, id, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET token = ?, updated_at = ? WHERE id = ?
	`, token, time.Now().UnixMilli(), id)
	return err
}

func (s *Store) GetAccount(ctx context.Context, id string) (model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (s *Store) GetAccountByUsername(ctx context.Context, username string) (model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username = ?`, username)
	return scanAccount(row)
}

func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (model.Account, error) {
	var (
		acc       model.Account
		createdAt int64
		updatedAt int64
	)
	err := r.Scan(&acc.ID, &acc.Username, &acc.Password, &acc.Token, &acc.Proxy,
		&acc.UserAgent, &acc.Remark, &createdAt, &updatedAt)
	if err != nil {
		return model.Account{}, err
	}
	acc.CreatedAt = time.UnixMilli(createdAt)
	acc.UpdatedAt = time.UnixMilli(updatedAt)
	return acc, nil
}
