package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nao1215/portal/pkg/database"
)

// errUserNotFound はユーザーが存在しない場合のエラー。
var errUserNotFound = errors.New("user not found")

// user はポータルを操作するファーストパーティのユーザー。
type user struct {
	ID             string
	Provider       string
	ProviderUserID string
	Email          string
	DisplayName    string
	AvatarURL      string
}

// userStore はusersテーブルへのアクセスを提供する。
type userStore struct {
	db *database.Manager
}

func (s *userStore) getByProvider(ctx context.Context, provider, providerUserID string) (*user, error) {
	return s.queryOne(ctx, `
		SELECT id, provider, provider_user_id, email, display_name, avatar_url
		FROM users WHERE provider = ? AND provider_user_id = ?`, provider, providerUserID)
}

func (s *userStore) getByID(ctx context.Context, id string) (*user, error) {
	return s.queryOne(ctx, `
		SELECT id, provider, provider_user_id, email, display_name, avatar_url
		FROM users WHERE id = ?`, id)
}

func (s *userStore) queryOne(ctx context.Context, query string, args ...any) (*user, error) {
	db, err := s.db.DB(database.Secondary)
	if err != nil {
		return nil, err
	}
	var u user
	err = db.QueryRowContext(ctx, query, args...).Scan(
		&u.ID, &u.Provider, &u.ProviderUserID, &u.Email, &u.DisplayName, &u.AvatarURL,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	return &u, nil
}

func (s *userStore) create(ctx context.Context, u user) error {
	return s.db.WithTx(ctx, database.Primary, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, provider, provider_user_id, email, display_name, avatar_url)
			VALUES (?, ?, ?, ?, ?, ?)`,
			u.ID, u.Provider, u.ProviderUserID, u.Email, u.DisplayName, u.AvatarURL,
		)
		if err != nil {
			return fmt.Errorf("ユーザーの作成に失敗: %w", err)
		}
		return nil
	})
}

func (s *userStore) updateLastLogin(ctx context.Context, id string) error {
	return s.db.WithTx(ctx, database.Primary, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE users SET last_login_at = datetime('now') WHERE id = ?`, id)
		return err
	})
}
