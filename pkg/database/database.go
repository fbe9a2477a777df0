package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	// SQLiteドライバ（"sqlite"）を登録する。
	_ "modernc.org/sqlite"
)

// Source は論理データソースを表すタグ。
type Source string

const (
	// Primary は書き込み用のデータソース。
	Primary Source = "Primary"
	// Secondary は参照用のデータソース。
	Secondary Source = "Secondary"
)

// ErrUnknownSource は登録されていないデータソースが指定された場合のエラー。
var ErrUnknownSource = errors.New("unknown database source")

// Manager はデータソースごとのDB接続を管理する。
type Manager struct {
	// dbs はデータソースごとのDB接続。
	dbs map[Source]*sql.DB
	// owned はManagerがクローズ責任を持つ接続。
	owned []*sql.DB
}

// OpenSQLite はSQLiteデータベースを開き、接続確認を行う。
// SQLiteは同時書き込みに弱いため、接続数を1に制限する。
func OpenSQLite(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースの疎通確認に失敗: %w", err)
	}
	return db, nil
}

// Open はPrimaryとSecondaryのDSNからManagerを生成する。
// secondaryDSNが空、またはprimaryDSNと同一の場合はPrimaryの接続を共有する。
func Open(ctx context.Context, primaryDSN, secondaryDSN string) (*Manager, error) {
	primary, err := OpenSQLite(ctx, primaryDSN)
	if err != nil {
		return nil, fmt.Errorf("Primaryデータソースのオープンに失敗: %w", err)
	}

	m := &Manager{
		dbs:   map[Source]*sql.DB{Primary: primary, Secondary: primary},
		owned: []*sql.DB{primary},
	}

	if secondaryDSN != "" && secondaryDSN != primaryDSN {
		secondary, err := OpenSQLite(ctx, secondaryDSN)
		if err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("Secondaryデータソースのオープンに失敗: %w", err)
		}
		m.dbs[Secondary] = secondary
		m.owned = append(m.owned, secondary)
	}
	return m, nil
}

// NewManager は既存のDB接続からManagerを生成する。
// secondaryがnilの場合はprimaryを共有する。接続のクローズは呼び出し側の責任。
func NewManager(primary, secondary *sql.DB) *Manager {
	if secondary == nil {
		secondary = primary
	}
	return &Manager{
		dbs: map[Source]*sql.DB{Primary: primary, Secondary: secondary},
	}
}

// DB は指定データソースの接続を返す。
func (m *Manager) DB(source Source) (*sql.DB, error) {
	db, ok := m.dbs[source]
	if !ok || db == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	return db, nil
}

// Sources はマイグレーション対象となる一意な接続の一覧を返す。
func (m *Manager) Sources() []*sql.DB {
	seen := make(map[*sql.DB]struct{}, len(m.dbs))
	var out []*sql.DB
	for _, src := range []Source{Primary, Secondary} {
		db := m.dbs[src]
		if db == nil {
			continue
		}
		if _, ok := seen[db]; ok {
			continue
		}
		seen[db] = struct{}{}
		out = append(out, db)
	}
	return out
}

// WithTx は指定データソース上でトランザクションを開始し、fnを実行する。
// fnがエラーを返した場合はロールバックし、成功した場合はコミットする。
func (m *Manager) WithTx(ctx context.Context, source Source, fn func(tx *sql.Tx) error) error {
	db, err := m.DB(source)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return nil
}

// Close はManagerが開いた接続をすべてクローズする。
func (m *Manager) Close() error {
	var errs []error
	for _, db := range m.owned {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.owned = nil
	return errors.Join(errs...)
}
