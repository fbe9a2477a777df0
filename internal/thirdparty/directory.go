package thirdparty

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nao1215/portal/pkg/database"
)

var (
	// ErrClientNotFound はクライアントが登録されていない場合のエラー。
	ErrClientNotFound = errors.New("client not found")
	// ErrClientExists は同じIDのクライアントが既に登録されている場合のエラー。
	ErrClientExists = errors.New("client already exists")
)

// ClientDirectory はクライアントIDからClientIdentityを引く。
type ClientDirectory interface {
	Lookup(ctx context.Context, clientID string) (*ClientIdentity, error)
}

// ClientRegistrar はクライアントを登録する。
type ClientRegistrar interface {
	Register(ctx context.Context, ident ClientIdentity) error
}

// SQLDirectory はclientsテーブルとclient_endpointsテーブルに基づくClientDirectory。
// 参照はSecondary、登録はPrimaryを使う。
type SQLDirectory struct {
	db *database.Manager
}

var (
	_ ClientDirectory = (*SQLDirectory)(nil)
	_ ClientRegistrar = (*SQLDirectory)(nil)
)

// NewSQLDirectory は新しいSQLDirectoryを生成する。
func NewSQLDirectory(db *database.Manager) *SQLDirectory {
	return &SQLDirectory{db: db}
}

// Lookup はクライアントを取得する。存在しない場合は ErrClientNotFound を返す。
func (d *SQLDirectory) Lookup(ctx context.Context, clientID string) (*ClientIdentity, error) {
	db, err := d.db.DB(database.Secondary)
	if err != nil {
		return nil, err
	}

	var (
		ident     ClientIdentity
		windowMs  int64
		addresses string
		active    int
	)
	err = db.QueryRowContext(ctx, `
		SELECT id, name, credential_hash, rate_limit_capacity, rate_limit_window_ms,
		       allowed_addresses, active
		FROM clients WHERE id = ?`, clientID,
	).Scan(&ident.ID, &ident.Name, &ident.CredentialHash, &ident.RateLimit.Capacity, &windowMs, &addresses, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("クライアントの取得に失敗: %w", err)
	}
	ident.RateLimit.Window = time.Duration(windowMs) * time.Millisecond
	ident.AllowedAddresses = splitList(addresses)
	ident.Active = active != 0

	rows, err := db.QueryContext(ctx,
		`SELECT pattern FROM client_endpoints WHERE client_id = ? ORDER BY pattern`, clientID)
	if err != nil {
		return nil, fmt.Errorf("許可エンドポイントの取得に失敗: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pattern string
		if err := rows.Scan(&pattern); err != nil {
			return nil, fmt.Errorf("許可エンドポイントの読み取りに失敗: %w", err)
		}
		ident.AllowedEndpoints = append(ident.AllowedEndpoints, pattern)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("許可エンドポイントの読み取りに失敗: %w", err)
	}
	return &ident, nil
}

// Register はクライアントと許可エンドポイントを1トランザクションで登録する。
func (d *SQLDirectory) Register(ctx context.Context, ident ClientIdentity) error {
	if ident.ID == "" || ident.Name == "" || ident.CredentialHash == "" {
		return errors.New("クライアントID、名前、資格情報ハッシュは必須です")
	}

	return d.db.WithTx(ctx, database.Primary, func(tx *sql.Tx) error {
		active := 0
		if ident.Active {
			active = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO clients (
				id, name, credential_hash, rate_limit_capacity, rate_limit_window_ms,
				allowed_addresses, active
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ident.ID, ident.Name, ident.CredentialHash, ident.RateLimit.Capacity,
			ident.RateLimit.Window.Milliseconds(), strings.Join(ident.AllowedAddresses, ","), active,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrClientExists, ident.ID)
		}
		if err != nil {
			return fmt.Errorf("クライアントの登録に失敗: %w", err)
		}

		for _, pattern := range ident.AllowedEndpoints {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO client_endpoints (client_id, pattern) VALUES (?, ?)`,
				ident.ID, pattern,
			); err != nil {
				return fmt.Errorf("許可エンドポイントの登録に失敗: %w", err)
			}
		}
		return nil
	})
}

// isUniqueViolation は主キーまたは一意制約の違反かどうかを返す。
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	default:
		return false
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// CachedDirectory はClientDirectoryの結果を期限付きLRUに保持する。
// エントリはttlを超えて使われないため、登録内容の変更はttl以内に反映される。
type CachedDirectory struct {
	next  ClientDirectory
	cache *expirable.LRU[string, *ClientIdentity]
}

var _ ClientDirectory = (*CachedDirectory)(nil)

// NewCachedDirectory は新しいCachedDirectoryを生成する。
func NewCachedDirectory(next ClientDirectory, size int, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{
		next:  next,
		cache: expirable.NewLRU[string, *ClientIdentity](size, nil, ttl),
	}
}

// Lookup はキャッシュにあればそれを返し、なければ下位のディレクトリから取得する。
// 見つからなかった結果はキャッシュしない。
func (d *CachedDirectory) Lookup(ctx context.Context, clientID string) (*ClientIdentity, error) {
	if ident, ok := d.cache.Get(clientID); ok {
		return ident, nil
	}
	ident, err := d.next.Lookup(ctx, clientID)
	if err != nil {
		return nil, err
	}
	d.cache.Add(clientID, ident)
	return ident, nil
}

// Invalidate は指定クライアントのキャッシュを破棄する。
func (d *CachedDirectory) Invalidate(clientID string) {
	d.cache.Remove(clientID)
}

// securityKeyBytes は生成するセキュリティキーのバイト長。
const securityKeyBytes = 32

// sha256HashPrefix はsha256形式の資格情報ハッシュの接頭辞。
const sha256HashPrefix = "sha256:"

// GenerateSecurityKey はランダムなセキュリティキーを生成する。
func GenerateSecurityKey() (string, error) {
	b := make([]byte, securityKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("セキュリティキーの生成に失敗: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashSecurityKey はセキュリティキーを保存用の sha256:<hex> 形式に変換する。
func HashSecurityKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return sha256HashPrefix + hex.EncodeToString(sum[:])
}
