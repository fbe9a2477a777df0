package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nao1215/portal/pkg/database"
)

// ErrAppendOnly は監査テーブルへの更新・削除が拒否された場合のエラー。
var ErrAppendOnly = errors.New("audit trail is append-only")

// Store は監査レコードとセキュリティイベントの永続化先。
// 追記と参照のみを持ち、更新・削除の操作は存在しない。
type Store interface {
	// AppendRecord は監査レコードを追記する。
	AppendRecord(ctx context.Context, rec Record) error
	// AppendSecurityEvent はセキュリティイベントを追記する。
	AppendSecurityEvent(ctx context.Context, ev SecurityEvent) error
	// ListRecords は条件に一致する監査レコードを新しい順に返す。
	ListRecords(ctx context.Context, filter RecordFilter) ([]Record, error)
	// ListSecurityEvents はセキュリティイベントを新しい順に返す。
	ListSecurityEvents(ctx context.Context, limit int) ([]SecurityEvent, error)
}

// SQLiteStore はSQLiteに監査情報を保存するStore実装。
// 書き込みはPrimary、参照はSecondaryのデータソースを使用する。
type SQLiteStore struct {
	db *database.Manager
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore は新しいSQLiteStoreを生成する。
func NewSQLiteStore(db *database.Manager) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// timeLayout はタイムスタンプの保存形式。
const timeLayout = time.RFC3339Nano

// AppendRecord は監査レコードを1件追記する。1トランザクションで1レコードのみ書き込む。
func (s *SQLiteStore) AppendRecord(ctx context.Context, rec Record) error {
	err := s.db.WithTx(ctx, database.Primary, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_records (
				id, client_id, client_name, endpoint, http_method,
				request_payload, response_payload, status_code, caller_address,
				request_timestamp, response_timestamp, duration_ms,
				success, error_message, outcome
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.ClientID, rec.ClientName, rec.Endpoint, rec.Method,
			rec.RequestPayload, nullString(rec.ResponsePayload), rec.StatusCode, rec.CallerAddress,
			rec.RequestTimestamp.UTC().Format(timeLayout), rec.ResponseTimestamp.UTC().Format(timeLayout), rec.DurationMs,
			rec.Success, nullString(rec.ErrorMessage), string(rec.Outcome),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("監査レコードの書き込みに失敗: %w", classify(err))
	}
	return nil
}

// AppendSecurityEvent はセキュリティイベントを1件追記する。
func (s *SQLiteStore) AppendSecurityEvent(ctx context.Context, ev SecurityEvent) error {
	err := s.db.WithTx(ctx, database.Primary, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO security_events (
				id, category, risk_level, description, caller_address,
				endpoint, http_method, occurred_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, string(ev.Category), string(ev.RiskLevel), ev.Description, ev.CallerAddress,
			ev.Endpoint, ev.Method, ev.OccurredAt.UTC().Format(timeLayout),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("セキュリティイベントの書き込みに失敗: %w", classify(err))
	}
	return nil
}

// ListRecords は条件に一致する監査レコードを追記順の新しいものから返す。
func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]Record, error) {
	db, err := s.db.DB(database.Secondary)
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if filter.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}

	query := `
		SELECT id, client_id, client_name, endpoint, http_method,
			request_payload, response_payload, status_code, caller_address,
			request_timestamp, response_timestamp, duration_ms,
			success, error_message, outcome
		FROM audit_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid DESC LIMIT ?"
	args = append(args, clampLimit(filter.Limit))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("監査レコードの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			rec                Record
			respPayload, errMs sql.NullString
			reqTS, respTS      string
			outcome            string
		)
		if err := rows.Scan(
			&rec.ID, &rec.ClientID, &rec.ClientName, &rec.Endpoint, &rec.Method,
			&rec.RequestPayload, &respPayload, &rec.StatusCode, &rec.CallerAddress,
			&reqTS, &respTS, &rec.DurationMs,
			&rec.Success, &errMs, &outcome,
		); err != nil {
			return nil, fmt.Errorf("監査レコードの読み取りに失敗: %w", err)
		}
		if rec.RequestTimestamp, err = time.Parse(timeLayout, reqTS); err != nil {
			return nil, fmt.Errorf("request_timestampの解析に失敗: %w", err)
		}
		if rec.ResponseTimestamp, err = time.Parse(timeLayout, respTS); err != nil {
			return nil, fmt.Errorf("response_timestampの解析に失敗: %w", err)
		}
		rec.ResponsePayload = stringPtr(respPayload)
		rec.ErrorMessage = stringPtr(errMs)
		rec.Outcome = Outcome(outcome)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListSecurityEvents はセキュリティイベントを新しい順に返す。
func (s *SQLiteStore) ListSecurityEvents(ctx context.Context, limit int) ([]SecurityEvent, error) {
	db, err := s.db.DB(database.Secondary)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, category, risk_level, description, caller_address,
			endpoint, http_method, occurred_at
		FROM security_events
		ORDER BY rowid DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("セキュリティイベントの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []SecurityEvent
	for rows.Next() {
		var (
			ev                 SecurityEvent
			category, risk, at string
		)
		if err := rows.Scan(&ev.ID, &category, &risk, &ev.Description, &ev.CallerAddress,
			&ev.Endpoint, &ev.Method, &at); err != nil {
			return nil, fmt.Errorf("セキュリティイベントの読み取りに失敗: %w", err)
		}
		if ev.OccurredAt, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("occurred_atの解析に失敗: %w", err)
		}
		ev.Category = Category(category)
		ev.RiskLevel = RiskLevel(risk)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// classify はトリガーによる拒否をErrAppendOnlyに変換する。
func classify(err error) error {
	if strings.Contains(err.Error(), "append-only") {
		return fmt.Errorf("%w: %w", ErrAppendOnly, err)
	}
	return err
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
