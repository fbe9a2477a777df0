package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/portal/db"
	"github.com/nao1215/portal/pkg/database"
	"github.com/nao1215/portal/pkg/migration"
)

// newTestStore はマイグレーション済みの一時SQLiteを使うStoreを生成する。
func newTestStore(t *testing.T) (*SQLiteStore, *database.Manager) {
	t.Helper()

	ctx := context.Background()
	m, err := database.Open(ctx, filepath.Join(t.TempDir(), "audit.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	for _, conn := range m.Sources() {
		require.NoError(t, migration.Run(ctx, conn, db.Migrations, db.MigrationsDir, nil))
	}
	return NewSQLiteStore(m), m
}

func sampleRecord(id, clientID string, outcome Outcome) Record {
	req := time.Date(2026, 1, 2, 3, 4, 5, 600_000_000, time.UTC)
	return Record{
		ID:                id,
		ClientID:          clientID,
		ClientName:        "Acme",
		Endpoint:          "/api/third-party/orders",
		Method:            "POST",
		RequestPayload:    `{"sku":"A-1"}`,
		StatusCode:        201,
		CallerAddress:     "203.0.113.7",
		RequestTimestamp:  req,
		ResponseTimestamp: req.Add(15 * time.Millisecond),
		DurationMs:        15,
		Success:           true,
		Outcome:           outcome,
	}
}

func TestSQLiteStore_AppendAndList(t *testing.T) {
	t.Parallel()

	t.Run("追記したレコードが新しい順に取得できること", func(t *testing.T) {
		t.Parallel()

		store, _ := newTestStore(t)
		ctx := context.Background()

		first := sampleRecord("rec-1", "client-a", OutcomeSuccess)
		resp := `{"id":1}`
		first.ResponsePayload = &resp

		second := sampleRecord("rec-2", UnknownClientID, OutcomeFailed)
		second.ClientName = UnknownClientName
		second.StatusCode = 401
		second.Success = false
		msg := "missing client credentials"
		second.ErrorMessage = &msg

		require.NoError(t, store.AppendRecord(ctx, first))
		require.NoError(t, store.AppendRecord(ctx, second))

		got, err := store.ListRecords(ctx, RecordFilter{})
		require.NoError(t, err)
		require.Len(t, got, 2)

		assert.Equal(t, "rec-2", got[0].ID)
		assert.Nil(t, got[0].ResponsePayload)
		require.NotNil(t, got[0].ErrorMessage)
		assert.Equal(t, msg, *got[0].ErrorMessage)
		assert.False(t, got[0].Success)

		assert.Equal(t, first.RequestTimestamp, got[1].RequestTimestamp)
		assert.Equal(t, first.ResponseTimestamp, got[1].ResponseTimestamp)
		require.NotNil(t, got[1].ResponsePayload)
		assert.Equal(t, resp, *got[1].ResponsePayload)
		assert.True(t, got[1].Success)
		assert.Equal(t, OutcomeSuccess, got[1].Outcome)
	})

	t.Run("クライアントIDと結果タグで絞り込めること", func(t *testing.T) {
		t.Parallel()

		store, _ := newTestStore(t)
		ctx := context.Background()
		require.NoError(t, store.AppendRecord(ctx, sampleRecord("a1", "client-a", OutcomeSuccess)))
		require.NoError(t, store.AppendRecord(ctx, sampleRecord("a2", "client-a", OutcomeRateLimited)))
		require.NoError(t, store.AppendRecord(ctx, sampleRecord("b1", "client-b", OutcomeRateLimited)))

		got, err := store.ListRecords(ctx, RecordFilter{ClientID: "client-a", Outcome: OutcomeRateLimited})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "a2", got[0].ID)

		limited, err := store.ListRecords(ctx, RecordFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}

func TestSQLiteStore_AppendOnly(t *testing.T) {
	t.Parallel()

	store, m := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.AppendRecord(ctx, sampleRecord("immutable", "client-a", OutcomeSuccess)))

	conn, err := m.DB(database.Primary)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, "UPDATE audit_records SET status_code = 500 WHERE id = ?", "immutable")
	require.Error(t, err)
	_, err = conn.ExecContext(ctx, "DELETE FROM audit_records WHERE id = ?", "immutable")
	require.Error(t, err)

	t.Run("同一IDの再書き込みは失敗すること", func(t *testing.T) {
		err := store.AppendRecord(ctx, sampleRecord("immutable", "client-a", OutcomeFailed))
		require.Error(t, err)
	})

	got, err := store.ListRecords(ctx, RecordFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 201, got[0].StatusCode)
	assert.Equal(t, OutcomeSuccess, got[0].Outcome)
}

func TestSQLiteStore_SecurityEvents(t *testing.T) {
	t.Parallel()

	store, m := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	require.NoError(t, store.AppendSecurityEvent(ctx, SecurityEvent{
		ID:            "ev-1",
		Category:      CategoryAuthentication,
		RiskLevel:     RiskMedium,
		Description:   "invalid bearer token",
		CallerAddress: "198.51.100.2",
		Endpoint:      "/api/v1/me",
		Method:        "GET",
		OccurredAt:    at,
	}))

	got, err := store.ListSecurityEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, CategoryAuthentication, got[0].Category)
	assert.Equal(t, RiskMedium, got[0].RiskLevel)
	assert.Equal(t, at, got[0].OccurredAt)

	t.Run("更新も削除も拒否されること", func(t *testing.T) {
		conn, err := m.DB(database.Primary)
		require.NoError(t, err)

		_, err = conn.ExecContext(ctx, "UPDATE security_events SET risk_level = 'Low' WHERE id = ?", "ev-1")
		require.Error(t, err)
		_, err = conn.ExecContext(ctx, "DELETE FROM security_events WHERE id = ?", "ev-1")
		require.Error(t, err)

		got, err := store.ListSecurityEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, RiskMedium, got[0].RiskLevel)
	})
}

func TestClampLimit(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultListLimit, clampLimit(0))
	assert.Equal(t, DefaultListLimit, clampLimit(-3))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, MaxListLimit, clampLimit(MaxListLimit+1))
}
