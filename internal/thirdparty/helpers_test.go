package thirdparty

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/portal/db"
	"github.com/nao1215/portal/pkg/audit"
	"github.com/nao1215/portal/pkg/database"
	"github.com/nao1215/portal/pkg/migration"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeDirectory はメモリ上のClientDirectory。
type fakeDirectory struct {
	mu      sync.Mutex
	clients map[string]*ClientIdentity
	lookups int
	err     error
}

func newFakeDirectory(clients ...ClientIdentity) *fakeDirectory {
	d := &fakeDirectory{clients: make(map[string]*ClientIdentity)}
	for i := range clients {
		c := clients[i]
		d.clients[c.ID] = &c
	}
	return d
}

func (d *fakeDirectory) Lookup(_ context.Context, clientID string) (*ClientIdentity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lookups++
	if d.err != nil {
		return nil, d.err
	}
	c, ok := d.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	return c, nil
}

func (d *fakeDirectory) lookupCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookups
}

// fakeClock は手動で進める時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingRecorder は監査レコードをメモリに保持するAuditRecorder。
type recordingRecorder struct {
	mu      sync.Mutex
	records []audit.Record
	ctxErrs []error
}

func (r *recordingRecorder) Record(ctx context.Context, rec audit.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
}

func (r *recordingRecorder) all() []audit.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Record(nil), r.records...)
}

// sampleClient はテスト用の登録済みクライアント。セキュリティキーは "s3cret"。
func sampleClient() ClientIdentity {
	return ClientIdentity{
		ID:               "client-acme",
		Name:             "Acme Corp",
		CredentialHash:   HashSecurityKey("s3cret"),
		AllowedEndpoints: []string{"/api/third-party/orders/*"},
		RateLimit:        RateLimitPolicy{Capacity: 3, Window: time.Minute},
		Active:           true,
	}
}

// newTestManager はマイグレーション済みの一時SQLiteを開く。
func newTestManager(t *testing.T) *database.Manager {
	t.Helper()

	ctx := context.Background()
	m, err := database.Open(ctx, filepath.Join(t.TempDir(), "portal.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	for _, conn := range m.Sources() {
		require.NoError(t, migration.Run(ctx, conn, db.Migrations, db.MigrationsDir, nil))
	}
	return m
}
