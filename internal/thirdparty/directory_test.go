package thirdparty

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/portal/db"
	"github.com/nao1215/portal/pkg/database"
	"github.com/nao1215/portal/pkg/migration"
)

func TestSQLDirectory(t *testing.T) {
	t.Parallel()

	t.Run("登録したクライアントを取得できること", func(t *testing.T) {
		t.Parallel()

		dir := NewSQLDirectory(newTestManager(t))
		ctx := context.Background()

		want := sampleClient()
		want.AllowedEndpoints = []string{"/api/third-party/orders/*", "/api/third-party/catalog"}
		want.AllowedAddresses = []string{"203.0.113.0/24", "198.51.100.7"}
		want.RateLimit = RateLimitPolicy{Capacity: 10, Window: 1500 * time.Millisecond}
		require.NoError(t, dir.Register(ctx, want))

		got, err := dir.Lookup(ctx, want.ID)
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Name, got.Name)
		assert.Equal(t, want.CredentialHash, got.CredentialHash)
		assert.ElementsMatch(t, want.AllowedEndpoints, got.AllowedEndpoints)
		assert.Equal(t, want.AllowedAddresses, got.AllowedAddresses)
		assert.Equal(t, want.RateLimit, got.RateLimit)
		assert.True(t, got.Active)
	})

	t.Run("無効化されたクライアントはActiveがfalseになること", func(t *testing.T) {
		t.Parallel()

		dir := NewSQLDirectory(newTestManager(t))
		ctx := context.Background()

		c := sampleClient()
		c.Active = false
		require.NoError(t, dir.Register(ctx, c))

		got, err := dir.Lookup(ctx, c.ID)
		require.NoError(t, err)
		assert.False(t, got.Active)
		assert.Empty(t, got.AllowedAddresses)
	})

	t.Run("未登録のクライアントはErrClientNotFoundになること", func(t *testing.T) {
		t.Parallel()

		dir := NewSQLDirectory(newTestManager(t))
		_, err := dir.Lookup(context.Background(), "nobody")
		require.ErrorIs(t, err, ErrClientNotFound)
	})

	t.Run("同じIDの二重登録はErrClientExistsになること", func(t *testing.T) {
		t.Parallel()

		dir := NewSQLDirectory(newTestManager(t))
		ctx := context.Background()

		require.NoError(t, dir.Register(ctx, sampleClient()))
		err := dir.Register(ctx, sampleClient())
		require.ErrorIs(t, err, ErrClientExists)
	})

	t.Run("別の接続から同じIDを同時に登録しても一方だけが成功すること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		dsn := filepath.Join(t.TempDir(), "portal.db") + "?_pragma=busy_timeout(5000)&_txlock=immediate"
		dirs := make([]*SQLDirectory, 2)
		for i := range dirs {
			m, err := database.Open(ctx, dsn, "")
			require.NoError(t, err)
			t.Cleanup(func() { _ = m.Close() })
			for _, conn := range m.Sources() {
				require.NoError(t, migration.Run(ctx, conn, db.Migrations, db.MigrationsDir, nil))
			}
			dirs[i] = NewSQLDirectory(m)
		}

		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
			errs  = make([]error, len(dirs))
		)
		for i, dir := range dirs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				errs[i] = dir.Register(ctx, sampleClient())
			}()
		}
		close(start)
		wg.Wait()

		var succeeded, conflicted int
		for _, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrClientExists):
				conflicted++
			default:
				t.Errorf("想定外のエラー: %v", err)
			}
		}
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, 1, conflicted)
	})

	t.Run("必須項目が欠けている場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		dir := NewSQLDirectory(newTestManager(t))
		c := sampleClient()
		c.CredentialHash = ""
		require.Error(t, dir.Register(context.Background(), c))
	})
}

func TestCachedDirectory(t *testing.T) {
	t.Parallel()

	t.Run("2回目以降はキャッシュから返ること", func(t *testing.T) {
		t.Parallel()

		next := newFakeDirectory(sampleClient())
		dir := NewCachedDirectory(next, 10, time.Minute)

		for range 3 {
			got, err := dir.Lookup(context.Background(), "client-acme")
			require.NoError(t, err)
			assert.Equal(t, "Acme Corp", got.Name)
		}
		assert.Equal(t, 1, next.lookupCount())
	})

	t.Run("見つからなかった結果はキャッシュしないこと", func(t *testing.T) {
		t.Parallel()

		next := newFakeDirectory()
		dir := NewCachedDirectory(next, 10, time.Minute)

		for range 2 {
			_, err := dir.Lookup(context.Background(), "nobody")
			require.ErrorIs(t, err, ErrClientNotFound)
		}
		assert.Equal(t, 2, next.lookupCount())
	})

	t.Run("Invalidateで再取得されること", func(t *testing.T) {
		t.Parallel()

		next := newFakeDirectory(sampleClient())
		dir := NewCachedDirectory(next, 10, time.Minute)
		ctx := context.Background()

		_, err := dir.Lookup(ctx, "client-acme")
		require.NoError(t, err)
		dir.Invalidate("client-acme")
		_, err = dir.Lookup(ctx, "client-acme")
		require.NoError(t, err)
		assert.Equal(t, 2, next.lookupCount())
	})

	t.Run("TTLを過ぎたエントリは再取得されること", func(t *testing.T) {
		t.Parallel()

		next := newFakeDirectory(sampleClient())
		dir := NewCachedDirectory(next, 10, 20*time.Millisecond)
		ctx := context.Background()

		_, err := dir.Lookup(ctx, "client-acme")
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			_, err := dir.Lookup(ctx, "client-acme")
			return err == nil && next.lookupCount() >= 2
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("下位のエラーはそのまま返ること", func(t *testing.T) {
		t.Parallel()

		next := newFakeDirectory()
		next.err = errors.New("database is locked")
		dir := NewCachedDirectory(next, 10, time.Minute)

		_, err := dir.Lookup(context.Background(), "client-acme")
		require.EqualError(t, err, "database is locked")
	})
}

func TestSecurityKey(t *testing.T) {
	t.Parallel()

	t.Run("生成したキーは64文字の16進数で毎回異なること", func(t *testing.T) {
		t.Parallel()

		a, err := GenerateSecurityKey()
		require.NoError(t, err)
		b, err := GenerateSecurityKey()
		require.NoError(t, err)

		assert.Len(t, a, 64)
		assert.NotEqual(t, a, b)
	})

	t.Run("ハッシュはsha256接頭辞付きで決定的であること", func(t *testing.T) {
		t.Parallel()

		h := HashSecurityKey("s3cret")
		assert.True(t, strings.HasPrefix(h, "sha256:"))
		assert.Equal(t, h, HashSecurityKey("s3cret"))
		assert.NotEqual(t, h, HashSecurityKey("s3cret "))
	})
}
