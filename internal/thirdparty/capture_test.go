package thirdparty

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct {
	data string
	done bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, errors.New("connection reset")
	}
	r.done = true
	return copy(p, r.data), nil
}

func TestReadRequestBody(t *testing.T) {
	t.Parallel()

	t.Run("読み取った後も同じボディを読めること", func(t *testing.T) {
		t.Parallel()

		const body = `{"item":"寿司","qty":2}`
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

		got, err := ReadRequestBody(req)
		require.NoError(t, err)
		assert.Equal(t, body, got)

		again, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		assert.Equal(t, body, string(again))

		rc, err := req.GetBody()
		require.NoError(t, err)
		third, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, body, string(third))
	})

	t.Run("ボディが無い場合は空文字列を返すこと", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		got, err := ReadRequestBody(req)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("読み取りに失敗しても読めた分を戻すこと", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Body = io.NopCloser(&failingReader{data: "partial"})

		got, err := ReadRequestBody(req)
		require.Error(t, err)
		assert.Equal(t, "partial", got)

		again, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		assert.Equal(t, "partial", string(again))
	})
}

func TestResponseCapture(t *testing.T) {
	t.Parallel()

	t.Run("複数回の書き込みをまとめて同じバイト列で書き出すこと", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		capture := NewResponseCapture(c.Writer)

		capture.Header().Set("Content-Type", "text/plain; charset=utf-8")
		capture.WriteHeader(http.StatusAccepted)
		_, _ = capture.Write([]byte("こんにちは、"))
		_, _ = capture.WriteString("世界")
		capture.Flush()
		_, _ = capture.Write([]byte("!"))

		// 書き出すまで元のWriterには何も書かれない
		assert.False(t, c.Writer.Written())
		assert.Equal(t, "こんにちは、世界!", capture.Captured())
		assert.Equal(t, http.StatusAccepted, capture.Status())
		assert.Equal(t, len("こんにちは、世界!"), capture.Size())

		require.NoError(t, capture.Replay())
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "こんにちは、世界!", rec.Body.String())
		assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	})

	t.Run("ボディ書き込み後のステータス変更は無視されること", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		capture := NewResponseCapture(c.Writer)

		_, _ = capture.Write([]byte("ok"))
		capture.WriteHeader(http.StatusInternalServerError)
		assert.Equal(t, http.StatusOK, capture.Status())
	})

	t.Run("ボディが無い場合もステータスを書き出すこと", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		capture := NewResponseCapture(c.Writer)

		assert.Equal(t, -1, capture.Size())
		assert.False(t, capture.Written())
		capture.WriteHeader(http.StatusNoContent)

		require.NoError(t, capture.Replay())
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, rec.Body.String())
	})

	t.Run("ginのハンドラ出力を捕捉できること", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		original := c.Writer
		capture := NewResponseCapture(original)
		c.Writer = capture

		c.JSON(http.StatusCreated, gin.H{"id": "o-1"})

		c.Writer = original
		assert.JSONEq(t, `{"id":"o-1"}`, capture.Captured())
		require.NoError(t, capture.Replay())
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.JSONEq(t, `{"id":"o-1"}`, rec.Body.String())
	})
}
