package thirdparty

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ReadRequestBody はリクエストボディを全て読み取り、後続の読み手のために
// 同じ内容のボディを r.Body に戻す。
// 読み取りに失敗した場合も、それまでに読めた分を r.Body に戻す。
func ReadRequestBody(r *http.Request) (string, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return "", nil
	}

	body, err := io.ReadAll(r.Body)
	_ = r.Body.Close()

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return string(body), err
}

// ResponseCapture は転送先ハンドラの出力をバッファに溜める gin.ResponseWriter。
// ハンドラの完了後に Captured で内容を参照し、Replay で元のWriterへ書き出す。
// ヘッダーは元のWriterのものを共有する。
type ResponseCapture struct {
	gin.ResponseWriter

	buf     bytes.Buffer
	status  int
	written bool
}

var _ gin.ResponseWriter = (*ResponseCapture)(nil)

// NewResponseCapture はwを包むResponseCaptureを生成する。
// ステータスコードの初期値はwに設定済みの値を引き継ぐ。
func NewResponseCapture(w gin.ResponseWriter) *ResponseCapture {
	status := w.Status()
	if status <= 0 {
		status = http.StatusOK
	}
	return &ResponseCapture{ResponseWriter: w, status: status}
}

// WriteHeader はステータスコードを保持する。ボディ書き込み後の変更は無視する。
func (rc *ResponseCapture) WriteHeader(code int) {
	if code > 0 && !rc.written {
		rc.status = code
	}
}

// WriteHeaderNow はヘッダーを書き込み済みとして扱う。
func (rc *ResponseCapture) WriteHeaderNow() {
	rc.written = true
}

// Write はボディをバッファに追記する。
func (rc *ResponseCapture) Write(b []byte) (int, error) {
	rc.written = true
	return rc.buf.Write(b)
}

// WriteString は文字列をバッファに追記する。
func (rc *ResponseCapture) WriteString(s string) (int, error) {
	rc.written = true
	return rc.buf.WriteString(s)
}

// Status は保持しているステータスコードを返す。
func (rc *ResponseCapture) Status() int {
	return rc.status
}

// Size はバッファに溜めたバイト数を返す。未書き込みなら -1。
func (rc *ResponseCapture) Size() int {
	if !rc.written {
		return -1
	}
	return rc.buf.Len()
}

// Written はヘッダーまたはボディが書き込まれたかを返す。
func (rc *ResponseCapture) Written() bool {
	return rc.written
}

// Flush は何もしない。内容は Replay でまとめて書き出す。
func (rc *ResponseCapture) Flush() {}

// Captured はバッファに溜めたボディを返す。
func (rc *ResponseCapture) Captured() string {
	return rc.buf.String()
}

// Replay は保持したステータスコードとボディを元のWriterへそのまま書き出す。
func (rc *ResponseCapture) Replay() error {
	rc.ResponseWriter.WriteHeader(rc.status)
	if rc.buf.Len() == 0 {
		rc.ResponseWriter.WriteHeaderNow()
		return nil
	}
	_, err := rc.ResponseWriter.Write(rc.buf.Bytes())
	return err
}
