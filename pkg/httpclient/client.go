package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// defaultTimeout は上流呼び出しの既定タイムアウト。
const defaultTimeout = 30 * time.Second

// headerKeyClientID は上流へクライアントIDを伝播するためのHTTPヘッダーキー。
const headerKeyClientID = "X-Client-ID"

// forwardedHeaders は上流へそのまま引き継ぐリクエストヘッダー。
// 資格情報を含むヘッダーは含めない。
var forwardedHeaders = []string{"Content-Type", "Accept", "Accept-Language", "User-Agent"}

// Client は上流API呼び出し用のHTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は上流APIのベースURL。
	baseURL string
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithTimeout は上流呼び出しのタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient は内部で使用するHTTPクライアントを差し替える。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New は新しいHTTPクライアントを生成する。
// baseURLには上流APIのベースURL（例: "http://orders:8081"）を指定する。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ForwardRequest は上流へ転送するリクエスト。
type ForwardRequest struct {
	// Method はHTTPメソッド。
	Method string
	// Path はベースURLに連結するパス。
	Path string
	// RawQuery はエンコード済みのクエリ文字列。
	RawQuery string
	// Header は元のリクエストヘッダー。forwardedHeadersのみ引き継ぐ。
	Header http.Header
	// Body はリクエストボディ。
	Body []byte
}

// Response は上流からのレスポンス。
type Response struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Header はレスポンスヘッダー。
	Header http.Header
	// Body はレスポンスボディ。
	Body []byte
}

// Forward はリクエストを上流へ転送し、レスポンスをそのまま返す。
// 上流が4xx/5xxを返してもエラーにはしない。エラーは通信自体の失敗のみ。
func (c *Client) Forward(ctx context.Context, fr ForwardRequest) (*Response, error) {
	url := c.baseURL + fr.Path
	if fr.RawQuery != "" {
		url += "?" + fr.RawQuery
	}

	var bodyReader io.Reader
	if len(fr.Body) > 0 {
		bodyReader = bytes.NewReader(fr.Body)
	}

	req, err := http.NewRequestWithContext(ctx, fr.Method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	for _, key := range forwardedHeaders {
		if v := fr.Header.Get(key); v != "" {
			req.Header.Set(key, v)
		}
	}

	// コンテキストからクライアントIDを伝播する
	if clientID, ok := ctx.Value(contextKeyClientID).(string); ok && clientID != "" {
		req.Header.Set(headerKeyClientID, clientID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み込みに失敗: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyClientID はコンテキストにクライアントIDを格納するためのキー。
const contextKeyClientID contextKey = "client_id"

// WithClientID はコンテキストにクライアントIDを設定する。
// 上流呼び出し時に検証済みクライアントを伝播するために使用する。
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, contextKeyClientID, clientID)
}
