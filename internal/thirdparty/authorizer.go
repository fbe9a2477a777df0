package thirdparty

import (
	"context"
	"path"
	"strings"

	"go.uber.org/zap"
)

// EndpointAuthorizer は検証済みクライアントがパスを呼び出せるかを判定する。
type EndpointAuthorizer interface {
	IsAllowed(ctx context.Context, clientID, path string) bool
}

// AllowlistAuthorizer はクライアントのAllowedEndpointsと照合するEndpointAuthorizer。
// 許可リストが空のクライアントはすべて拒否する。
type AllowlistAuthorizer struct {
	dir    ClientDirectory
	logger *zap.Logger
}

var _ EndpointAuthorizer = (*AllowlistAuthorizer)(nil)

// NewAuthorizer は新しいAllowlistAuthorizerを生成する。
func NewAuthorizer(dir ClientDirectory, logger *zap.Logger) *AllowlistAuthorizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AllowlistAuthorizer{dir: dir, logger: logger}
}

// IsAllowed はpathがクライアントの許可リストのいずれかに一致するかを返す。
func (a *AllowlistAuthorizer) IsAllowed(ctx context.Context, clientID, p string) bool {
	ident, err := a.dir.Lookup(ctx, clientID)
	if err != nil {
		a.logger.Warn("許可エンドポイントの取得に失敗", zap.String("client_id", clientID), zap.Error(err))
		return false
	}
	for _, pattern := range ident.AllowedEndpoints {
		if MatchEndpoint(pattern, p) {
			return true
		}
	}
	return false
}

// MatchEndpoint はパスがパターンに一致するかを返す。
//
//   - "*" はすべてのパスに一致する。
//   - "/a/b/*" は "/a/b" 自身と "/a/b/" 配下に一致する。"/a/bc" には一致しない。
//   - それ以外は完全一致。
//
// 比較の前にパスとパターンを path.Clean で正規化する。
func MatchEndpoint(pattern, p string) bool {
	if pattern == "" || p == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	p = path.Clean(p)

	if base, ok := strings.CutSuffix(pattern, "/*"); ok {
		if base == "" {
			return strings.HasPrefix(p, "/")
		}
		base = path.Clean(base)
		return p == base || strings.HasPrefix(p, base+"/")
	}
	return p == path.Clean(pattern)
}
