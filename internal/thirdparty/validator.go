package thirdparty

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net"
	"net/netip"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// CredentialValidator は (clientID, securityKey, callerAddress) を検証する。
// 監査レコードは記録しない。
type CredentialValidator interface {
	Validate(ctx context.Context, clientID, securityKey, callerAddress string) ValidationOutcome
}

// DirectoryValidator はClientDirectoryに登録されたハッシュと照合するCredentialValidator。
type DirectoryValidator struct {
	dir    ClientDirectory
	logger *zap.Logger
}

var _ CredentialValidator = (*DirectoryValidator)(nil)

// NewValidator は新しいDirectoryValidatorを生成する。
func NewValidator(dir ClientDirectory, logger *zap.Logger) *DirectoryValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectoryValidator{dir: dir, logger: logger}
}

// dummyHash は未登録クライアントでも照合の計算量を揃えるためのハッシュ。
var dummyHash = HashSecurityKey("portal-unregistered-client")

// Validate は資格情報を検証する。
// キーが一致するまではクライアントを特定した結果を返さない。
func (v *DirectoryValidator) Validate(ctx context.Context, clientID, securityKey, callerAddress string) ValidationOutcome {
	if clientID == "" || securityKey == "" {
		return ValidationOutcome{Message: MissingCredentials.Message()}
	}

	ident, err := v.dir.Lookup(ctx, clientID)
	if err != nil {
		compareKey(dummyHash, securityKey)
		if !errors.Is(err, ErrClientNotFound) {
			v.logger.Error("クライアント情報の取得に失敗", zap.String("client_id", clientID), zap.Error(err))
			return ValidationOutcome{Message: "credential lookup failed"}
		}
		return ValidationOutcome{Message: InvalidCredentials.Message()}
	}

	if !compareKey(ident.CredentialHash, securityKey) {
		return ValidationOutcome{Message: InvalidCredentials.Message()}
	}

	identified := ValidationOutcome{ClientID: ident.ID, ClientName: ident.Name}
	if !ident.Active {
		identified.Message = "client is inactive"
		return identified
	}
	if !addressAllowed(ident.AllowedAddresses, callerAddress) {
		identified.Message = "caller address not allowed"
		return identified
	}

	identified.IsValid = true
	return identified
}

// compareKey は提示されたキーと保存済みハッシュを定数時間で比較する。
func compareKey(stored, presented string) bool {
	switch {
	case strings.HasPrefix(stored, sha256HashPrefix):
		sum := sha256.Sum256([]byte(presented))
		got := hex.EncodeToString(sum[:])
		want := strings.ToLower(strings.TrimPrefix(stored, sha256HashPrefix))
		return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
	case isBcryptHash(stored):
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) == nil
	default:
		return false
	}
}

func isBcryptHash(s string) bool {
	for _, p := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// addressAllowed は呼び出し元アドレスが許可リストに含まれるかを返す。
// リストが空なら常に許可する。
func addressAllowed(allowed []string, caller string) bool {
	if len(allowed) == 0 {
		return true
	}

	host := caller
	if h, _, err := net.SplitHostPort(caller); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, entry := range allowed {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}
