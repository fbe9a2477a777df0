// Package config はゲートウェイの設定を読み込む。
//
// 既定値、YAMLファイル（任意）、環境変数（PORTAL_ 接頭辞）の順に上書きする。
// キーの "." は環境変数では "_" になる（例: PORTAL_THIRD_PARTY_PATH_PREFIX）。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config はゲートウェイ全体の設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `mapstructure:"port"`
	// JWTSecret はJWT署名用の秘密鍵。
	JWTSecret string `mapstructure:"jwt_secret"`
	// FrontendURL はCORSで許可するフロントエンドのオリジン。
	FrontendURL string `mapstructure:"frontend_url"`
	// Database はデータソースの設定。
	Database DatabaseConfig `mapstructure:"database"`
	// ThirdParty はサードパーティゲートウェイの設定。
	ThirdParty ThirdPartyConfig `mapstructure:"third_party"`
	// Redis はレート制限状態の共有先。Addrが空ならプロセス内で管理する。
	Redis RedisConfig `mapstructure:"redis"`
	// Log はロガーの設定。
	Log LogConfig `mapstructure:"log"`
}

// DatabaseConfig は論理データソースごとのDSN。
type DatabaseConfig struct {
	// PrimaryDSN は書き込み用データソース。
	PrimaryDSN string `mapstructure:"primary_dsn"`
	// SecondaryDSN は参照用データソース。空ならPrimaryを使う。
	SecondaryDSN string `mapstructure:"secondary_dsn"`
}

// ThirdPartyConfig はサードパーティゲートウェイの設定。
type ThirdPartyConfig struct {
	// PathPrefix はゲートウェイが保護するパスの接頭辞。
	PathPrefix string `mapstructure:"path_prefix"`
	// UpstreamURL は保護対象APIの転送先。
	UpstreamURL string `mapstructure:"upstream_url"`
	// DirectoryCacheTTL はクライアント情報キャッシュの有効期間（古さの上限）。
	DirectoryCacheTTL time.Duration `mapstructure:"directory_cache_ttl"`
	// DirectoryCacheSize はキャッシュするクライアント数の上限。
	DirectoryCacheSize int `mapstructure:"directory_cache_size"`
}

// RedisConfig はRedis接続の設定。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// LogConfig はロガーの設定。
type LogConfig struct {
	// Level は debug|info|warn|error。
	Level string `mapstructure:"level"`
	// Format は json|console。
	Format string `mapstructure:"format"`
}

// envPrefix は環境変数の接頭辞。
const envPrefix = "portal"

// Load は設定を読み込む。pathが空の場合はファイルを読まない。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// コンテナ実行環境が設定する PORT も受け付ける
	if err := v.BindEnv("port", "PORTAL_PORT", "PORT"); err != nil {
		return nil, fmt.Errorf("環境変数のバインドに失敗: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定のデコードに失敗: %w", err)
	}
	cfg.ThirdParty.PathPrefix = normalizePrefix(cfg.ThirdParty.PathPrefix)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("jwt_secret", "dev-secret-key")
	v.SetDefault("frontend_url", "http://localhost:3000")
	v.SetDefault("database.primary_dsn", "/data/portal.db")
	v.SetDefault("database.secondary_dsn", "")
	v.SetDefault("third_party.path_prefix", "/api/third-party")
	v.SetDefault("third_party.upstream_url", "")
	v.SetDefault("third_party.directory_cache_ttl", 30*time.Second)
	v.SetDefault("third_party.directory_cache_size", 1024)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "portal:ratelimit:")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// normalizePrefix は末尾の "/" と "/*" を取り除く。
func normalizePrefix(p string) string {
	p = strings.TrimSuffix(p, "*")
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port は必須です"))
	}
	if c.Database.PrimaryDSN == "" {
		errs = append(errs, errors.New("database.primary_dsn は必須です"))
	}
	if c.ThirdParty.PathPrefix == "" || c.ThirdParty.PathPrefix == "/" || !strings.HasPrefix(c.ThirdParty.PathPrefix, "/") {
		errs = append(errs, fmt.Errorf("third_party.path_prefix が不正です: %q", c.ThirdParty.PathPrefix))
	}
	if c.ThirdParty.DirectoryCacheTTL <= 0 {
		errs = append(errs, errors.New("third_party.directory_cache_ttl は正の値である必要があります"))
	}
	if c.ThirdParty.DirectoryCacheSize <= 0 {
		errs = append(errs, errors.New("third_party.directory_cache_size は正の値である必要があります"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level が不正です: %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format が不正です: %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("設定が不正です: %w", errors.Join(errs...))
	}
	return nil
}
