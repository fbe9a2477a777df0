// ポータルゲートウェイのエントリポイント。
// ファーストパーティAPI（JWT認証）と、サードパーティクライアント向けの
// 監査付きゲートウェイを1つのHTTPサーバーで提供する。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/nao1215/portal/internal/gateway"
	"github.com/nao1215/portal/pkg/config"
	"github.com/nao1215/portal/pkg/logger"
)

func main() {
	cfg, err := config.Load(os.Getenv("PORTAL_CONFIG"))
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	zl, err := logger.New(cfg.Log.Level, logger.Format(cfg.Log.Format), "gateway")
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := gateway.NewServer(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("Gatewayサーバーの初期化に失敗", zap.Error(err))
	}
	defer func() {
		if err := server.Close(); err != nil {
			zl.Error("Gatewayサーバーの終了処理に失敗", zap.Error(err))
		}
	}()

	if err := server.Run(ctx); err != nil {
		zl.Error("Gatewayサービスの実行に失敗", zap.Error(err))
		return
	}
	zl.Info("Gatewayサービスを停止しました")
}
