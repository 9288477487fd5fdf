//go:build integration
// +build integration

package exchange

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"shock-trader/internal/config"
)

func TestMarketDataIntegration_DailySnapshot(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("integration test panic: %v", r)
		}
	}()

	configPath := os.Getenv("SHOCK_CONFIG")
	if configPath == "" {
		configPath = "../../configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if len(cfg.Market.Symbols) == 0 {
		t.Skip("配置缺少标的，跳过测试")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := NewClient(MarketOptions(cfg.Market), zap.NewNop())
	if err != nil {
		t.Fatalf("初始化行情客户端失败: %v", err)
	}
	svc := NewMarketDataService(client, client, 1, zap.NewNop())

	symbol := cfg.Market.Symbols[0]
	snap, err := svc.GetSnapshot(ctx, symbol, SnapshotRequest{DailyLimit: 21, OrderBookDepth: 5})
	if err != nil {
		t.Fatalf("获取 %s 快照失败: %v", symbol, err)
	}
	if len(snap.Daily) == 0 {
		t.Fatalf("%s 未返回日线", symbol)
	}
	for i := 1; i < len(snap.Daily); i++ {
		if snap.Daily[i].Timestamp.Before(snap.Daily[i-1].Timestamp) {
			t.Fatalf("日线未按时间升序: %d", i)
		}
	}
	t.Logf("获取 %s 日线 %d 根，最新收盘 %.4f，盘口可用=%v",
		symbol, len(snap.Daily), snap.Daily[len(snap.Daily)-1].Close, snap.BookHealthy)
}
