package app

import (
	"context"
	"fmt"

	"tapesim/internal/backtest"
	"tapesim/internal/config"
	"tapesim/internal/logger"
	"tapesim/internal/store/tradelog"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：构建依赖→打印启动摘要→驱动回放与 HTTP 服务。
type App struct {
	cfg     *config.Config
	orch    *backtest.Orchestrator
	httpSrv *backtest.HTTPServer
	journal *backtest.RunJournal
	trades  *tradelog.Store
	Summary *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动回放；历史数据耗尽或收到停止信号后正常返回。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.orch == nil {
		return fmt.Errorf("orchestrator not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	defer a.Close()

	group, gctx := errgroup.WithContext(ctx)
	runCtx, stopAux := context.WithCancel(gctx)
	defer stopAux()

	if a.httpSrv != nil {
		group.Go(func() error {
			if err := a.httpSrv.Start(runCtx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		// 回放结束后停掉辅助服务，整个进程随之退出
		defer stopAux()
		return a.orch.Run(runCtx)
	})
	return group.Wait()
}

// Close 释放日志与流水存储的数据库连接。
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.trades != nil {
		if err := a.trades.Close(); err != nil {
			logger.Warnf("关闭交易流水失败: %v", err)
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			logger.Warnf("关闭运行日志失败: %v", err)
		}
	}
}

// Orchestrator 暴露底层回放循环，测试用。
func (a *App) Orchestrator() *backtest.Orchestrator {
	if a == nil {
		return nil
	}
	return a.orch
}
