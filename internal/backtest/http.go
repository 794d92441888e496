package backtest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"tapesim/internal/ledger"
	"tapesim/internal/store/tradelog"

	"github.com/gin-gonic/gin"
)

// HTTPServer 提供只读查询接口：回放状态、账户、run 历史与流水。
// 回放本身不依赖它，配置了 http_addr 才会启动。
type HTTPServer struct {
	addr    string
	orch    *Orchestrator
	ledger  *ledger.Ledger
	journal *RunJournal
	trades  *tradelog.Store
	router  *gin.Engine
}

type HTTPConfig struct {
	Addr         string
	Orchestrator *Orchestrator
	Ledger       *ledger.Ledger
	Journal      *RunJournal
	Trades       *tradelog.Store
}

func NewHTTPServer(cfg HTTPConfig) (*HTTPServer, error) {
	if cfg.Addr == "" {
		cfg.Addr = ":8700"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &HTTPServer{
		addr:    cfg.Addr,
		orch:    cfg.Orchestrator,
		ledger:  cfg.Ledger,
		journal: cfg.Journal,
		trades:  cfg.Trades,
		router:  router,
	}
	s.registerRoutes()
	return s, nil
}

func (s *HTTPServer) registerRoutes() {
	s.router.GET("/healthz", s.handleHealthz)
	api := s.router.Group("/api/replay")
	api.GET("/status", s.handleStatus)
	api.GET("/account", s.handleAccount)
	api.GET("/runs", s.handleRunList)
	api.GET("/runs/:id", s.handleRunDetail)
	api.GET("/runs/:id/steps", s.handleRunSteps)
	api.GET("/runs/:id/decisions", s.handleRunDecisions)
	api.GET("/operations", s.handleOperations)
	api.GET("/trades", s.handleClosedTrades)
}

func (s *HTTPServer) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
}

func (s *HTTPServer) handleStatus(c *gin.Context) {
	if s.orch == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "回放未启动"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"replay": s.orch.Status()})
}

func (s *HTTPServer) handleAccount(c *gin.Context) {
	if s.ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "账本未初始化"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": s.ledger.Snapshot()})
}

func (s *HTTPServer) handleRunList(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "运行日志未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.journal.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *HTTPServer) handleRunDetail(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "运行日志未启用"})
		return
	}
	run, err := s.journal.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *HTTPServer) handleRunSteps(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "运行日志未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "400"))
	steps, err := s.journal.ListSteps(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"steps": steps})
}

func (s *HTTPServer) handleRunDecisions(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "运行日志未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	decisions, err := s.journal.ListDecisions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions})
}

func (s *HTTPServer) handleOperations(c *gin.Context) {
	if s.trades == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "交易流水未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	ops, err := s.trades.ListOperations(c.Request.Context(), c.Query("symbol"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

func (s *HTTPServer) handleClosedTrades(c *gin.Context) {
	if s.trades == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "交易流水未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	trades, err := s.trades.ListClosedTrades(c.Request.Context(), c.Query("symbol"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。
func (s *HTTPServer) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
