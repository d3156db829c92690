package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/tradeflow/internal/api"
	"github.com/wonny/tradeflow/internal/api/handlers"
	"github.com/wonny/tradeflow/pkg/redis"
)

// apiCmd represents the api command
var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "API 서버 시작",
	Long: `REST API 서버를 시작합니다.

Endpoints:
  GET  /health                  - Health check
  GET  /api/flavors             - 등록된 flavor
  GET  /api/runs                - 실행 이력
  POST /api/runs                - 집계 실행 트리거
  GET  /api/runs/current        - 현재 진행률
  GET  /api/runs/{id}           - 실행 조회
  GET  /api/runs/{id}/progress  - 실행 진행률
  POST /api/runs/{id}/cancel    - 실행 취소
  WS   /ws/progress             - 진행률 스트림

Example:
  go run ./cmd/flow api
  go run ./cmd/flow api --port 8080 --with-scheduler`,
	RunE: runAPIServer,
}

var (
	apiPort       string
	withScheduler bool
)

func init() {
	rootCmd.AddCommand(apiCmd)

	// Flags
	apiCmd.Flags().StringVar(&apiPort, "port", "", "API 서버 포트 (기본: PORT)")
	apiCmd.Flags().BoolVar(&withScheduler, "with-scheduler", false, "스케줄러를 같은 프로세스에서 실행")
	apiCmd.Flags().StringSliceVar(&schedFeatures, "feature", nil, "스케줄 집계 feature (기본: 전체)")
}

func runAPIServer(cmd *cobra.Command, args []string) error {
	fmt.Println("=== tradeflow API Server ===")

	// runs submitted over HTTP live as long as the server
	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	a, err := newApp(base)
	if err != nil {
		return err
	}
	defer a.Close()

	if apiPort != "" {
		a.cfg.Port = apiPort
	}

	progressCache := redis.NewCache(a.redis, "tradeflow")
	runs := handlers.NewRunHandler(base, a.runner, a.catalog, a.sink,
		redis.NewRateLimiter(a.redis, "tradeflow"), progressCache, a.log)
	progress := handlers.NewProgressHandler(a.runner.Tracker(), progressCache, time.Second, a.log)
	health := handlers.NewHealthHandler(a.db, a.redis, a.partitions, a.log)

	router := api.NewRouter(runs, progress, health, a.log)
	server := api.New(a.cfg.Port, router, a.log)

	go progress.Publish(base)

	if withScheduler {
		sched, err := newScheduler(a)
		if err != nil {
			return fmt.Errorf("init scheduler: %w", err)
		}
		sched.Start()
		defer sched.Stop()
	}

	ctx, stop := signal.NotifyContext(base, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = server.Run(ctx, func(addr string) {
		fmt.Printf("\n✅ Server running on %s\n", addr)
		fmt.Println("\nPress Ctrl+C to stop")
	})
	if err != nil {
		return err
	}

	// stop background runs; they finish their current batch and record cancelled
	cancelBase()
	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for a.runner.Busy() {
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("run still active at shutdown")
		case <-time.After(100 * time.Millisecond):
		}
	}

	a.log.Info("Server stopped")
	return nil
}
