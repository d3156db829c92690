package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "연결 상태 점검",
	Long: `설정을 읽고 storage / Redis / PostgreSQL 연결을 점검합니다.

이 명령어는:
- config 로드
- raw 파티션 목록 조회
- reference (sector / emiten) 적재
- job log 저장소 Health Check 와 Connection Pool 통계 표시

Example:
  go run ./cmd/flow check
  go run ./cmd/flow check --env production`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	fmt.Println("=== tradeflow Connection Check ===")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		PrintError(err.Error())
		return err
	}
	defer a.Close()
	PrintSuccess(fmt.Sprintf("Config loaded (ENV: %s)", a.cfg.Env))

	dates, err := a.partitions.ListPartitions(ctx)
	if err != nil {
		PrintError(fmt.Sprintf("Storage: %v", err))
		return err
	}
	latest := "-"
	if len(dates) > 0 {
		latest = dates[0]
	}
	PrintSuccess(fmt.Sprintf("Storage %s: %d partitions (latest %s)", a.cfg.Storage.URL, len(dates), latest))

	set, err := a.reference.Get(ctx)
	if err != nil {
		PrintError(fmt.Sprintf("Reference: %v", err))
		return err
	}
	PrintSuccess(fmt.Sprintf("Reference: %d sectors, %d stocks", len(set.Sectors()), len(set.Stocks())))

	if a.redis.Enabled() {
		PrintSuccess("Redis connected")
	} else {
		fmt.Println("ℹ️  Redis disabled")
	}

	if a.sqlite != nil {
		if _, err := a.sink.List(ctx, 1); err != nil {
			PrintError(fmt.Sprintf("Job log: %v", err))
			return err
		}
		PrintSuccess(fmt.Sprintf("Job log: sqlite %s", a.cfg.SQLitePath))
		fmt.Println("\n✅ All checks passed!")
		return nil
	}
	if a.db == nil {
		fmt.Println("ℹ️  Job log kept in memory")
		return nil
	}

	status, err := a.db.HealthCheck(ctx)
	if err != nil {
		PrintError(fmt.Sprintf("Database: %v", err))
		return err
	}
	PrintSuccess(fmt.Sprintf("Database healthy (%v)", status.Latency))

	fmt.Println("📊 Connection Pool Statistics:")
	PrintKeyValue("Max Connections", fmt.Sprint(status.MaxConns), 20)
	PrintKeyValue("Total Connections", fmt.Sprint(status.TotalConns), 20)
	PrintKeyValue("Idle Connections", fmt.Sprint(status.IdleConns), 20)
	PrintKeyValue("Acquire Count", fmt.Sprint(status.AcquireCount), 20)
	PrintKeyValue("Empty Acquires", fmt.Sprint(status.EmptyAcquires), 20)

	fmt.Println("\n✅ All checks passed!")
	return nil
}
