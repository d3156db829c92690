package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/tradeflow/internal/aggregate"
	"github.com/wonny/tradeflow/internal/joblog"
	"github.com/wonny/tradeflow/internal/pipeline"
)

// aggregateCmd represents the aggregate command
var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "체결 집계 실행",
	Long: `raw 파티션을 flavor 별 요약 테이블로 집계합니다.

Subcommands:
  run      - 집계 실행
  flavors  - 등록된 flavor 목록

Example:
  go run ./cmd/flow aggregate run --feature broker_summary
  go run ./cmd/flow aggregate run --flavor sector_summary_rg --from 20250101
  go run ./cmd/flow aggregate flavors --feature origin_flow`,
}

var (
	aggregateRunCmd = &cobra.Command{
		Use:   "run",
		Short: "집계 실행",
		Long: `선택한 feature / flavor 로 파티션을 집계합니다.

- --feature 를 여러 번 주면 feature 마다 별도 실행(job log)으로 처리
- --flavor 는 flavor 또는 feature 이름, "all" 을 받으며 한 번의 실행으로 처리
- 이미 출력이 있는 (partition, flavor)는 skipped 로 집계
- Ctrl+C 는 현재 배치가 끝난 뒤 실행을 cancelled 로 종료`,
		RunE: runAggregate,
	}

	aggregateFlavorsCmd = &cobra.Command{
		Use:   "flavors",
		Short: "등록된 flavor 목록",
		RunE:  listFlavors,
	}
)

var (
	aggFeatures []string
	aggFlavors  []string
	aggDates    []string
	aggFrom     string
	aggTo       string
	aggLimit    int
	aggRefresh  time.Duration
	flavorsOf   string
)

func init() {
	rootCmd.AddCommand(aggregateCmd)
	aggregateCmd.AddCommand(aggregateRunCmd)
	aggregateCmd.AddCommand(aggregateFlavorsCmd)

	// Flags
	aggregateRunCmd.Flags().StringSliceVar(&aggFeatures, "feature", nil, "feature 이름 (반복 가능)")
	aggregateRunCmd.Flags().StringSliceVar(&aggFlavors, "flavor", nil, "flavor 이름 (반복 가능, all 허용)")
	aggregateRunCmd.Flags().StringSliceVar(&aggDates, "dates", nil, "집계할 파티션 (YYYYMMDD, 콤마 구분)")
	aggregateRunCmd.Flags().StringVar(&aggFrom, "from", "", "시작 파티션 (YYYYMMDD, 포함)")
	aggregateRunCmd.Flags().StringVar(&aggTo, "to", "", "끝 파티션 (YYYYMMDD, 포함)")
	aggregateRunCmd.Flags().IntVar(&aggLimit, "limit", 0, "최신 N 개 파티션만 (0 = 전체)")
	aggregateRunCmd.Flags().DurationVar(&aggRefresh, "refresh", 2*time.Second, "진행률 출력 간격")

	aggregateFlavorsCmd.Flags().StringVar(&flavorsOf, "feature", "", "feature 로 필터")
}

// runGroup is one runner invocation
type runGroup struct {
	feature string
	flavors []aggregate.Flavor
}

func planRuns(catalog *aggregate.Catalog, features, flavors []string) ([]runGroup, error) {
	if len(flavors) > 0 {
		selected, err := catalog.Select(flavors...)
		if err != nil {
			return nil, err
		}
		return []runGroup{{feature: strings.Join(flavors, ","), flavors: selected}}, nil
	}

	if len(features) == 0 {
		return nil, errors.New("--feature or --flavor is required")
	}

	groups := make([]runGroup, 0, len(features))
	for _, feature := range features {
		selected, err := catalog.Feature(feature)
		if err != nil {
			return nil, err
		}
		groups = append(groups, runGroup{feature: feature, flavors: selected})
	}
	return groups, nil
}

func runAggregate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	groups, err := planRuns(a.catalog, aggFeatures, aggFlavors)
	if err != nil {
		return err
	}

	failed := 0
	for _, g := range groups {
		meta := RunMetadata{
			Feature: g.feature,
			Flavors: len(g.flavors),
			Trigger: joblog.TriggerManual,
			Dates:   aggDates,
			Limit:   aggLimit,
		}
		if aggFrom != "" || aggTo != "" {
			meta.Period = &Period{From: aggFrom, To: aggTo}
		}
		PrintRunHeader(meta)

		res, err := runWithProgress(ctx, a.runner, pipeline.Request{
			Feature: g.feature,
			Trigger: joblog.TriggerManual,
			Flavors: g.flavors,
			Dates:   aggDates,
			From:    aggFrom,
			To:      aggTo,
			Limit:   aggLimit,
		})
		if res != nil {
			PrintRunSummary(res)
		}

		switch {
		case errors.Is(err, pipeline.ErrCancelled):
			PrintWarning("Run cancelled")
			return err
		case err != nil:
			PrintError(err.Error())
			failed++
		case res.Counts.Failed > 0:
			PrintWarning(fmt.Sprintf("%d units failed; rerun to retry them", res.Counts.Failed))
			failed++
		default:
			PrintSuccess(fmt.Sprintf("%s completed", g.feature))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d runs did not complete cleanly", failed, len(groups))
	}
	return nil
}

// runWithProgress runs req and prints tracker snapshots meanwhile
func runWithProgress(ctx context.Context, runner *pipeline.Runner, req pipeline.Request) (*pipeline.Result, error) {
	done := make(chan struct{})
	defer close(done)

	if aggRefresh > 0 {
		go func() {
			ticker := time.NewTicker(aggRefresh)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if s := runner.Tracker().Snapshot(); s.State == pipeline.StateRunning {
						PrintProgress(s)
					}
				}
			}
		}()
	}

	return runner.Run(ctx, req)
}

func listFlavors(cmd *cobra.Command, args []string) error {
	catalog := aggregate.NewCatalog(nil)

	flavors := catalog.All()
	if flavorsOf != "" {
		var err error
		if flavors, err = catalog.Feature(flavorsOf); err != nil {
			return err
		}
	}

	widths := []int{28, 15, 15, 11, 6, 5}
	PrintTableHeader([]string{"Flavor", "Dimension", "Filter", "Columns", "Orders", "Swap"}, widths)
	for _, f := range flavors {
		PrintTableRow([]string{
			f.Name,
			f.Dimension.Name(),
			f.Filter.Suffix(),
			fmt.Sprint(len(f.Columns())),
			yesNo(f.OrderDedup),
			yesNo(f.SwapSides),
		}, widths)
	}
	fmt.Printf("\n%d flavors (features: %s)\n", len(flavors), strings.Join(catalog.Features(), ", "))
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "-"
}
