package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// partitionsCmd represents the partitions command
var partitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "raw 파티션 조회",
}

var partitionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "raw 파티션 목록 (최신순)",
	Long: `RAW_PREFIX 아래 YYYYMMDD 디렉터리를 최신순으로 표시합니다.

Example:
  go run ./cmd/flow partitions list --limit 10
  go run ./cmd/flow partitions list --status broker_summary_all`,
	RunE: listPartitions,
}

var (
	partitionsLimit  int
	partitionsFlavor string
)

func init() {
	rootCmd.AddCommand(partitionsCmd)
	partitionsCmd.AddCommand(partitionsListCmd)

	partitionsListCmd.Flags().IntVar(&partitionsLimit, "limit", 30, "표시할 개수 (0 = 전체)")
	partitionsListCmd.Flags().StringVar(&partitionsFlavor, "status", "", "이 flavor 의 집계 여부도 표시")
}

func listPartitions(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	dates, err := a.partitions.ListPartitions(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	total := len(dates)
	if partitionsLimit > 0 && len(dates) > partitionsLimit {
		dates = dates[:partitionsLimit]
	}

	if partitionsFlavor == "" {
		for _, d := range dates {
			fmt.Println(d)
		}
		fmt.Printf("\n%d of %d partitions\n", len(dates), total)
		return nil
	}

	f, err := a.catalog.Lookup(partitionsFlavor)
	if err != nil {
		return err
	}

	widths := []int{10, 40, 10}
	PrintTableHeader([]string{"Date", "Output", "Status"}, widths)
	done := 0
	for _, d := range dates {
		dir := a.writer.Dir(f, d)
		complete, err := a.writer.Done(ctx, f, d)
		status := "pending"
		switch {
		case err != nil:
			status = "error"
		case complete:
			status = "done"
			done++
		default:
			if partial, _ := a.writer.Exists(ctx, dir); partial {
				status = "partial"
			}
		}
		PrintTableRow([]string{d, dir, status}, widths)
	}
	fmt.Printf("\n%d of %d shown partitions aggregated for %s\n", done, len(dates), f.Name)
	return nil
}
