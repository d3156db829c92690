package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// runsCmd represents the runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "실행 이력 (job log) 조회",
	Long: `job log 에 기록된 실행 이력을 조회하거나 실행 중인 run 을 취소합니다.

Example:
  go run ./cmd/flow runs list
  go run ./cmd/flow runs cancel 42`,
}

var (
	runsListCmd = &cobra.Command{
		Use:   "list",
		Short: "최근 실행 목록",
		RunE:  listRuns,
	}

	runsCancelCmd = &cobra.Command{
		Use:   "cancel [run_id]",
		Short: "실행 취소 요청 (다음 배치 전에 중단)",
		Args:  cobra.ExactArgs(1),
		RunE:  cancelRun,
	}
)

var runsLimit int

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsCancelCmd)

	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "표시할 개수")
}

func listRuns(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.sink.List(ctx, runsLimit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	widths := []int{6, 28, 10, 10, 7, 8, 8, 6, 19}
	PrintTableHeader([]string{"ID", "Feature", "Trigger", "Status", "%", "Success", "Skipped", "Failed", "Created"}, widths)
	for _, e := range entries {
		PrintTableRow([]string{
			strconv.FormatInt(e.ID, 10),
			e.Feature,
			e.Trigger,
			string(e.Status),
			fmt.Sprintf("%.1f", e.Percentage),
			strconv.Itoa(e.Counts.Success),
			strconv.Itoa(e.Counts.Skipped),
			strconv.Itoa(e.Counts.Failed),
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		}, widths)
	}
	return nil
}

func cancelRun(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid run id %q", args[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	entry, err := a.sink.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status.Terminal() {
		PrintWarning(fmt.Sprintf("Run #%d already %s", id, entry.Status))
		return nil
	}

	if err := a.sink.Cancel(ctx, id); err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	PrintSuccess(fmt.Sprintf("Run #%d flagged cancelled; it stops before its next batch", id))
	return nil
}
