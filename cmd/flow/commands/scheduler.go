package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/tradeflow/internal/jobplan"
	"github.com/wonny/tradeflow/internal/scheduler"
	"github.com/wonny/tradeflow/internal/scheduler/jobs"
)

// schedulerCmd represents the scheduler command
var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "스케줄러 관리",
	Long: `스케줄러를 시작하거나 작업을 관리합니다.

Subcommands:
  start   - 스케줄러 시작
  list    - 등록된 작업 목록
  run     - 특정 작업 즉시 실행 (완료까지 대기)

Example:
  go run ./cmd/flow scheduler start
  go run ./cmd/flow scheduler list
  go run ./cmd/flow scheduler run daily_aggregation`,
}

var (
	schedulerStartCmd = &cobra.Command{
		Use:   "start",
		Short: "스케줄러 시작",
		Long: `스케줄러를 시작하고 등록된 모든 작업을 스케줄합니다.

등록되는 작업:
- reference_refresh: REFERENCE_SCHEDULE (기본 평일 18:00, sector / emiten 재적재)
- daily_aggregation: AGGREGATION_SCHEDULE (기본 평일 18:30, 전체 feature 집계)
- partition_cache_report: 15분마다 (캐시 통계)

JOB_PLAN이 설정되면 YAML 계획의 작업들이 daily_aggregation을 대체합니다.

스케줄러는 Ctrl+C로 종료할 수 있습니다.`,
		RunE: runScheduler,
	}

	schedulerListCmd = &cobra.Command{
		Use:   "list",
		Short: "등록된 작업 목록",
		RunE:  listJobs,
	}

	schedulerRunCmd = &cobra.Command{
		Use:   "run [job_name]",
		Short: "특정 작업 즉시 실행",
		Args:  cobra.ExactArgs(1),
		RunE:  runJob,
	}
)

var schedFeatures []string

func init() {
	rootCmd.AddCommand(schedulerCmd)
	schedulerCmd.AddCommand(schedulerStartCmd)
	schedulerCmd.AddCommand(schedulerListCmd)
	schedulerCmd.AddCommand(schedulerRunCmd)

	schedulerCmd.PersistentFlags().StringSliceVar(&schedFeatures, "feature", nil, "집계할 feature (기본: 전체)")
}

// newScheduler registers the jobs of this deployment. JOB_PLAN replaces the
// single daily aggregation with the jobs of a YAML plan.
func newScheduler(a *app) (*scheduler.Scheduler, error) {
	plan, err := loadPlan(a)
	if err != nil {
		return nil, err
	}

	var opts []scheduler.Option
	if plan.Meta.Timezone != "" {
		loc, err := time.LoadLocation(plan.Meta.Timezone)
		if err != nil {
			return nil, err
		}
		opts = append(opts, scheduler.WithLocation(loc))
	}
	sched := scheduler.New(a.log, opts...)

	registered := []scheduler.Job{jobs.NewCacheReportJob(a.partitions, a.log)}
	if plan.Reference.Schedule != "" {
		registered = append(registered, jobs.NewReferenceRefreshJob(a.reference, plan.Reference.Schedule, a.log))
	}
	for _, pj := range plan.Jobs {
		registered = append(registered,
			jobs.NewAggregationJob(pj.Name, a.runner, a.catalog, pj.Features, pj.Schedule, pj.Limit, a.log))
	}

	for _, job := range registered {
		if err := sched.AddJob(job); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

func loadPlan(a *app) (*jobplan.Plan, error) {
	var plan *jobplan.Plan
	if path := a.cfg.Engine.JobPlan; path != "" {
		p, err := jobplan.Load(path, a.catalog.Features())
		if err != nil {
			return nil, fmt.Errorf("load job plan %s: %w", path, err)
		}
		plan = p
	} else {
		plan = jobplan.Default(a.cfg.Engine.Schedule, a.cfg.Engine.ReferenceSchedule)
		if len(schedFeatures) > 0 {
			plan.Jobs[0].Features = schedFeatures
		}
		if err := jobplan.Validate(plan, a.catalog.Features()); err != nil {
			return nil, err
		}
	}

	hash, err := jobplan.Hash(plan)
	if err != nil {
		return nil, err
	}
	a.log.WithFields(map[string]interface{}{
		"plan_id": plan.Meta.PlanID,
		"hash":    hash[:12],
		"jobs":    len(plan.Jobs),
	}).Info("Job plan loaded")

	for _, w := range jobplan.Warn(plan) {
		a.log.WithField("code", w.Code).Warn(w.Message)
	}
	return plan, nil
}

func runScheduler(cmd *cobra.Command, args []string) error {
	fmt.Println("=== tradeflow Scheduler ===")

	a, err := newApp(context.Background())
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := newScheduler(a)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	sched.Start()

	PrintSuccess("Scheduler started successfully")
	fmt.Println("\nRegistered jobs:")
	for _, jobName := range sched.GetAllJobs() {
		fmt.Printf("  - %s\n", jobName)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	fmt.Println("\nShutting down scheduler (running jobs stop after their current batch)...")
	sched.Stop()
	fmt.Println("Scheduler stopped")

	return nil
}

func listJobs(cmd *cobra.Command, args []string) error {
	a, err := newApp(context.Background())
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := newScheduler(a)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	stats := sched.GetJobStats()
	widths := []int{24, 24}
	PrintTableHeader([]string{"Job", "Schedule"}, widths)
	for _, jobName := range sched.GetAllJobs() {
		PrintTableRow([]string{jobName, stats[jobName].Schedule}, widths)
	}

	return nil
}

func runJob(cmd *cobra.Command, args []string) error {
	jobName := args[0]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := newScheduler(a)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	fmt.Printf("Running job: %s\n", jobName)
	result, err := sched.RunNow(ctx, jobName)
	if err != nil {
		PrintError(fmt.Sprintf("%s failed after %d attempt(s): %v", jobName, result.Attempts, err))
		return err
	}

	PrintSuccess(fmt.Sprintf("%s completed in %s", jobName, result.Duration))
	return nil
}
