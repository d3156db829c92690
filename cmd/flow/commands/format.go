package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/wonny/tradeflow/internal/pipeline"
)

// ═══════════════════════════════════════════════════════════
// Common Formatting Utilities
// 모든 커맨드가 동일한 출력 포맷을 사용하도록 통일
// ═══════════════════════════════════════════════════════════

// RunMetadata holds run metadata for the header
type RunMetadata struct {
	Feature string
	Flavors int
	Trigger string
	Period  *Period // Optional
	Dates   []string
	Limit   int
}

// Period represents a date range
type Period struct {
	From string
	To   string
}

// PrintRunHeader prints a formatted run header
func PrintRunHeader(meta RunMetadata) {
	fmt.Println()
	PrintDoubleSeparator()
	fmt.Printf("  Aggregation: %s\n", meta.Feature)
	PrintSeparator()
	fmt.Printf("  Flavors   : %d\n", meta.Flavors)
	fmt.Printf("  Trigger   : %s\n", meta.Trigger)

	if meta.Period != nil {
		from, to := meta.Period.From, meta.Period.To
		if from == "" {
			from = "…"
		}
		if to == "" {
			to = "…"
		}
		fmt.Printf("  Period    : %s ~ %s\n", from, to)
	}
	if len(meta.Dates) > 0 {
		fmt.Printf("  Dates     : %s\n", strings.Join(meta.Dates, ", "))
	}
	if meta.Limit > 0 {
		fmt.Printf("  Limit     : newest %d partitions\n", meta.Limit)
	}

	PrintSeparator()
}

// PrintProgress prints one progress line from a tracker snapshot
// Example: [broker_summary] 42.0% batch 3/10 partitions 25/100 files 812
func PrintProgress(s pipeline.Snapshot) {
	fmt.Printf("[%s] %5.1f%% batch %d/%d partitions %d/%d files %d\n",
		s.Feature, s.Percentage, s.Batch, s.Batches, s.PartitionsDone, s.Partitions, s.Files)
}

// PrintRunSummary prints the outcome of a run
func PrintRunSummary(res *pipeline.Result) {
	fmt.Println()
	PrintKeyValue("Run ID", fmt.Sprintf("#%d", res.RunID), 10)
	PrintKeyValue("State", string(res.State), 10)
	PrintKeyValue("Partitions", fmt.Sprint(res.Partitions), 10)
	PrintKeyValue("Units", fmt.Sprint(res.Counts.Total), 10)
	PrintKeyValue("Success", fmt.Sprint(res.Counts.Success), 10)
	PrintKeyValue("Skipped", fmt.Sprint(res.Counts.Skipped), 10)
	PrintKeyValue("Empty", fmt.Sprint(res.Counts.Empty), 10)
	PrintKeyValue("Failed", fmt.Sprint(res.Counts.Failed), 10)
	PrintKeyValue("Files", fmt.Sprint(res.Counts.Files), 10)
	PrintKeyValue("Duration", res.Duration.Round(time.Millisecond).String(), 10)
	if res.Error != "" {
		PrintKeyValue("Error", res.Error, 10)
	}
	fmt.Println()
}

// PrintSeparator prints a visual separator
func PrintSeparator() {
	fmt.Println("───────────────────────────────────────────────────────────")
}

// PrintDoubleSeparator prints a double-line separator
func PrintDoubleSeparator() {
	fmt.Println("═══════════════════════════════════════════════════════════")
}

// PrintWarning prints a warning message
func PrintWarning(message string) {
	fmt.Println()
	fmt.Printf("⚠️  %s\n", message)
	fmt.Println()
}

// PrintSuccess prints a success message
func PrintSuccess(message string) {
	fmt.Printf("✅ %s\n", message)
}

// PrintError prints an error message
func PrintError(message string) {
	fmt.Printf("❌ %s\n", message)
}

// PrintTableHeader prints a table header
func PrintTableHeader(columns []string, widths []int) {
	PrintTableRow(columns, widths)

	totalWidth := 0
	for i, width := range widths {
		totalWidth += width
		if i < len(widths)-1 {
			totalWidth += 2 // spacing
		}
	}
	fmt.Println(strings.Repeat("─", totalWidth))
}

// PrintTableRow prints a table row
func PrintTableRow(values []string, widths []int) {
	for i, val := range values {
		fmt.Printf("%-*s", widths[i], val)
		if i < len(values)-1 {
			fmt.Print("  ")
		}
	}
	fmt.Println()
}

// PrintKeyValue prints key-value pairs
func PrintKeyValue(key string, value string, keyWidth int) {
	fmt.Printf("   %-*s : %s\n", keyWidth, key, value)
}
