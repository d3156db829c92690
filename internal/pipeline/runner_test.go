package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/wonny/tradeflow/internal/aggregate"
	"github.com/wonny/tradeflow/internal/joblog"
	"github.com/wonny/tradeflow/internal/output"
	"github.com/wonny/tradeflow/internal/partition"
	"github.com/wonny/tradeflow/internal/reference"
	"github.com/wonny/tradeflow/pkg/logger"
	"github.com/wonny/tradeflow/pkg/storage"
)

const dumpHeader = "STK_CODE;BUYER_CODE;SELLER_CODE;STK_VOLM;STK_PRIC;TRX_CODE;BOARD;TRX_TIME;BUYER_TYPE;SELLER_TYPE;BUYER_ORD;SELLER_ORD\n"

// dump covers every board with both origins on both sides, so every
// broker_summary flavor produces rows
func dump() string {
	var b strings.Builder
	b.WriteString(dumpHeader)
	n := 0
	for _, board := range []string{"RG", "NG", "TN"} {
		for _, origins := range [][2]string{{"I", "A"}, {"A", "I"}} {
			n++
			fmt.Fprintf(&b, "ABCD;XY;ZZ;%d;1000;T%d;%s;09:00:%02d;%s;%s;%d;%d\n",
				n*100, n, board, n, origins[0], origins[1], 10+n, 20+n)
			fmt.Fprintf(&b, "EFGH;WW;XY;50;200;U%d;%s;08:30:00;%s;%s;%d;%d\n",
				n, board, origins[0], origins[1], 30+n, 40+n)
		}
	}
	return b.String()
}

type fixture struct {
	bucket *storage.Bucket
	cache  *partition.Cache
	writer *output.Writer
	sink   *joblog.Memory
	runner *Runner
}

func newFixture(t *testing.T, dates ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	log := logger.Nop()

	b := storage.Wrap(memblob.OpenBucket(nil), 0, 0, log)
	t.Cleanup(func() { _ = b.Close() })

	for _, d := range dates {
		require.NoError(t, b.WriteAll(ctx, "raw/"+d+"/trades.csv", []byte(dump()), "text/csv"))
	}
	require.NoError(t, b.WriteAll(ctx, "reference/sectors.csv",
		[]byte("sector,stock_code\nFINANCE,ABCD\nFINANCE,EFGH\nIDX30,ABCD\n"), "text/csv"))

	f := &fixture{
		bucket: b,
		cache:  partition.NewCache(b, "raw", partition.Options{}, log),
		writer: output.NewWriter(b, "summary", log),
		sink:   joblog.NewMemory(),
	}
	ref := reference.NewCache(reference.NewLoader(b, "reference", log), nil, "reference", time.Hour, log)

	f.runner = NewRunner(f.cache, f.writer, ref, f.sink, Options{
		BatchSize:      2,
		MaxConcurrency: 2,
		PrecountSample: 2,
	}, log)
	return f
}

func feature(t *testing.T, name string) []aggregate.Flavor {
	t.Helper()
	flavors, err := aggregate.NewCatalog(nil).Feature(name)
	require.NoError(t, err)
	return flavors
}

func TestRunner_RunAndIdempotence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "20250102", "20250103", "20250106")

	req := Request{Feature: aggregate.FeatureBrokerSummary, Flavors: feature(t, aggregate.FeatureBrokerSummary)}

	first, err := f.runner.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, first.State)
	assert.Equal(t, 3, first.Partitions)
	assert.Equal(t, 36, first.Counts.Total)
	assert.Equal(t, 36, first.Counts.Success)
	assert.Zero(t, first.Counts.Failed)
	assert.Zero(t, first.Counts.Empty)
	assert.Zero(t, first.Counts.Skipped)
	// two stocks per unit
	assert.Equal(t, 72, first.Counts.Files)

	data, err := f.bucket.ReadAll(ctx, "summary/broker_summary/all/20250102/ABCD.csv")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "Broker,BuyerVol"))
	assert.Contains(t, string(data), "\nXY,")

	entry, err := f.sink.Get(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, joblog.StatusCompleted, entry.Status)
	assert.Equal(t, first.Counts, entry.Counts)
	assert.Equal(t, 100.0, f.runner.Tracker().Snapshot().Percentage)

	// second run: nothing new is written and every unit is skipped
	second, err := f.runner.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, second.State)
	assert.Zero(t, second.Counts.Files)
	assert.Equal(t, second.Counts.Total, second.Counts.Skipped+second.Counts.Empty)
	assert.Equal(t, second.Counts.Total, second.Counts.Skipped)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRunner_ResumesInterruptedUnit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "20250102")

	flavor, err := aggregate.NewCatalog(nil).Lookup("broker_summary_all")
	require.NoError(t, err)
	req := Request{Flavors: []aggregate.Flavor{flavor}}

	// an earlier run wrote ABCD and died before EFGH
	seeded := []byte("Broker,BuyerVol\nSEED,1\n")
	abcd := "summary/broker_summary/all/20250102/ABCD.csv"
	require.NoError(t, f.bucket.WriteAll(ctx, abcd, seeded, "text/csv"))

	res, err := f.runner.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.Success)
	assert.Zero(t, res.Counts.Skipped)
	assert.Equal(t, 1, res.Counts.Files)

	ok, err := f.bucket.Exists(ctx, "summary/broker_summary/all/20250102/EFGH.csv")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := f.bucket.ReadAll(ctx, abcd)
	require.NoError(t, err)
	assert.Equal(t, seeded, data)

	done, err := f.writer.Done(ctx, flavor, "20250102")
	require.NoError(t, err)
	assert.True(t, done)

	again, err := f.runner.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Counts.Skipped)
	assert.Zero(t, again.Counts.Files)
}

func TestRunner_NewPartitionOnlyProcessesMissingWork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "20250102")
	req := Request{Flavors: feature(t, aggregate.FeatureMarketBroker)}

	_, err := f.runner.Run(ctx, req)
	require.NoError(t, err)

	require.NoError(t, f.bucket.WriteAll(ctx, "raw/20250103/trades.csv", []byte(dump()), "text/csv"))
	f.cache = partition.NewCache(f.bucket, "raw", partition.Options{}, logger.Nop())
	f.runner.partitions = f.cache

	res, err := f.runner.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 12, res.Counts.Skipped)
	assert.Equal(t, 12, res.Counts.Success)
	assert.Equal(t, 12, res.Counts.Files)
}

func TestRunner_SectorFlavorsUseReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "20250102")

	sector, err := aggregate.NewCatalog(nil).Lookup("sector_summary_all")
	require.NoError(t, err)

	res, err := f.runner.Run(ctx, Request{Flavors: []aggregate.Flavor{sector}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Counts.Files)

	for _, key := range []string{
		"summary/sector_summary/all/20250102/FINANCE.csv",
		"summary/sector_summary/all/20250102/IDX30.csv",
	} {
		ok, err := f.bucket.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}
}

func TestRunner_EmitenListOnlyNarrowsStockFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "20250102")
	require.NoError(t, f.bucket.WriteAll(ctx, "reference/emiten.csv", []byte("code\nABCD\n"), "text/csv"))

	catalog := aggregate.NewCatalog(nil)
	perStock, err := catalog.Lookup("broker_summary_all")
	require.NoError(t, err)
	market, err := catalog.Lookup("market_broker_all")
	require.NoError(t, err)

	res, err := f.runner.Run(ctx, Request{Flavors: []aggregate.Flavor{perStock, market}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Counts.Success)
	assert.Equal(t, 2, res.Counts.Files)

	ok, err := f.bucket.Exists(ctx, "summary/broker_summary/all/20250102/EFGH.csv")
	require.NoError(t, err)
	assert.False(t, ok)

	// WW only trades the unlisted EFGH and still shows in the market table
	data, err := f.bucket.ReadAll(ctx, "summary/market_broker/all/20250102/MARKET.csv")
	require.NoError(t, err)
	assert.Contains(t, string(data), "\nWW,")
}

func TestRunner_EmptyAndUnreadablePartitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.bucket.WriteAll(ctx, "raw/20250102/trades.csv", []byte(dumpHeader), "text/csv"))
	require.NoError(t, f.bucket.WriteAll(ctx, "raw/20250103/trades.csv", []byte("garbage;header\nABCD;x\n"), "text/csv"))

	res, err := f.runner.Run(ctx, Request{Flavors: feature(t, aggregate.FeatureBrokerSummary)})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 24, res.Counts.Empty)
	assert.Zero(t, res.Counts.Files)
	assert.Zero(t, res.Counts.Failed)

	// empty units leave no marker: a rerun recomputes them and still writes nothing
	again, err := f.runner.Run(ctx, Request{Flavors: feature(t, aggregate.FeatureBrokerSummary)})
	require.NoError(t, err)
	assert.Equal(t, again.Counts.Total, again.Counts.Skipped+again.Counts.Empty)
	assert.Equal(t, 24, again.Counts.Empty)
	assert.Zero(t, again.Counts.Files)
}

func TestRunner_ReferenceFailureFailsRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "20250102")
	log := logger.Nop()
	f.runner.reference = reference.NewCache(reference.NewLoader(f.bucket, "missing", log), nil, "missing", time.Hour, log)

	res, err := f.runner.Run(ctx, Request{Flavors: feature(t, aggregate.FeatureBrokerSummary)})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, StateFailed, res.State)
	assert.NotEmpty(t, res.Error)

	entry, err := f.sink.Get(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, joblog.StatusFailed, entry.Status)
	assert.Equal(t, StateFailed, f.runner.Tracker().State())
}

// cancellingSink reports cancellation once the first batch has been written
type cancellingSink struct {
	*joblog.Memory
	checks int
}

func (s *cancellingSink) IsCancelled(ctx context.Context, id int64) (bool, error) {
	s.checks++
	if s.checks > 1 {
		return true, s.Memory.Cancel(ctx, id)
	}
	return s.Memory.IsCancelled(ctx, id)
}

func TestRunner_CancelledBetweenBatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "20250102", "20250103", "20250106", "20250107")
	sink := &cancellingSink{Memory: joblog.NewMemory()}
	f.runner.sink = sink

	res, err := f.runner.Run(ctx, Request{Flavors: feature(t, aggregate.FeatureMarketBroker)})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateCancelled, res.State)

	// batch size 2: the first batch finished, the second never started
	assert.Equal(t, 24, res.Counts.Success)
	assert.Equal(t, int64(2), f.runner.Tracker().Snapshot().PartitionsDone)

	entry, err := sink.Get(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, joblog.StatusCancelled, entry.Status)
}

func TestRunner_ContextCancelled(t *testing.T) {
	f := newFixture(t, "20250102")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.runner.Run(ctx, Request{Flavors: feature(t, aggregate.FeatureMarketBroker)})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.NotEqual(t, StateCompleted, res.State)
	assert.Zero(t, res.Counts.Files)
}

type blockingSource struct {
	PartitionSource
	release chan struct{}
}

func (s *blockingSource) ListPartitions(ctx context.Context) ([]string, error) {
	<-s.release
	return s.PartitionSource.ListPartitions(ctx)
}

func TestRunner_Busy(t *testing.T) {
	f := newFixture(t, "20250102")
	src := &blockingSource{PartitionSource: f.cache, release: make(chan struct{})}
	f.runner.partitions = src

	req := Request{Flavors: feature(t, aggregate.FeatureMarketBroker)}
	done := make(chan error, 1)
	go func() {
		_, err := f.runner.Run(context.Background(), req)
		done <- err
	}()

	require.Eventually(t, f.runner.Busy, time.Second, 5*time.Millisecond)
	_, err := f.runner.Run(context.Background(), req)
	assert.ErrorIs(t, err, ErrBusy)

	close(src.release)
	require.NoError(t, <-done)
	assert.False(t, f.runner.Busy())
}

func TestRunner_NoFlavors(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Run(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoFlavors)
}

func TestSelectDates(t *testing.T) {
	listed := []string{"20250107", "20250106", "20250103", "20250102", "20241230"}

	tests := []struct {
		name string
		req  Request
		want []string
	}{
		{"all", Request{}, listed},
		{"limit", Request{Limit: 2}, []string{"20250107", "20250106"}},
		{"range", Request{From: "20250102", To: "20250106"}, []string{"20250106", "20250103", "20250102"}},
		{"explicit", Request{Dates: []string{"20241230", "20250103", "20990101"}}, []string{"20250103", "20241230"}},
		{"range and limit", Request{From: "20250101", Limit: 1}, []string{"20250107"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, selectDates(listed, tt.req))
		})
	}
}

func TestSamplePartitions(t *testing.T) {
	dates := []string{"a", "b", "c", "d", "e", "f"}

	assert.Nil(t, samplePartitions(dates, 0))
	assert.Nil(t, samplePartitions(nil, 3))
	assert.Equal(t, dates, samplePartitions(dates, 10))
	assert.Equal(t, []string{"a", "c", "e"}, samplePartitions(dates, 3))
}

func TestMemoryGuard(t *testing.T) {
	heap := uint64(10 << 20)
	reclaimed := 0

	g := newMemoryGuard(8, 0, logger.Nop())
	g.heapAlloc = func() uint64 { return heap }
	g.reclaim = func() { reclaimed++; heap = 4 << 20 }

	require.NoError(t, g.check(context.Background()))
	assert.Equal(t, 1, reclaimed)

	// under the limit: nothing to do
	require.NoError(t, g.check(context.Background()))
	assert.Equal(t, 1, reclaimed)

	// cancelled while pausing
	heap = 10 << 20
	g.pause = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(g.check(ctx), context.Canceled))

	// disabled guard
	assert.NoError(t, newMemoryGuard(0, time.Hour, logger.Nop()).check(context.Background()))
}

func TestTracker_Percentage(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, StateIdle, tr.State())
	assert.Zero(t, tr.Percentage())

	tr.reset(7, "broker_summary")
	tr.leavesTotal.Store(10)
	tr.leaves(5)
	assert.Equal(t, 50.0, tr.Percentage())

	// estimates can undershoot; only completion reports 100
	tr.leaves(20)
	assert.Equal(t, 99.0, tr.Percentage())
	tr.setState(StateCompleted)
	assert.Equal(t, 100.0, tr.Percentage())

	tr.record(OutcomeSuccess, 3)
	tr.record(OutcomeSkipped, 0)
	tr.record(OutcomeFailed, 1)
	s := tr.Snapshot()
	assert.Equal(t, int64(7), s.RunID)
	assert.Equal(t, int64(1), s.Success)
	assert.Equal(t, int64(1), s.Skipped)
	assert.Equal(t, int64(1), s.Failed)
	assert.Equal(t, int64(4), s.Files)
	assert.Equal(t, "skipped", OutcomeSkipped.String())
}

func TestRunner_Submit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "20250102")

	done := make(chan *Result, 1)
	id, err := f.runner.Submit(ctx, Request{Flavors: feature(t, aggregate.FeatureOriginFlow)}, func(res *Result, err error) {
		assert.NoError(t, err)
		done <- res
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	select {
	case res := <-done:
		assert.Equal(t, id, res.RunID)
		assert.Equal(t, StateCompleted, res.State)
		// one market file per flavor
		assert.Equal(t, 8, res.Counts.Files)
	case <-time.After(5 * time.Second):
		t.Fatal("submitted run did not finish")
	}

	entry, err := f.sink.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, joblog.StatusCompleted, entry.Status)
	assert.False(t, f.runner.Busy())
}
