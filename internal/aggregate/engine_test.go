package aggregate

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/tradeflow/internal/transaction"
)

func brokerSummary() Flavor {
	return Flavor{
		Name:       "broker_summary_all",
		Feature:    FeatureBrokerSummary,
		Dimension:  BrokerByStock{},
		NetRule:    NetRuleVolumeOrValue,
		OrderDedup: true,
	}
}

// scenarioRecords is the 2025-01-02 ABCD tape used throughout the tests
func scenarioRecords() []transaction.Record {
	return []transaction.Record{
		{StockCode: "ABCD", BuyerBroker: "XY", SellerBroker: "ZZ", Volume: 100, Price: 1000, TxCode: "T1", Board: transaction.BoardRegular, Time: "08:30:00", BuyerOrder: 11},
		{StockCode: "ABCD", BuyerBroker: "XY", SellerBroker: "ZZ", Volume: 200, Price: 1010, TxCode: "T2", Board: transaction.BoardRegular, Time: "09:00:01", BuyerOrder: 12},
		{StockCode: "ABCD", BuyerBroker: "WW", SellerBroker: "XY", Volume: 50, Price: 990, TxCode: "T3", Board: transaction.BoardRegular, Time: "09:00:01", SellerOrder: 23},
		{StockCode: "ABCD", BuyerBroker: "XY", SellerBroker: "ZZ", Volume: 10, Price: 1000, TxCode: "T4", Board: transaction.BoardRegular, Time: "09:00:01", BuyerOrder: 99},
	}
}

func findRow(t *testing.T, rows []Row, key string) Row {
	t.Helper()
	for _, r := range rows {
		if r.Key == key {
			return r
		}
	}
	t.Fatalf("row %s not found", key)
	return Row{}
}

func TestEngine_Scenario(t *testing.T) {
	result := NewEngine().Aggregate(scenarioRecords(), brokerSummary())

	require.Equal(t, []string{"ABCD"}, result.FileKeys())
	rows := result["ABCD"]
	require.Len(t, rows, 3)

	xy := findRow(t, rows, "XY")

	assert.Equal(t, 310.0, xy.Buyer.Volume)
	assert.Equal(t, 312000.0, xy.Buyer.Value)
	assert.InDelta(t, 1006.45, xy.Buyer.Avg, 0.01)
	assert.Equal(t, 3, xy.Buyer.Freq)

	assert.Equal(t, 50.0, xy.Seller.Volume)
	assert.Equal(t, 49500.0, xy.Seller.Value)
	assert.Equal(t, 990.0, xy.Seller.Avg)
	assert.Equal(t, 1, xy.Seller.Freq)

	assert.Equal(t, 260.0, xy.NetBuyVolume)
	assert.Equal(t, 262500.0, xy.NetBuyValue)
	assert.Equal(t, 0.0, xy.NetSellVolume)
	assert.Equal(t, 0.0, xy.NetSellValue)
	assert.InDelta(t, 262500.0/260.0, xy.NetBuyAvg, 1e-9)

	assert.Equal(t, 3, xy.Buyer.OldOrdNum)
	assert.Equal(t, 2, xy.Buyer.OrdNum, "09:00:01 fills share one representative order")
	assert.Equal(t, 1, xy.Seller.OldOrdNum)
	assert.Equal(t, 1, xy.Seller.OrdNum)

	assert.Equal(t, 2, xy.NetFreq)
	assert.Equal(t, 1, xy.NetOrdNum)
	assert.Equal(t, 2, xy.NetOldOrdNum)

	assert.Equal(t, 3.1, xy.Buyer.Lot)
	assert.InDelta(t, 3.1/3, xy.Buyer.LotPerFreq, 1e-12)
	assert.InDelta(t, 3.1/2, xy.Buyer.LotPerOrdNum, 1e-12)
	assert.Equal(t, 2.6, xy.NetBuyLot)
	assert.InDelta(t, 2.6/2, xy.NetBuyLotPerFreq, 1e-12)
	assert.InDelta(t, 2.6/1, xy.NetBuyLotPerOrdNum, 1e-12)

	zz := findRow(t, rows, "ZZ")
	assert.Equal(t, 310.0, zz.NetSellVolume)
	assert.Equal(t, 312000.0, zz.NetSellValue)
	assert.Equal(t, 0.0, zz.NetBuyVolume)
	assert.Equal(t, 0, zz.Seller.OrdNum, "seller orders are absent on ZZ's side")
	assert.Equal(t, -3, zz.NetFreq)

	// sorted by net-buy value desc
	assert.Equal(t, "XY", rows[0].Key)
	assert.Equal(t, "WW", rows[1].Key)
	assert.Equal(t, "ZZ", rows[2].Key)
}

func TestEngine_OrderDedupFirstInSecond(t *testing.T) {
	records := []transaction.Record{
		// before open: every order counts, duplicates collapse
		{StockCode: "ABCD", BuyerBroker: "XY", SellerBroker: "ZZ", Volume: 1, Price: 1, Time: "08:45:00", BuyerOrder: 5},
		{StockCode: "ABCD", BuyerBroker: "XY", SellerBroker: "ZZ", Volume: 1, Price: 1, Time: "08:57:59", BuyerOrder: 6},
		// exactly at open is bucketed
		{StockCode: "ABCD", BuyerBroker: "XY", SellerBroker: "ZZ", Volume: 1, Price: 1, Time: "08:58:00", BuyerOrder: 7},
		{StockCode: "ABCD", BuyerBroker: "XY", SellerBroker: "ZZ", Volume: 1, Price: 1, Time: "08:58:00", BuyerOrder: 8},
		// representative that also traded pre-open is not double counted
		{StockCode: "ABCD", BuyerBroker: "XY", SellerBroker: "ZZ", Volume: 1, Price: 1, Time: "09:10:00", BuyerOrder: 5},
		// absent reference does not claim the second
		{StockCode: "ABCD", BuyerBroker: "XY", SellerBroker: "ZZ", Volume: 1, Price: 1, Time: "09:20:00", BuyerOrder: 0},
		{StockCode: "ABCD", BuyerBroker: "XY", SellerBroker: "ZZ", Volume: 1, Price: 1, Time: "09:20:00", BuyerOrder: 9},
		// unknown time behaves like pre-open
		{StockCode: "ABCD", BuyerBroker: "XY", SellerBroker: "ZZ", Volume: 1, Price: 1, Time: "", BuyerOrder: 10},
	}

	xy := findRow(t, NewEngine().Aggregate(records, brokerSummary())["ABCD"], "XY")

	// old: {5,6,7,8,9,10}
	assert.Equal(t, 6, xy.Buyer.OldOrdNum)
	// S1 = {7,5,9}; S2 = {6,10}
	assert.Equal(t, 5, xy.Buyer.OrdNum)
}

func TestEngine_OrderBucketsPerStock(t *testing.T) {
	records := []transaction.Record{
		{StockCode: "ABCD", BuyerBroker: "XY", SellerBroker: "ZZ", Volume: 100, Price: 1000, TxCode: "T1", Time: "09:00:01", BuyerOrder: 1},
		{StockCode: "EFGH", BuyerBroker: "XY", SellerBroker: "ZZ", Volume: 100, Price: 500, TxCode: "T2", Time: "09:00:01", BuyerOrder: 2},
		{StockCode: "EFGH", BuyerBroker: "XY", SellerBroker: "ZZ", Volume: 100, Price: 500, TxCode: "T3", Time: "09:00:01", BuyerOrder: 3},
	}
	engine := NewEngine()

	market := Flavor{Name: "market_broker_all", Feature: FeatureMarketBroker, Dimension: BrokerMarket{}, OrderDedup: true}
	xy := findRow(t, engine.Aggregate(records, market)[MarketKey], "XY")
	assert.Equal(t, 3, xy.Buyer.OldOrdNum)
	// one representative per stock in 09:00:01
	assert.Equal(t, 2, xy.Buyer.OrdNum)

	perStock := 0
	for _, rows := range engine.Aggregate(records, brokerSummary()) {
		perStock += findRow(t, rows, "XY").Buyer.OrdNum
	}
	assert.Equal(t, perStock, xy.Buyer.OrdNum)
}

func TestEngine_OrderDedupDisabled(t *testing.T) {
	f := brokerSummary()
	f.OrderDedup = false

	xy := findRow(t, NewEngine().Aggregate(scenarioRecords(), f)["ABCD"], "XY")
	assert.Equal(t, 0, xy.Buyer.OrdNum)
	assert.Equal(t, 0, xy.Buyer.OldOrdNum)
	assert.Equal(t, 0.0, xy.Buyer.LotPerOrdNum)
	assert.Equal(t, 3, xy.Buyer.Freq)
}

func TestEngine_WithMarketOpen(t *testing.T) {
	// moving the cutoff before 08:30 buckets T1 alone in its second
	e := NewEngine().WithMarketOpen("082000")
	xy := findRow(t, e.Aggregate(scenarioRecords(), brokerSummary())["ABCD"], "XY")
	assert.Equal(t, 2, xy.Buyer.OrdNum)

	// garbage keeps the default
	e = NewEngine().WithMarketOpen("later")
	assert.Equal(t, DefaultMarketOpen, e.marketOpen)
}

func TestEngine_NetRules(t *testing.T) {
	// buys more shares but spends less: volume positive, value negative
	records := []transaction.Record{
		{StockCode: "ABCD", BuyerBroker: "XY", SellerBroker: "ZZ", Volume: 100, Price: 10, TxCode: "1"},
		{StockCode: "ABCD", BuyerBroker: "ZZ", SellerBroker: "XY", Volume: 50, Price: 100, TxCode: "2"},
	}

	tests := []struct {
		name     string
		rule     NetRule
		wantBuy  float64
		wantSell float64
		wantVal  float64
	}{
		{"volume or value", NetRuleVolumeOrValue, 0, 50, 4000},
		{"volume only", NetRuleVolumeOnly, 50, 0, 4000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := brokerSummary()
			f.NetRule = tt.rule

			xy := findRow(t, NewEngine().Aggregate(records, f)["ABCD"], "XY")
			assert.Equal(t, tt.wantBuy, xy.NetBuyVolume)
			assert.Equal(t, tt.wantSell, xy.NetSellVolume)
			assert.Equal(t, tt.wantVal, xy.NetBuyValue+xy.NetSellValue)
		})
	}

	assert.Equal(t, "volume_only", NetRuleVolumeOnly.String())
	assert.Equal(t, "volume_or_value", NetRuleVolumeOrValue.String())
}

func TestEngine_SwapSides(t *testing.T) {
	f := brokerSummary()
	f.SwapSides = true

	xy := findRow(t, NewEngine().Aggregate(scenarioRecords(), f)["ABCD"], "XY")

	// labels swapped, net position untouched
	assert.Equal(t, 50.0, xy.Buyer.Volume)
	assert.Equal(t, 310.0, xy.Seller.Volume)
	assert.Equal(t, 260.0, xy.NetBuyVolume)
	assert.Equal(t, 2, xy.NetFreq)
}

func TestEngine_Filters(t *testing.T) {
	records := []transaction.Record{
		{StockCode: "ABCD", BuyerBroker: "XY", SellerBroker: "ZZ", Volume: 100, Price: 10, TxCode: "1", Board: transaction.BoardRegular, BuyerOrigin: transaction.OriginForeign, SellerOrigin: transaction.OriginDomestic},
		{StockCode: "ABCD", BuyerBroker: "XY", SellerBroker: "ZZ", Volume: 7, Price: 10, TxCode: "2", Board: transaction.BoardNegotiated, BuyerOrigin: transaction.OriginDomestic, SellerOrigin: transaction.OriginDomestic},
		{StockCode: "EFGH", BuyerBroker: "ZZ", SellerBroker: "XY", Volume: 3, Price: 10, TxCode: "3", Board: transaction.BoardRegular, BuyerOrigin: transaction.OriginUnclassified, SellerOrigin: transaction.OriginForeign},
	}

	t.Run("board", func(t *testing.T) {
		f := brokerSummary()
		f.Filter = Filter{Board: transaction.BoardNegotiated}

		result := NewEngine().Aggregate(records, f)
		require.Equal(t, []string{"ABCD"}, result.FileKeys())
		assert.Equal(t, 7.0, findRow(t, result["ABCD"], "XY").Buyer.Volume)
	})

	t.Run("foreign origin applies per side", func(t *testing.T) {
		f := brokerSummary()
		f.Filter = Filter{Origin: transaction.OriginForeign}

		result := NewEngine().Aggregate(records, f)
		assert.Equal(t, []string{"ABCD", "EFGH"}, result.FileKeys())

		xy := findRow(t, result["ABCD"], "XY")
		assert.Equal(t, 100.0, xy.Buyer.Volume)
		assert.Equal(t, 0.0, xy.Seller.Volume)

		// ZZ sold to a foreign buyer, but its own sell side was domestic
		for _, r := range result["ABCD"] {
			assert.NotEqual(t, "ZZ", r.Key)
		}

		efgh := findRow(t, result["EFGH"], "XY")
		assert.Equal(t, 3.0, efgh.Seller.Volume)
	})

	t.Run("unclassified never matches an origin filter", func(t *testing.T) {
		f := brokerSummary()
		f.Filter = Filter{Origin: transaction.OriginDomestic}

		result := NewEngine().Aggregate(records, f)
		for _, r := range result["EFGH"] {
			assert.NotEqual(t, "ZZ", r.Key)
		}
	})
}

type sectorMap map[string][]string

func (m sectorMap) SectorsOf(stock string) []string { return m[stock] }

func TestEngine_Dimensions(t *testing.T) {
	sectors := sectorMap{"ABCD": {"FINANCE", "IDX30"}}

	tests := []struct {
		name      string
		dim       Dimension
		wantFiles []string
		file      string
		row       string
		buyVol    float64
		sellVol   float64
	}{
		{"stock by broker", StockByBroker{}, []string{"WW", "XY", "ZZ"}, "XY", "ABCD", 310, 50},
		{"broker by sector", BrokerBySector{Sectors: sectors}, []string{"FINANCE", "IDX30"}, "IDX30", "XY", 310, 50},
		{"broker market", BrokerMarket{}, []string{MarketKey}, MarketKey, "ZZ", 0, 310},
		{"stock market", StockMarket{}, []string{MarketKey}, MarketKey, "ABCD", 360, 360},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := brokerSummary()
			f.Dimension = tt.dim

			e := NewEngine()
			result := e.Aggregate(scenarioRecords(), f)
			assert.Equal(t, tt.wantFiles, result.FileKeys())
			assert.Equal(t, tt.wantFiles, e.FileKeys(scenarioRecords(), f))

			row := findRow(t, result[tt.file], tt.row)
			assert.Equal(t, tt.buyVol, row.Buyer.Volume)
			assert.Equal(t, tt.sellVol, row.Seller.Volume)
		})
	}
}

func TestEngine_SectorWithoutIndex(t *testing.T) {
	f := brokerSummary()
	f.Dimension = BrokerBySector{}
	assert.Empty(t, NewEngine().Aggregate(scenarioRecords(), f))
}

func TestEngine_EmptyBrokerCodesIgnored(t *testing.T) {
	records := []transaction.Record{
		{StockCode: "ABCD", BuyerBroker: "", SellerBroker: "ZZ", Volume: 10, Price: 1, TxCode: "1"},
	}
	rows := NewEngine().Aggregate(records, brokerSummary())["ABCD"]
	require.Len(t, rows, 1)
	assert.Equal(t, "ZZ", rows[0].Key)
}

func TestEngine_ZeroDenominators(t *testing.T) {
	records := []transaction.Record{
		// zero volume, no tx code, no orders
		{StockCode: "ABCD", BuyerBroker: "XY", SellerBroker: "ZZ", Volume: 0, Price: 1000},
	}

	rows := NewEngine().Aggregate(records, brokerSummary())["ABCD"]
	require.Len(t, rows, 2)

	for _, r := range rows {
		for _, v := range []float64{
			r.Buyer.Avg, r.Buyer.LotPerFreq, r.Buyer.LotPerOrdNum,
			r.Seller.Avg, r.Seller.LotPerFreq, r.Seller.LotPerOrdNum,
			r.NetBuyAvg, r.NetSellAvg,
			r.NetBuyLotPerFreq, r.NetSellLotPerFreq, r.NetBuyLotPerOrdNum, r.NetSellLotPerOrdNum,
		} {
			assert.Equal(t, 0.0, v)
		}
		assert.Equal(t, 0.0, r.NetBuyVolume)
		assert.Equal(t, 0.0, r.NetSellVolume)
	}
}

func TestSafeDiv(t *testing.T) {
	assert.Equal(t, 0.0, safeDiv(1, 0))
	assert.Equal(t, 0.0, safeDiv(0, 0))
	assert.Equal(t, 0.0, safeDiv(math.Inf(1), 1))
	assert.Equal(t, 2.5, safeDiv(5, 2))
}

// randomTape builds a deterministic pseudo-random day of trades
func randomTape(seed int64, n int) []transaction.Record {
	rng := rand.New(rand.NewSource(seed))
	brokers := []string{"AA", "BB", "CC", "DD", "EE"}
	stocks := []string{"ABCD", "EFGH", "IJKL"}
	boards := []transaction.Board{transaction.BoardRegular, transaction.BoardNegotiated, transaction.BoardCash}

	records := make([]transaction.Record, n)
	for i := range records {
		hh := 8 + rng.Intn(8)
		records[i] = transaction.Record{
			StockCode:    stocks[rng.Intn(len(stocks))],
			BuyerBroker:  brokers[rng.Intn(len(brokers))],
			SellerBroker: brokers[rng.Intn(len(brokers))],
			Volume:       float64(rng.Intn(50) * 100),
			Price:        float64(50 + rng.Intn(5000)),
			TxCode:       fmt.Sprintf("T%d", rng.Intn(n)),
			Board:        boards[rng.Intn(len(boards))],
			Time:         fmt.Sprintf("%02d:%02d:%02d", hh, 50+rng.Intn(10), rng.Intn(3)),
			BuyerOrigin:  transaction.Origin(rng.Intn(3)),
			SellerOrigin: transaction.Origin(rng.Intn(3)),
			BuyerOrder:   int64(rng.Intn(40)),
			SellerOrder:  int64(rng.Intn(40)),
		}
	}
	return records
}

func TestEngine_Properties(t *testing.T) {
	catalog := NewCatalog(sectorMap{"ABCD": {"FINANCE"}, "EFGH": {"FINANCE", "MINING"}})
	e := NewEngine()

	for seed := int64(1); seed <= 5; seed++ {
		records := randomTape(seed, 600)

		for _, f := range catalog.All() {
			for file, rows := range e.Aggregate(records, f) {
				for _, r := range rows {
					label := fmt.Sprintf("seed=%d flavor=%s file=%s key=%s", seed, f.Name, file, r.Key)

					// mutual exclusivity
					if r.NetBuyVolume > 0 {
						assert.Zero(t, r.NetSellVolume, label)
					}
					if r.NetSellVolume > 0 {
						assert.Zero(t, r.NetBuyVolume, label)
					}
					if r.NetBuyVolume == 0 && r.NetSellVolume == 0 {
						assert.Equal(t, r.Buyer.Volume, r.Seller.Volume, label)
					}

					// order de-dup bound
					assert.LessOrEqual(t, r.Buyer.OrdNum, r.Buyer.OldOrdNum, label)
					assert.LessOrEqual(t, r.Seller.OrdNum, r.Seller.OldOrdNum, label)

					// no NaN / Inf anywhere
					for _, v := range []float64{
						r.Buyer.Avg, r.Buyer.LotPerFreq, r.Buyer.LotPerOrdNum,
						r.Seller.Avg, r.Seller.LotPerFreq, r.Seller.LotPerOrdNum,
						r.NetBuyAvg, r.NetSellAvg, r.NetBuyLotPerFreq, r.NetSellLotPerOrdNum,
					} {
						assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), label)
					}
				}

				// sort order
				for i := 1; i < len(rows); i++ {
					assert.GreaterOrEqual(t, rows[i-1].NetBuyValue, rows[i].NetBuyValue)
				}
			}
		}
	}
}
