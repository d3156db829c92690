package aggregate

import (
	"math"
	"sort"

	"github.com/wonny/tradeflow/internal/transaction"
)

// DefaultMarketOpen is the cutoff separating pre-open orders from time-bucketed ones
const DefaultMarketOpen = "08:58:00"

// LotSize is the number of shares per lot
const LotSize = 100.0

// NetRule decides when a raw net position is reclassified as net-sell
type NetRule uint8

const (
	// NetRuleVolumeOrValue: negative net volume or negative net value ⇒ net-sell
	NetRuleVolumeOrValue NetRule = iota
	// NetRuleVolumeOnly: only negative net volume ⇒ net-sell
	NetRuleVolumeOnly
)

func (r NetRule) String() string {
	if r == NetRuleVolumeOnly {
		return "volume_only"
	}
	return "volume_or_value"
}

// SideStats are the per-side metrics of one output row
type SideStats struct {
	Volume       float64
	Value        float64
	Avg          float64
	Freq         int
	OrdNum       int // time-bucket de-duplicated order count
	OldOrdNum    int // distinct order references
	Lot          float64
	LotPerFreq   float64
	LotPerOrdNum float64
}

// Row is one output row: a row key with its buyer/seller blocks and net position
type Row struct {
	Key string

	// Buyer / Seller are the column blocks as emitted; with SwapSides they are exchanged
	Buyer  SideStats
	Seller SideStats

	NetBuyVolume  float64
	NetBuyValue   float64
	NetBuyAvg     float64
	NetSellVolume float64
	NetSellValue  float64
	NetSellAvg    float64

	// Signed deltas, buy metric minus sell metric
	NetFreq      int
	NetOrdNum    int
	NetOldOrdNum int

	NetBuyLot           float64
	NetSellLot          float64
	NetBuyLotPerFreq    float64
	NetSellLotPerFreq   float64
	NetBuyLotPerOrdNum  float64
	NetSellLotPerOrdNum float64
}

// Result maps file key to its sorted rows
type Result map[string][]Row

// Rows returns the total number of rows across all files
func (r Result) Rows() int {
	n := 0
	for _, rows := range r {
		n += len(rows)
	}
	return n
}

// FileKeys returns the file keys in ascending order
func (r Result) FileKeys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Engine runs the grouping / netting / order de-duplication algorithm
// ⭐ SSOT: 집계 로직은 이 엔진에서만
type Engine struct {
	marketOpen string
}

// NewEngine creates an engine with the default market-open cutoff
func NewEngine() *Engine {
	return &Engine{marketOpen: DefaultMarketOpen}
}

// WithMarketOpen overrides the cutoff (HH:MM:SS)
func (e *Engine) WithMarketOpen(cutoff string) *Engine {
	if c := transaction.NormalizeTime(cutoff); c != "" {
		e.marketOpen = c
	}
	return e
}

type cellKey struct {
	file string
	row  string
}

type bucket struct {
	buy  side
	sell side
}

// Aggregate computes the tables of one flavor over one partition's records
func (e *Engine) Aggregate(records []transaction.Record, f Flavor) Result {
	cells := make(map[cellKey]*bucket)

	for i := range records {
		rec := &records[i]
		if !f.Filter.matchRecord(rec) {
			continue
		}

		f.Dimension.Emit(rec, func(fileKey, rowKey string, s Side) {
			if !f.Filter.matchSide(rec, s) {
				return
			}

			key := cellKey{file: fileKey, row: rowKey}
			b, ok := cells[key]
			if !ok {
				b = &bucket{}
				cells[key] = b
			}

			if s == SideBuy {
				b.buy.add(rec, rec.BuyerOrder, f.OrderDedup, e.marketOpen)
			} else {
				b.sell.add(rec, rec.SellerOrder, f.OrderDedup, e.marketOpen)
			}
		})
	}

	result := make(Result)
	for key, b := range cells {
		result[key.file] = append(result[key.file], buildRow(key.row, b, f))
	}
	for file := range result {
		sortRows(result[file])
	}

	return result
}

// FileKeys returns the distinct file keys a flavor would produce, without accumulating
func (e *Engine) FileKeys(records []transaction.Record, f Flavor) []string {
	seen := make(map[string]struct{})
	for i := range records {
		rec := &records[i]
		if !f.Filter.matchRecord(rec) {
			continue
		}
		f.Dimension.Emit(rec, func(fileKey, _ string, s Side) {
			if f.Filter.matchSide(rec, s) {
				seen[fileKey] = struct{}{}
			}
		})
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// side accumulates one direction of one cell
type side struct {
	volume  float64
	value   float64
	txCodes map[string]struct{}
	orders  map[int64]struct{}

	// new metric: first order per (stock, HH:MM:SS) bucket at/after open, plus every pre-open order
	firstInSecond map[string]int64
	preOpen       map[int64]struct{}
}

func (s *side) add(rec *transaction.Record, order int64, dedup bool, marketOpen string) {
	s.volume += rec.Volume
	s.value += rec.Value()

	if rec.TxCode != "" {
		if s.txCodes == nil {
			s.txCodes = make(map[string]struct{})
		}
		s.txCodes[rec.TxCode] = struct{}{}
	}

	if !dedup || order == 0 {
		return
	}

	if s.orders == nil {
		s.orders = make(map[int64]struct{})
	}
	s.orders[order] = struct{}{}

	if rec.Time != "" && rec.Time >= marketOpen {
		if s.firstInSecond == nil {
			s.firstInSecond = make(map[string]int64)
		}
		// market and sector cells span stocks; a second is per stock
		slot := rec.StockCode + "|" + rec.Time
		if _, taken := s.firstInSecond[slot]; !taken {
			s.firstInSecond[slot] = order
		}
		return
	}

	if s.preOpen == nil {
		s.preOpen = make(map[int64]struct{})
	}
	s.preOpen[order] = struct{}{}
}

// newOrderCount is |S1 ∪ S2| where S1 holds the per-second representatives
// and S2 the pre-open orders not already in S1
func (s *side) newOrderCount() int {
	s1 := make(map[int64]struct{}, len(s.firstInSecond))
	for _, order := range s.firstInSecond {
		s1[order] = struct{}{}
	}

	n := len(s1)
	for order := range s.preOpen {
		if _, dup := s1[order]; !dup {
			n++
		}
	}
	return n
}

func (s *side) stats() SideStats {
	st := SideStats{
		Volume:    s.volume,
		Value:     s.value,
		Avg:       safeDiv(s.value, s.volume),
		Freq:      len(s.txCodes),
		OrdNum:    s.newOrderCount(),
		OldOrdNum: len(s.orders),
		Lot:       s.volume / LotSize,
	}
	st.LotPerFreq = safeDiv(st.Lot, float64(st.Freq))
	st.LotPerOrdNum = safeDiv(st.Lot, float64(st.OrdNum))
	return st
}

func buildRow(key string, b *bucket, f Flavor) Row {
	buy := b.buy.stats()
	sell := b.sell.stats()

	row := Row{
		Key:          key,
		Buyer:        buy,
		Seller:       sell,
		NetFreq:      buy.Freq - sell.Freq,
		NetOrdNum:    buy.OrdNum - sell.OrdNum,
		NetOldOrdNum: buy.OldOrdNum - sell.OldOrdNum,
	}

	rawVolume := buy.Volume - sell.Volume
	rawValue := buy.Value - sell.Value

	netSell := rawVolume < 0
	if f.NetRule == NetRuleVolumeOrValue {
		netSell = netSell || rawValue < 0
	}

	if netSell {
		row.NetSellVolume = math.Abs(rawVolume)
		row.NetSellValue = math.Abs(rawValue)
		row.NetSellAvg = safeDiv(row.NetSellValue, row.NetSellVolume)
	} else {
		row.NetBuyVolume = math.Abs(rawVolume)
		row.NetBuyValue = math.Abs(rawValue)
		row.NetBuyAvg = safeDiv(row.NetBuyValue, row.NetBuyVolume)
	}

	row.NetBuyLot = row.NetBuyVolume / LotSize
	row.NetSellLot = row.NetSellVolume / LotSize
	absFreq := math.Abs(float64(row.NetFreq))
	absOrd := math.Abs(float64(row.NetOrdNum))
	row.NetBuyLotPerFreq = safeDiv(row.NetBuyLot, absFreq)
	row.NetSellLotPerFreq = safeDiv(row.NetSellLot, absFreq)
	row.NetBuyLotPerOrdNum = safeDiv(row.NetBuyLot, absOrd)
	row.NetSellLotPerOrdNum = safeDiv(row.NetSellLot, absOrd)

	if f.SwapSides {
		row.Buyer, row.Seller = row.Seller, row.Buyer
	}

	return row
}

// sortRows orders by net-buy value descending; ties by net-sell value ascending, then key
func sortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.NetBuyValue != b.NetBuyValue {
			return a.NetBuyValue > b.NetBuyValue
		}
		if a.NetSellValue != b.NetSellValue {
			return a.NetSellValue < b.NetSellValue
		}
		return a.Key < b.Key
	})
}

// safeDiv returns 0 instead of NaN / Inf
func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	v := num / den
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
