package aggregate

import (
	"strings"

	"github.com/wonny/tradeflow/internal/transaction"
)

// Side is the direction a record contributes to a row key
type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

// MarketKey is the single file key used by market-wide dimensions
const MarketKey = "MARKET"

// EmitFunc receives one (file key, row key, side) contribution
type EmitFunc func(fileKey, rowKey string, side Side)

// Dimension maps a record onto the table cells it feeds.
// One record may feed several cells (buyer and seller, several sectors).
type Dimension interface {
	Name() string
	// FileLabel / RowLabel name the file and row key columns in the output
	FileLabel() string
	RowLabel() string
	Emit(rec *transaction.Record, emit EmitFunc)
}

// SectorIndex resolves which sectors a stock belongs to
type SectorIndex interface {
	SectorsOf(stock string) []string
}

// BrokerByStock: one file per stock, one row per broker
type BrokerByStock struct{}

func (BrokerByStock) Name() string      { return "broker_by_stock" }
func (BrokerByStock) FileLabel() string { return "StockCode" }
func (BrokerByStock) RowLabel() string  { return "Broker" }

func (BrokerByStock) Emit(rec *transaction.Record, emit EmitFunc) {
	emitPair(emit, rec.StockCode, rec.BuyerBroker, SideBuy)
	emitPair(emit, rec.StockCode, rec.SellerBroker, SideSell)
}

// StockByBroker: one file per broker, one row per stock
type StockByBroker struct{}

func (StockByBroker) Name() string      { return "stock_by_broker" }
func (StockByBroker) FileLabel() string { return "Broker" }
func (StockByBroker) RowLabel() string  { return "StockCode" }

func (StockByBroker) Emit(rec *transaction.Record, emit EmitFunc) {
	emitPair(emit, rec.BuyerBroker, rec.StockCode, SideBuy)
	emitPair(emit, rec.SellerBroker, rec.StockCode, SideSell)
}

// BrokerBySector: one file per sector, one row per broker
type BrokerBySector struct {
	Sectors SectorIndex
}

func (BrokerBySector) Name() string      { return "broker_by_sector" }
func (BrokerBySector) FileLabel() string { return "Sector" }
func (BrokerBySector) RowLabel() string  { return "Broker" }

func (d BrokerBySector) Emit(rec *transaction.Record, emit EmitFunc) {
	if d.Sectors == nil {
		return
	}
	for _, sector := range d.Sectors.SectorsOf(rec.StockCode) {
		emitPair(emit, sector, rec.BuyerBroker, SideBuy)
		emitPair(emit, sector, rec.SellerBroker, SideSell)
	}
}

// BrokerMarket: a single market-wide file, one row per broker
type BrokerMarket struct{}

func (BrokerMarket) Name() string      { return "broker_market" }
func (BrokerMarket) FileLabel() string { return "Market" }
func (BrokerMarket) RowLabel() string  { return "Broker" }

func (BrokerMarket) Emit(rec *transaction.Record, emit EmitFunc) {
	emitPair(emit, MarketKey, rec.BuyerBroker, SideBuy)
	emitPair(emit, MarketKey, rec.SellerBroker, SideSell)
}

// StockMarket: a single market-wide file, one row per stock.
// Without an origin filter buy and sell cancel out, so it is used for flow-by-origin flavors.
type StockMarket struct{}

func (StockMarket) Name() string      { return "stock_market" }
func (StockMarket) FileLabel() string { return "Market" }
func (StockMarket) RowLabel() string  { return "StockCode" }

func (StockMarket) Emit(rec *transaction.Record, emit EmitFunc) {
	emitPair(emit, MarketKey, rec.StockCode, SideBuy)
	emitPair(emit, MarketKey, rec.StockCode, SideSell)
}

func emitPair(emit EmitFunc, fileKey, rowKey string, side Side) {
	if fileKey == "" || rowKey == "" {
		return
	}
	emit(fileKey, rowKey, side)
}

// Filter restricts which records (and sides) a flavor sees.
// The zero value matches everything.
type Filter struct {
	Board  transaction.Board  // BoardUnknown ("") matches every board
	Origin transaction.Origin // OriginUnclassified matches every origin
}

// Suffix encodes the filter for flavor names and paths, e.g. "rg_foreign"
func (f Filter) Suffix() string {
	board := "all"
	if f.Board != transaction.BoardUnknown {
		board = strings.ToLower(string(f.Board))
	}
	if f.Origin == transaction.OriginUnclassified {
		return board
	}
	return board + "_" + f.Origin.String()
}

func (f Filter) matchRecord(rec *transaction.Record) bool {
	return f.Board == transaction.BoardUnknown || rec.Board == f.Board
}

// matchSide applies the origin filter to one side of a record
func (f Filter) matchSide(rec *transaction.Record, side Side) bool {
	if f.Origin == transaction.OriginUnclassified {
		return true
	}
	if side == SideBuy {
		return rec.BuyerOrigin == f.Origin
	}
	return rec.SellerOrigin == f.Origin
}
