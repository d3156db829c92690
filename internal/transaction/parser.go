package transaction

import (
	"encoding/csv"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"
)

// Column identifies a logical column of the raw dump
type Column int

const (
	ColStock Column = iota
	ColBuyer
	ColSeller
	ColVolume
	ColPrice
	ColTxCode
	ColBoard
	ColTime
	ColBuyerOrigin
	ColSellerOrigin
	ColBuyerOrder
	ColSellerOrder
	numColumns
)

// headerAliases lists accepted header names per column, compared after normalizeHeader
var headerAliases = [numColumns][]string{
	ColStock:        {"stock_code", "stk_code", "stock", "code", "emiten"},
	ColBuyer:        {"buyer_broker", "buyer_code", "buyer", "brk_buy", "buy_broker"},
	ColSeller:       {"seller_broker", "seller_code", "seller", "brk_sell", "sell_broker"},
	ColVolume:       {"volume", "stk_volm", "vol", "qty", "quantity"},
	ColPrice:        {"price", "stk_pric", "prc"},
	ColTxCode:       {"trx_code", "tx_code", "transaction_code", "trade_no", "trx_no"},
	ColBoard:        {"board", "board_type", "market_board", "brd"},
	ColTime:         {"trx_time", "tx_time", "time", "trade_time"},
	ColBuyerOrigin:  {"buyer_type", "buyer_origin", "inv_type_buy", "buyer_inv"},
	ColSellerOrigin: {"seller_type", "seller_origin", "inv_type_sell", "seller_inv"},
	ColBuyerOrder:   {"buyer_order", "buyer_ord", "ord_buy", "buy_order_no"},
	ColSellerOrder:  {"seller_order", "seller_ord", "ord_sell", "sell_order_no"},
}

var columnNames = [numColumns]string{
	"stock_code", "buyer_broker", "seller_broker", "volume", "price", "trx_code",
	"board", "trx_time", "buyer_type", "seller_type", "buyer_order", "seller_order",
}

func (c Column) String() string {
	if c < 0 || c >= numColumns {
		return "unknown"
	}
	return columnNames[c]
}

// Required column sets per kind of flavor
var (
	BaseColumns   = []Column{ColStock, ColBuyer, ColSeller, ColVolume, ColPrice, ColTxCode, ColBoard}
	OrderColumns  = append(append([]Column{}, BaseColumns...), ColTime, ColBuyerOrder, ColSellerOrder)
	OriginColumns = append(append([]Column{}, BaseColumns...), ColBuyerOrigin, ColSellerOrigin)
)

// Stats summarises one parse
type Stats struct {
	Lines         int
	Parsed        int
	Dropped       int
	MissingHeader []Column
	Delimiter     rune
}

// Parse turns raw delimited text into records. A missing required header
// yields an empty slice.
func Parse(raw string, required []Column) []Record {
	records, _ := ParseWithStats(raw, required)
	return records
}

// ParseWithStats is Parse with line accounting for logging
func ParseWithStats(raw string, required []Column) ([]Record, Stats) {
	var stats Stats

	raw = strings.TrimPrefix(raw, "\ufeff")
	headerLine, _, _ := strings.Cut(raw, "\n")
	if strings.TrimSpace(headerLine) == "" {
		return nil, stats
	}
	stats.Delimiter = detectDelimiter(headerLine)

	reader := csv.NewReader(strings.NewReader(raw))
	reader.Comma = stats.Delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return nil, stats
	}

	index := resolveHeader(header)
	for _, col := range required {
		if index[col] < 0 {
			stats.MissingHeader = append(stats.MissingHeader, col)
		}
	}
	if len(stats.MissingHeader) > 0 {
		return nil, stats
	}

	records := make([]Record, 0, strings.Count(raw, "\n"))
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				stats.Lines++
				stats.Dropped++
				continue
			}
			break
		}

		stats.Lines++
		if isBlank(fields) {
			stats.Lines--
			continue
		}

		rec, ok := parseLine(fields, &index)
		if !ok {
			stats.Dropped++
			continue
		}
		records = append(records, rec)
	}

	stats.Parsed = len(records)
	return records, stats
}

func parseLine(fields []string, index *[numColumns]int) (Record, bool) {
	get := func(c Column) string {
		i := index[c]
		if i < 0 || i >= len(fields) {
			return ""
		}
		return strings.TrimSpace(fields[i])
	}

	stock := get(ColStock)
	if len(stock) != 4 {
		return Record{}, false
	}

	return Record{
		StockCode:    stock,
		BuyerBroker:  get(ColBuyer),
		SellerBroker: get(ColSeller),
		Volume:       parseAmount(get(ColVolume)),
		Price:        parseAmount(get(ColPrice)),
		TxCode:       get(ColTxCode),
		Board:        ParseBoard(get(ColBoard)),
		Time:         NormalizeTime(get(ColTime)),
		BuyerOrigin:  ParseOrigin(get(ColBuyerOrigin)),
		SellerOrigin: ParseOrigin(get(ColSellerOrigin)),
		BuyerOrder:   parseOrder(get(ColBuyerOrder)),
		SellerOrder:  parseOrder(get(ColSellerOrder)),
	}, true
}

func resolveHeader(header []string) [numColumns]int {
	var index [numColumns]int
	for i := range index {
		index[i] = -1
	}

	positions := make(map[string]int, len(header))
	for i, h := range header {
		name := normalizeHeader(h)
		if _, dup := positions[name]; !dup {
			positions[name] = i
		}
	}

	for col, aliases := range headerAliases {
		for _, alias := range aliases {
			if pos, ok := positions[alias]; ok {
				index[col] = pos
				break
			}
		}
	}

	return index
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	h = strings.Trim(h, `"`)
	return strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(h)
}

func detectDelimiter(headerLine string) rune {
	if strings.Count(headerLine, ",") > strings.Count(headerLine, ";") {
		return ','
	}
	return ';'
}

func isBlank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// parseAmount parses a non-negative number; anything else is 0
func parseAmount(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// parseOrder parses an order reference; anything else is 0 (absent)
func parseOrder(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		// float64(MaxInt64) rounds up to 2^63, which int64 cannot hold
		if ferr != nil || f < 0 || math.IsNaN(f) || f >= float64(math.MaxInt64) {
			return 0
		}
		return int64(f)
	}
	if v < 0 {
		return 0
	}
	return v
}
