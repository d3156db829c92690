package output

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/wonny/tradeflow/internal/aggregate"
)

// Layout decides the column set of an output table
type Layout struct {
	RowLabel string // first column name, e.g. "Broker"
	Orders   bool   // include order-count columns
}

// LayoutFor returns the table layout of a flavor
func LayoutFor(f aggregate.Flavor) Layout {
	label := "Key"
	if f.Dimension != nil {
		label = f.Dimension.RowLabel()
	}
	return Layout{RowLabel: label, Orders: f.OrderDedup}
}

// Header returns the column names in output order
func (l Layout) Header() []string {
	h := []string{l.RowLabel}
	h = append(h, sideHeader("Buyer", l.Orders)...)
	h = append(h, sideHeader("Seller", l.Orders)...)
	h = append(h,
		"NetBuyVol", "NetBuyValue", "NetBuyAvg",
		"NetSellVol", "NetSellValue", "NetSellAvg",
		"NetFreq",
	)
	if l.Orders {
		h = append(h, "NetOrdNum", "NetOldOrdNum")
	}
	h = append(h, "NetBuyLot", "NetSellLot", "NetBuyLotPerFreq", "NetSellLotPerFreq")
	if l.Orders {
		h = append(h, "NetBuyLotPerOrdNum", "NetSellLotPerOrdNum")
	}
	return h
}

func sideHeader(side string, orders bool) []string {
	h := []string{side + "Vol", side + "Value", side + "Avg", side + "Freq"}
	if orders {
		h = append(h, side+"OrdNum", "Old"+side+"OrdNum")
	}
	h = append(h, side+"Lot", side+"LotPerFreq")
	if orders {
		h = append(h, side+"LotPerOrdNum")
	}
	return h
}

func (l Layout) record(r aggregate.Row) []string {
	rec := []string{r.Key}
	rec = append(rec, sideRecord(r.Buyer, l.Orders)...)
	rec = append(rec, sideRecord(r.Seller, l.Orders)...)
	rec = append(rec,
		formatFloat(r.NetBuyVolume), formatFloat(r.NetBuyValue), formatFloat(r.NetBuyAvg),
		formatFloat(r.NetSellVolume), formatFloat(r.NetSellValue), formatFloat(r.NetSellAvg),
		strconv.Itoa(r.NetFreq),
	)
	if l.Orders {
		rec = append(rec, strconv.Itoa(r.NetOrdNum), strconv.Itoa(r.NetOldOrdNum))
	}
	rec = append(rec,
		formatFloat(r.NetBuyLot), formatFloat(r.NetSellLot),
		formatFloat(r.NetBuyLotPerFreq), formatFloat(r.NetSellLotPerFreq),
	)
	if l.Orders {
		rec = append(rec, formatFloat(r.NetBuyLotPerOrdNum), formatFloat(r.NetSellLotPerOrdNum))
	}
	return rec
}

func sideRecord(s aggregate.SideStats, orders bool) []string {
	rec := []string{formatFloat(s.Volume), formatFloat(s.Value), formatFloat(s.Avg), strconv.Itoa(s.Freq)}
	if orders {
		rec = append(rec, strconv.Itoa(s.OrdNum), strconv.Itoa(s.OldOrdNum))
	}
	rec = append(rec, formatFloat(s.Lot), formatFloat(s.LotPerFreq))
	if orders {
		rec = append(rec, formatFloat(s.LotPerOrdNum))
	}
	return rec
}

// Encode renders rows as a comma-separated table with a header line
func Encode(l Layout, rows []aggregate.Row) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(l.Header()); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for _, r := range rows {
		if err := w.Write(l.record(r)); err != nil {
			return nil, fmt.Errorf("write row %s: %w", r.Key, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}

	return buf.Bytes(), nil
}

// formatFloat prints at most 4 decimals without trailing zeros
func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', 4, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "-0" {
		return "0"
	}
	return s
}
