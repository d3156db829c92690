package transaction

import (
	"strings"
)

// Board is the settlement board a trade was matched on
type Board string

const (
	BoardRegular    Board = "RG"
	BoardCash       Board = "TN"
	BoardNegotiated Board = "NG"
	BoardUnknown    Board = ""
)

// Boards lists the recognised boards in output order
var Boards = []Board{BoardRegular, BoardNegotiated, BoardCash}

// ParseBoard maps a raw board label to a Board. Matching is exact after trimming.
func ParseBoard(raw string) Board {
	switch Board(strings.TrimSpace(raw)) {
	case BoardRegular:
		return BoardRegular
	case BoardCash:
		return BoardCash
	case BoardNegotiated:
		return BoardNegotiated
	default:
		return BoardUnknown
	}
}

// Name returns a human readable board name
func (b Board) Name() string {
	switch b {
	case BoardRegular:
		return "regular"
	case BoardCash:
		return "cash"
	case BoardNegotiated:
		return "negotiated"
	default:
		return "unknown"
	}
}

// Origin is the investor origin of one side of a trade
type Origin uint8

const (
	OriginUnclassified Origin = iota
	OriginDomestic
	OriginForeign
)

// ParseOrigin maps the raw investor flag: "I" domestic, "A" foreign
func ParseOrigin(raw string) Origin {
	switch strings.TrimSpace(raw) {
	case "I":
		return OriginDomestic
	case "A":
		return OriginForeign
	default:
		return OriginUnclassified
	}
}

func (o Origin) String() string {
	switch o {
	case OriginDomestic:
		return "domestic"
	case OriginForeign:
		return "foreign"
	default:
		return "unclassified"
	}
}

// Record is one parsed row of a daily transaction dump
type Record struct {
	StockCode    string
	BuyerBroker  string
	SellerBroker string
	Volume       float64
	Price        float64
	TxCode       string
	Board        Board
	Time         string // HH:MM:SS, empty when absent or malformed
	BuyerOrigin  Origin
	SellerOrigin Origin
	BuyerOrder   int64 // 0 = absent
	SellerOrder  int64 // 0 = absent
}

// Value returns volume × price
func (r *Record) Value() float64 {
	return r.Volume * r.Price
}

// NormalizeTime canonicalises a clock value to HH:MM:SS.
// Accepts HH:MM:SS, H:MM:SS, HHMMSS and HMMSS; fractional seconds are dropped.
// Returns "" when the value cannot be interpreted.
func NormalizeTime(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	s = strings.ReplaceAll(s, ":", "")

	if len(s) == 5 {
		s = "0" + s
	}
	if len(s) != 6 {
		return ""
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return ""
		}
	}

	hh, mm, ss := s[0:2], s[2:4], s[4:6]
	if hh > "23" || mm > "59" || ss > "59" {
		return ""
	}

	return hh + ":" + mm + ":" + ss
}
