package reference

import (
	"encoding/json"
	"sort"
	"strings"
)

// Set is the static sector / emiten reference used by one run
type Set struct {
	sectors map[string][]string // sector -> stock codes
	stocks  []string            // canonical stock list
	byStock map[string][]string // stock -> sectors
	listed  map[string]struct{}
}

// NewSet builds a set. Codes are upper-cased and de-duplicated.
func NewSet(sectors map[string][]string, stocks []string) *Set {
	s := &Set{
		sectors: make(map[string][]string, len(sectors)),
		byStock: make(map[string][]string),
		listed:  make(map[string]struct{}, len(stocks)),
	}

	for sector, codes := range sectors {
		sector = strings.TrimSpace(sector)
		if sector == "" {
			continue
		}
		seen := make(map[string]struct{}, len(codes))
		for _, code := range codes {
			code = normalizeCode(code)
			if code == "" {
				continue
			}
			if _, dup := seen[code]; dup {
				continue
			}
			seen[code] = struct{}{}
			s.sectors[sector] = append(s.sectors[sector], code)
			s.byStock[code] = append(s.byStock[code], sector)
		}
		sort.Strings(s.sectors[sector])
	}
	for code := range s.byStock {
		sort.Strings(s.byStock[code])
	}

	for _, code := range stocks {
		code = normalizeCode(code)
		if code == "" {
			continue
		}
		if _, dup := s.listed[code]; dup {
			continue
		}
		s.listed[code] = struct{}{}
		s.stocks = append(s.stocks, code)
	}
	sort.Strings(s.stocks)

	return s
}

// SectorsOf returns the sectors a stock belongs to
func (s *Set) SectorsOf(stock string) []string {
	if s == nil {
		return nil
	}
	return s.byStock[stock]
}

// Sectors returns sector names, sorted
func (s *Set) Sectors() []string {
	names := make([]string, 0, len(s.sectors))
	for name := range s.sectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StocksIn returns the members of one sector
func (s *Set) StocksIn(sector string) []string {
	return append([]string(nil), s.sectors[sector]...)
}

// Stocks returns the canonical stock list
func (s *Set) Stocks() []string {
	return append([]string(nil), s.stocks...)
}

// Listed reports whether a stock is in the canonical list. An empty list admits every stock.
func (s *Set) Listed(stock string) bool {
	if s == nil || len(s.listed) == 0 {
		return true
	}
	_, ok := s.listed[stock]
	return ok
}

type setJSON struct {
	Sectors map[string][]string `json:"sectors"`
	Stocks  []string            `json:"stocks"`
}

// MarshalJSON encodes the set for the shared cache
func (s *Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(setJSON{Sectors: s.sectors, Stocks: s.stocks})
}

// UnmarshalJSON rebuilds the set and its indexes
func (s *Set) UnmarshalJSON(data []byte) error {
	var v setJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = *NewSet(v.Sectors, v.Stocks)
	return nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
