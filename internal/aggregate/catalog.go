package aggregate

import (
	"errors"
	"fmt"
	"sort"

	"github.com/wonny/tradeflow/internal/transaction"
)

// ErrUnknownFlavor is returned when a flavor or feature name is not registered
var ErrUnknownFlavor = errors.New("unknown flavor")

// Feature names
const (
	FeatureBrokerSummary = "broker_summary" // per stock, rows per broker
	FeatureStockSummary  = "stock_summary"  // per broker, rows per stock
	FeatureSectorSummary = "sector_summary" // per sector, rows per broker
	FeatureMarketBroker  = "market_broker"  // whole market, rows per broker
	FeatureOriginFlow    = "origin_flow"    // whole market, rows per stock, domestic/foreign only
)

// Flavor is one aggregation configuration: dimension + filters + layout
type Flavor struct {
	Name      string // <feature>_<suffix>
	Feature   string
	Dimension Dimension
	Filter    Filter
	NetRule   NetRule
	SwapSides bool
	// OrderDedup enables the order-count metrics and requires time / order columns
	OrderDedup bool
	// PerKeyProgress reports progress per written file key rather than per partition
	PerKeyProgress bool
}

// Dir is the storage directory of the flavor relative to the output prefix
func (f Flavor) Dir() string {
	return f.Feature + "/" + f.Filter.Suffix()
}

// Columns returns the raw columns the flavor needs
func (f Flavor) Columns() []transaction.Column {
	cols := append([]transaction.Column{}, transaction.BaseColumns...)
	if f.OrderDedup {
		cols = append(cols, transaction.ColTime, transaction.ColBuyerOrder, transaction.ColSellerOrder)
	}
	if f.Filter.Origin != transaction.OriginUnclassified {
		cols = append(cols, transaction.ColBuyerOrigin, transaction.ColSellerOrigin)
	}
	return cols
}

// WithSectors rebinds a sector-dimension flavor to idx; other flavors are returned unchanged
func (f Flavor) WithSectors(idx SectorIndex) Flavor {
	if _, ok := f.Dimension.(BrokerBySector); ok {
		f.Dimension = BrokerBySector{Sectors: idx}
	}
	return f
}

type featureSpec struct {
	name           string
	dimension      Dimension
	origins        []transaction.Origin
	swapSides      bool
	orderDedup     bool
	perKeyProgress bool
}

var (
	allOrigins    = []transaction.Origin{transaction.OriginUnclassified, transaction.OriginDomestic, transaction.OriginForeign}
	flowOrigins   = []transaction.Origin{transaction.OriginDomestic, transaction.OriginForeign}
	catalogBoards = append([]transaction.Board{transaction.BoardUnknown}, transaction.Boards...)
)

// Catalog is the registry of built-in flavors
// ⭐ SSOT: flavor 정의는 여기서만
type Catalog struct {
	flavors  []Flavor
	byName   map[string]Flavor
	features map[string][]Flavor
}

// NewCatalog builds the flavor registry. sectors feeds the sector dimension.
func NewCatalog(sectors SectorIndex) *Catalog {
	specs := []featureSpec{
		{name: FeatureBrokerSummary, dimension: BrokerByStock{}, origins: allOrigins, orderDedup: true, perKeyProgress: true},
		// the broker page reads its own trades from the counterparty's point of view
		{name: FeatureStockSummary, dimension: StockByBroker{}, origins: allOrigins, swapSides: true, orderDedup: true, perKeyProgress: true},
		{name: FeatureSectorSummary, dimension: BrokerBySector{Sectors: sectors}, origins: allOrigins, perKeyProgress: true},
		{name: FeatureMarketBroker, dimension: BrokerMarket{}, origins: allOrigins, orderDedup: true},
		{name: FeatureOriginFlow, dimension: StockMarket{}, origins: flowOrigins},
	}

	c := &Catalog{
		byName:   make(map[string]Flavor),
		features: make(map[string][]Flavor),
	}

	for _, spec := range specs {
		for _, board := range catalogBoards {
			for _, origin := range spec.origins {
				f := Flavor{
					Feature:        spec.name,
					Dimension:      spec.dimension,
					Filter:         Filter{Board: board, Origin: origin},
					NetRule:        NetRuleVolumeOrValue,
					SwapSides:      spec.swapSides,
					OrderDedup:     spec.orderDedup,
					PerKeyProgress: spec.perKeyProgress,
				}
				f.Name = spec.name + "_" + f.Filter.Suffix()
				c.add(f)
			}
		}
	}

	return c
}

func (c *Catalog) add(f Flavor) {
	c.flavors = append(c.flavors, f)
	c.byName[f.Name] = f
	c.features[f.Feature] = append(c.features[f.Feature], f)
}

// All returns every registered flavor in registration order
func (c *Catalog) All() []Flavor {
	return append([]Flavor(nil), c.flavors...)
}

// Lookup returns a flavor by name
func (c *Catalog) Lookup(name string) (Flavor, error) {
	f, ok := c.byName[name]
	if !ok {
		return Flavor{}, fmt.Errorf("%s: %w", name, ErrUnknownFlavor)
	}
	return f, nil
}

// Feature returns every flavor of one feature
func (c *Catalog) Feature(name string) ([]Flavor, error) {
	group, ok := c.features[name]
	if !ok {
		return nil, fmt.Errorf("feature %s: %w", name, ErrUnknownFlavor)
	}
	return append([]Flavor(nil), group...), nil
}

// Features returns the registered feature names, sorted
func (c *Catalog) Features() []string {
	names := make([]string, 0, len(c.features))
	for name := range c.features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select resolves a mix of feature and flavor names into a de-duplicated flavor list.
// "all" selects every flavor.
func (c *Catalog) Select(names ...string) ([]Flavor, error) {
	var out []Flavor
	seen := make(map[string]bool)
	push := func(f Flavor) {
		if !seen[f.Name] {
			seen[f.Name] = true
			out = append(out, f)
		}
	}

	for _, name := range names {
		if name == "all" {
			for _, f := range c.flavors {
				push(f)
			}
			continue
		}
		if group, ok := c.features[name]; ok {
			for _, f := range group {
				push(f)
			}
			continue
		}
		f, err := c.Lookup(name)
		if err != nil {
			return nil, err
		}
		push(f)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no flavors selected: %w", ErrUnknownFlavor)
	}
	return out, nil
}
