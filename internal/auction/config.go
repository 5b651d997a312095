package auction

// Config holds the double-auction family's per-session options,
// decoded from the session's opaque key/value configuration. Prices
// are in cents. Zero means unset for the floor and ceiling.
type Config struct {
	MinValuation   int64
	MaxValuation   int64
	MinCost        int64
	MaxCost        int64
	PriceFloor     int64
	PriceCeiling   int64
	TaxPerUnit     int64
	SubsidyPerUnit int64
}

func parseConfig(m map[string]any) Config {
	return Config{
		MinValuation:   cfgInt(m, "min_valuation", 5000),
		MaxValuation:   cfgInt(m, "max_valuation", 10000),
		MinCost:        cfgInt(m, "min_cost", 1000),
		MaxCost:        cfgInt(m, "max_cost", 6000),
		PriceFloor:     cfgInt(m, "price_floor", 0),
		PriceCeiling:   cfgInt(m, "price_ceiling", 0),
		TaxPerUnit:     cfgInt(m, "tax_per_unit", 0),
		SubsidyPerUnit: cfgInt(m, "subsidy_per_unit", 0),
	}
}

// cfgInt reads an integer option. JSON numbers arrive as float64.
func cfgInt(m map[string]any, key string, def int64) int64 {
	v, ok := m[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return def
	}
}
