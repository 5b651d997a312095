package pairgame

// Config is a session's opaque key/value configuration as seen by a
// pair game. Amounts are in cents.
type Config map[string]any

// Int reads an integer option with a default. JSON numbers arrive as
// float64.
func (c Config) Int(key string, def int64) int64 {
	v, ok := c[key]
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
