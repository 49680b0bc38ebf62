// Package hotness tracks how often tiles are requested.
package hotness

// Interface scores tile keys; scores decay over time.
type Interface interface {
	Inc(key string)
	Score(key string) float64
	Reset(keys ...string)
}
