// Package featuretest provides feature oracles for tests.
package featuretest

import "github.com/tinyrange/el2ctx/internal/feature"

// Counting wraps an Oracle and records how often each extension is queried.
type Counting struct {
	feature.Oracle
	Queries map[feature.Extension]int
}

// Present implements feature.Oracle.
func (c *Counting) Present(ext feature.Extension) (bool, error) {
	if c.Queries == nil {
		c.Queries = make(map[feature.Extension]int)
	}
	c.Queries[ext]++
	return c.Oracle.Present(ext)
}
