package featuretest

import (
	"testing"

	"github.com/tinyrange/el2ctx/internal/feature"
)

func TestCounting(t *testing.T) {
	c := &Counting{Oracle: feature.NewSet(feature.GCS)}
	for i := 0; i < 3; i++ {
		ok, err := c.Present(feature.GCS)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatal("GCS not present")
		}
	}
	if ok, _ := c.Present(feature.MPAM); ok {
		t.Fatal("MPAM present")
	}
	if c.Queries[feature.GCS] != 3 || c.Queries[feature.MPAM] != 1 {
		t.Fatalf("Queries = %v", c.Queries)
	}
}
