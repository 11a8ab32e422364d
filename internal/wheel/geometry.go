// Package wheel describes trigger-wheel tooth patterns.
//
// A geometry is selected by name from a fixed preset table at configuration
// time and never changes while the decoder runs. Tooth positions are evenly
// spaced; some positions are intentionally left without a tooth so the sensor
// sees a longer interval ("gap") once or more per revolution.
package wheel

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/crankshaft/internal/ticks"
)

// ErrUnknownGeometry is returned by Lookup for names outside the preset table.
var ErrUnknownGeometry = errors.New("unknown wheel geometry")

// gapTolerance is the half-width of the band, in tooth pitches, around each
// designed gap span. A double-width gap is accepted between 1.5x and 2.5x the
// recent average interval.
const gapTolerance = 0.5

// Gap is a run of missing teeth.
type Gap struct {
	// Position is the index of the last tooth before the gap.
	Position uint32
	// Missing is the number of consecutive tooth positions without a tooth.
	Missing uint32
}

// Span returns the gap width measured in tooth pitches: one missing tooth
// makes the sensor see a double-width interval.
func (g Gap) Span() uint32 { return g.Missing + 1 }

// Geometry is an immutable trigger-wheel descriptor.
type Geometry struct {
	name  string
	teeth uint32
	gaps  []Gap
}

var presets = map[string]Geometry{
	"12-1": {name: "12-1", teeth: 12, gaps: []Gap{{Position: 10, Missing: 1}}},
	"24-1": {name: "24-1", teeth: 24, gaps: []Gap{{Position: 22, Missing: 1}}},
	"36-1": {name: "36-1", teeth: 36, gaps: []Gap{{Position: 34, Missing: 1}}},
	"36-2": {name: "36-2", teeth: 36, gaps: []Gap{{Position: 33, Missing: 2}}},
	// three single missing teeth, 120 degrees apart
	"36-1x3": {name: "36-1x3", teeth: 36, gaps: []Gap{
		{Position: 10, Missing: 1},
		{Position: 22, Missing: 1},
		{Position: 34, Missing: 1},
	}},
	"60-2": {name: "60-2", teeth: 60, gaps: []Gap{{Position: 57, Missing: 2}}},
}

// Lookup returns the preset geometry with the given name.
func Lookup(name string) (Geometry, error) {
	g, ok := presets[name]
	if !ok {
		return Geometry{}, fmt.Errorf("%w %q (supported: %v)", ErrUnknownGeometry, name, Names())
	}
	return g, nil
}

// MustLookup is like Lookup but panics on an unknown name. Intended for tests
// and package-level defaults.
func MustLookup(name string) Geometry {
	g, err := Lookup(name)
	if err != nil {
		panic(err)
	}
	return g
}

// Names lists the supported presets in sorted order.
func Names() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Name returns the preset name, e.g. "36-1".
func (g Geometry) Name() string { return g.name }

// ExpectedToothCount returns the number of tooth positions per revolution,
// including the positions left empty to form gaps.
func (g Geometry) ExpectedToothCount() uint32 { return g.teeth }

// EdgesPerRevolution returns the number of physical teeth, i.e. sensor edges
// seen in one revolution.
func (g Geometry) EdgesPerRevolution() uint32 {
	edges := g.teeth
	for _, gap := range g.gaps {
		edges -= gap.Missing
	}
	return edges
}

// ToothAngle returns the angular pitch between adjacent tooth positions in
// radians.
func (g Geometry) ToothAngle() float64 {
	if g.teeth == 0 {
		return 0
	}
	return 2 * math.Pi / float64(g.teeth)
}

// Gaps returns a copy of the gap list.
func (g Geometry) Gaps() []Gap {
	out := make([]Gap, len(g.gaps))
	copy(out, g.gaps)
	return out
}

// GapSpans returns the distinct gap widths in tooth pitches, ascending.
func (g Geometry) GapSpans() []uint32 {
	seen := make(map[uint32]bool, len(g.gaps))
	var spans []uint32
	for _, gap := range g.gaps {
		s := gap.Span()
		if !seen[s] {
			seen[s] = true
			spans = append(spans, s)
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i] < spans[j] })
	return spans
}

// GapSpan reports which designed gap span, if any, interval matches given the
// recent average tooth interval.
func (g Geometry) GapSpan(interval, recentAverage ticks.Interval) (uint32, bool) {
	if recentAverage == 0 || interval == 0 {
		return 0, false
	}
	ratio := float64(interval) / float64(recentAverage)
	for _, span := range g.GapSpans() {
		s := float64(span)
		if ratio >= s-gapTolerance && ratio < s+gapTolerance {
			return span, true
		}
	}
	return 0, false
}

// IsPlausibleGap reports whether interval is consistent with one of the wheel's
// designed missing-tooth gaps rather than a sensor glitch.
func (g Geometry) IsPlausibleGap(interval, recentAverage ticks.Interval) bool {
	_, ok := g.GapSpan(interval, recentAverage)
	return ok
}

func (g Geometry) String() string {
	return fmt.Sprintf("%s (%d positions, %d edges/rev)", g.name, g.teeth, g.EdgesPerRevolution())
}
