// Command gen-capture writes a synthetic trigger-wheel capture in the line
// format the replay source reads.
//
// Usage:
//
//	go run ./cmd/tools/gen-capture -wheel 60-2 -rpm 800 -end-rpm 6000 -revs 200 -out ramp.txt
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"

	"github.com/banshee-data/crankshaft/internal/security"
	"github.com/banshee-data/crankshaft/internal/ticks"
)

func main() {
	wheelName := flag.String("wheel", "36-1", "Wheel pattern")
	rpm := flag.Float64("rpm", 3000, "Starting speed")
	endRPM := flag.Float64("end-rpm", 0, "Final speed (defaults to -rpm)")
	revs := flag.Float64("revs", 100, "Revolutions to generate")
	rate := flag.Uint("rate", 1_000_000, "Counter ticks per second")
	width := flag.Uint("width", 32, "Counter width in bits (16 or 32)")
	jitter := flag.Float64("jitter", 0, "Edge jitter standard deviation, in ticks")
	seed := flag.Int64("seed", 1, "Jitter random seed")
	startTick := flag.Uint64("start-tick", 0, "Counter value of the first edge")
	stallAfter := flag.Float64("stall-after", 0, "Insert a stall after this many revolutions")
	stallFor := flag.Float64("stall-for", 1, "Stall length in seconds")
	out := flag.String("out", "", "Output file (stdout when empty)")
	flag.Parse()

	if *endRPM == 0 {
		*endRPM = *rpm
	}

	var w io.Writer = os.Stdout
	if *out != "" {
		if err := security.ValidateOutputPath(*out); err != nil {
			log.Fatalf("refusing to write %s: %v", *out, err)
		}
		f, err := os.Create(*out)
		if err != nil {
			log.Fatalf("failed to create %s: %v", *out, err)
		}
		defer f.Close()
		w = f
	}

	n, err := generate(context.Background(), w, genParams{
		Wheel:      *wheelName,
		StartRPM:   *rpm,
		EndRPM:     *endRPM,
		Revs:       *revs,
		Rate:       uint32(*rate),
		Width:      ticks.CounterWidth(*width),
		Jitter:     *jitter,
		Seed:       *seed,
		StartTick:  *startTick,
		StallAfter: *stallAfter,
		StallFor:   *stallFor,
	})
	if err != nil {
		log.Fatalf("generate failed: %v", err)
	}
	log.Printf("wrote %d edges", n)
}
