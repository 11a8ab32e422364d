// Command trace-plot renders decoder estimates as a PNG, either from a
// recorded database session or by decoding a capture file offline.
//
// Usage:
//
//	go run ./cmd/tools/trace-plot -db crankshaft.db [-session ID] -out trace.png
//	go run ./cmd/tools/trace-plot -capture ramp.txt [-config decoder.json] -out trace.png
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/banshee-data/crankshaft/internal/config"
	"github.com/banshee-data/crankshaft/internal/db"
	"github.com/banshee-data/crankshaft/internal/security"
	"github.com/banshee-data/crankshaft/internal/sink"
	"github.com/banshee-data/crankshaft/internal/traceplot"
	"github.com/banshee-data/crankshaft/internal/units"
)

func main() {
	dbPath := flag.String("db", "", "SQLite database written by crankshaft -db")
	sessionID := flag.String("session", "", "Session to plot (newest when empty)")
	list := flag.Bool("list", false, "List recorded sessions and exit")
	capturePath := flag.String("capture", "", "Capture file to decode instead of reading a database")
	configPath := flag.String("config", "", "Decoder JSON config used with -capture")
	limit := flag.Int("limit", 0, "Maximum estimates to plot (0 for all)")
	unit := flag.String("unit", units.RPM, "Velocity unit: "+units.GetValidUnitsString())
	out := flag.String("out", "trace.png", "Output PNG path")
	flag.Parse()

	if err := security.ValidateOutputPath(*out); err != nil {
		log.Fatalf("refusing to write %s: %v", *out, err)
	}

	ctx := context.Background()
	var (
		est   []sink.Estimate
		title string
	)

	switch {
	case *capturePath != "":
		cfg := config.DefaultDecoderConfig()
		if *configPath != "" {
			var err error
			if cfg, err = config.LoadDecoderConfig(*configPath); err != nil {
				log.Fatalf("failed to load config: %v", err)
			}
		}
		f, err := os.Open(*capturePath)
		if err != nil {
			log.Fatalf("failed to open capture: %v", err)
		}
		est, err = decodeCapture(ctx, f, cfg, time.Unix(0, 0).UTC())
		if err != nil {
			log.Fatalf("decode failed: %v", err)
		}
		if *limit > 0 && len(est) > *limit {
			est = est[:*limit]
		}
		title = fmt.Sprintf("%s (wheel %s)", *capturePath, cfg.GetWheel())

	case *dbPath != "":
		database, err := db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer database.Close()
		if *list {
			sessions, err := database.Sessions(ctx, 100)
			if err != nil {
				log.Fatalf("failed to list sessions: %v", err)
			}
			for _, s := range sessions {
				fmt.Printf("%s  %s  %-6s %-5s written=%d dropped=%d\n",
					s.ID, s.StartedAt.Format(time.RFC3339), s.Source, s.Wheel, s.Written, s.Dropped)
			}
			return
		}
		session, loaded, err := loadSession(ctx, database, *sessionID, *limit)
		if err != nil {
			log.Fatalf("failed to load session: %v", err)
		}
		est = loaded
		title = fmt.Sprintf("session %s (%s, wheel %s)", session.ID, session.Source, session.Wheel)

	default:
		log.Fatalf("one of -db or -capture is required")
	}

	if err := traceplot.Save(*out, est, traceplot.Options{Title: title, Unit: *unit}); err != nil {
		log.Fatalf("failed to render: %v", err)
	}
	log.Printf("wrote %d estimates to %s", len(est), *out)
}
