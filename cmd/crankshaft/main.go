package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/crankshaft/internal/capture"
	"github.com/banshee-data/crankshaft/internal/config"
	"github.com/banshee-data/crankshaft/internal/db"
	"github.com/banshee-data/crankshaft/internal/decoder"
	"github.com/banshee-data/crankshaft/internal/monitor"
	"github.com/banshee-data/crankshaft/internal/monitoring"
	"github.com/banshee-data/crankshaft/internal/sink"
	"github.com/banshee-data/crankshaft/internal/ticks"
	"github.com/banshee-data/crankshaft/internal/timeutil"
	"github.com/banshee-data/crankshaft/internal/units"
	"github.com/banshee-data/crankshaft/internal/version"
	"github.com/banshee-data/crankshaft/internal/wheel"
)

var (
	configPath  = flag.String("config", "", "Path to decoder JSON config (built-in defaults when empty)")
	sourceKind  = flag.String("source", "sim", "Edge source: sim, replay, serial, gpiod, periph")
	port        = flag.String("port", "/dev/ttyACM0", "Capture board serial port (serial source)")
	chip        = flag.String("chip", "gpiochip0", "GPIO chip (gpiod source)")
	line        = flag.Int("line", 17, "GPIO line offset (gpiod source)")
	pin         = flag.String("pin", "GPIO17", "GPIO pin name (periph source)")
	replayPath  = flag.String("replay", "", "Recorded capture file (replay source)")
	simRPM      = flag.Float64("sim-rpm", 3000, "Cruise speed of the simulated wheel")
	simJitter   = flag.Float64("sim-jitter", 0, "Standard deviation of simulated edge jitter, in ticks")
	listen      = flag.String("listen", ":8080", "Debug HTTP listen address (empty disables)")
	grpcListen  = flag.String("grpc-listen", "", "gRPC health listen address (empty disables)")
	dbPath      = flag.String("db", "", "SQLite file to record estimates into (empty disables)")
	devMode     = flag.Bool("dev", false, "Read DB migrations from internal/db/migrations on disk")
	unit        = flag.String("unit", units.RPM, "Velocity display unit: "+units.GetValidUnitsString())
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if !units.IsValid(*unit) {
		log.Fatalf("invalid -unit %q, want one of %s", *unit, units.GetValidUnitsString())
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	geom, err := wheel.Lookup(cfg.GetWheel())
	if err != nil {
		log.Fatalf("invalid wheel: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, boardMux, err := openSource(ctx, sourceOptions{
		Kind:      *sourceKind,
		Port:      *port,
		Chip:      *chip,
		Line:      *line,
		Pin:       *pin,
		Replay:    *replayPath,
		SimRPM:    *simRPM,
		SimJitter: *simJitter,
		Clock:     timeutil.RealClock{},
	}, cfg, geom)
	if err != nil {
		log.Fatalf("failed to open %s source: %v", *sourceKind, err)
	}
	defer src.Close()
	log.Printf("%s: %s source, wheel %s, %d-bit counter at %d ticks/s",
		version.String(), *sourceKind, geom, src.CounterWidthBits(), src.TicksPerSecond())

	history := sink.NewHistory(cfg.GetChartHistoryCapacity())
	sinks := sink.Multi{history, sink.NewLogSink(uint64(cfg.GetLogEvery()))}

	var (
		database *db.DB
		recorder *db.Recorder
	)
	if *dbPath != "" {
		db.DevMode = *devMode
		database, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer database.Close()
		recorder, err = database.StartSession(ctx, sessionInfo(*sourceKind, geom, src, cfg))
		if err != nil {
			log.Fatalf("failed to start recording: %v", err)
		}
		sinks = append(sinks, recorder)
	}

	dec, err := decoder.New(decoder.ConfigFromTuning(cfg), geom, ticks.CounterWidth(src.CounterWidthBits()), src.TicksPerSecond(), sinks)
	if err != nil {
		log.Fatalf("failed to create decoder: %v", err)
	}
	mon := monitor.New(monitor.Options{Stats: dec, History: history, Wheel: geom.Name(), Unit: *unit})

	// Everything below stops when ctx is cancelled: by a signal, or by the
	// decoder finishing its source.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := dec.Run(ctx, src); err != nil && err != context.Canceled {
			log.Printf("decoder stopped: %v", err)
		}
		log.Printf("decoder routine terminated: %s", summary(dec, src, history, *unit))
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		monitoring.Heartbeat(ctx, timeutil.RealClock{}, cfg.GetHeartbeatInterval(), func() string {
			return summary(dec, src, history, *unit)
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		mon.WatchHealth(ctx, timeutil.RealClock{}, time.Second)
	}()

	if *grpcListen != "" {
		lis, err := net.Listen("tcp", *grpcListen)
		if err != nil {
			log.Fatalf("failed to listen on %s: %v", *grpcListen, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mon.ServeGRPC(ctx, lis); err != nil {
				log.Printf("gRPC server error: %v", err)
			}
		}()
	}

	if *listen != "" {
		mux := http.NewServeMux()
		boardMux.AttachAdminRoutes(mux)
		mon.AttachAdminRoutes(mux)
		if database != nil {
			if err := database.AttachAdminRoutes(mux); err != nil {
				log.Fatalf("failed to attach db routes: %v", err)
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, *listen, mux)
		}()
	}

	wg.Wait()

	if recorder != nil {
		if err := recorder.Close(); err != nil {
			log.Printf("failed to close recording: %v", err)
		}
	}
	log.Printf("Graceful shutdown complete")
}

func loadConfig(path string) (*config.DecoderConfig, error) {
	if path == "" {
		return config.DefaultDecoderConfig(), nil
	}
	cfg, err := config.LoadDecoderConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func sessionInfo(kind string, geom wheel.Geometry, src capture.Source, cfg *config.DecoderConfig) db.SessionInfo {
	raw, err := json.Marshal(cfg)
	if err != nil {
		raw = nil
	}
	return db.SessionInfo{
		Source:         kind,
		Wheel:          geom.Name(),
		CounterWidth:   src.CounterWidthBits(),
		TicksPerSecond: src.TicksPerSecond(),
		ConfigJSON:     string(raw),
	}
}

// summary is the heartbeat line. Sources that count lost edges or
// unparseable lines have those counts appended.
func summary(dec *decoder.Decoder, src capture.Source, history *sink.History, unit string) string {
	s := dec.Stats()
	out := fmt.Sprintf("decoder: state=%s edges=%d accepted=%d gaps=%d rejected=%d timeouts=%d resets=%d",
		s.StateName, s.Edges, s.Accepted, s.Gaps, s.RejectedZero+s.RejectedGlitch, s.Timeouts, s.FilterResets)
	if c, ok := src.(interface{ Dropped() uint64 }); ok {
		out += fmt.Sprintf(" dropped=%d", c.Dropped())
	}
	if c, ok := src.(interface{ BadLines() uint64 }); ok {
		out += fmt.Sprintf(" bad_lines=%d", c.BadLines())
	}
	if e, ok := history.Latest(); ok && e.Status == sink.StatusTracking {
		out += fmt.Sprintf(" velocity=%.1f %s", units.ConvertVelocity(e.Velocity, unit), unit)
	}
	return out
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler) {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("debug HTTP listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		log.Printf("failed to start server: %v", err)
		return
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
}
