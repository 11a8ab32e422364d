// Package monitor exposes decoder state on the debug HTTP server and as a
// gRPC health service.
package monitor

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/banshee-data/crankshaft/internal/decoder"
	"github.com/banshee-data/crankshaft/internal/httputil"
	"github.com/banshee-data/crankshaft/internal/monitoring"
	"github.com/banshee-data/crankshaft/internal/sink"
	"github.com/banshee-data/crankshaft/internal/timeutil"
	"github.com/banshee-data/crankshaft/internal/units"
	"github.com/banshee-data/crankshaft/internal/version"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/encoding/protojson"
	"tailscale.com/tsweb"
)

// DecoderService is the gRPC health service name reporting tracking state.
const DecoderService = "crankshaft.Decoder"

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// StatsSource is the part of the decoder the monitor reads. Stats must be
// safe to call from any goroutine.
type StatsSource interface {
	Stats() decoder.Stats
}

// Monitor serves decoder stats, recent estimates and health.
type Monitor struct {
	stats   StatsSource
	history *sink.History
	wheel   string
	unit    string
	health  *health.Server
}

// Options configure a Monitor.
type Options struct {
	Stats   StatsSource
	History *sink.History
	// Wheel is shown in chart titles.
	Wheel string
	// Unit is the velocity display unit, one of the units package names.
	Unit string
}

func New(o Options) *Monitor {
	unit := o.Unit
	if !units.IsValid(unit) {
		unit = units.RPM
	}
	m := &Monitor{
		stats:   o.Stats,
		history: o.History,
		wheel:   o.Wheel,
		unit:    unit,
		health:  health.NewServer(),
	}
	m.UpdateHealth()
	return m
}

// Health returns the gRPC health server the monitor keeps current.
func (m *Monitor) Health() *health.Server { return m.health }

// UpdateHealth maps the decoder state onto the DecoderService status. The
// process-wide status stays SERVING while the monitor runs.
func (m *Monitor) UpdateHealth() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if m.stats != nil && m.stats.Stats().State == decoder.Tracking {
		status = healthpb.HealthCheckResponse_SERVING
	}
	m.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	m.health.SetServingStatus(DecoderService, status)
	return status
}

// WatchHealth refreshes the health status every interval until ctx is done,
// then marks every service NOT_SERVING.
func (m *Monitor) WatchHealth(ctx context.Context, clock timeutil.Clock, interval time.Duration) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	last := m.UpdateHealth()
	for {
		select {
		case <-ctx.Done():
			m.health.Shutdown()
			return
		case <-ticker.C():
			if s := m.UpdateHealth(); s != last {
				monitoring.Logf("monitor: %s now %s", DecoderService, s)
				last = s
			}
		}
	}
}

// ServeGRPC serves the health service (with reflection) on lis until ctx
// is done.
func (m *Monitor) ServeGRPC(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, m.health)
	reflection.Register(srv)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()
	monitoring.Logf("monitor: gRPC health listening on %s", lis.Addr())

	select {
	case <-ctx.Done():
		srv.GracefulStop()
		<-errc
		return nil
	case err := <-errc:
		return err
	}
}

func (m *Monitor) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KV("version", version.String())
	debug.KVFunc("decoder state", func() any { return m.stats.Stats().StateName })
	debug.KVFunc("decoder edges", func() any { return m.stats.Stats().Edges })
	debug.KVFunc("decoder gaps", func() any { return m.stats.Stats().Gaps })
	debug.KVFunc("decoder rejected", func() any {
		s := m.stats.Stats()
		return s.RejectedZero + s.RejectedGlitch
	})
	debug.KVFunc("decoder velocity", func() any {
		e, ok := m.history.Latest()
		if !ok {
			return "-"
		}
		return fmt.Sprintf("%.1f %s", units.ConvertVelocity(e.Velocity, m.unit), m.unit)
	})

	debug.HandleFunc("estimates", "Chart of recent estimates", m.handleChart)
	debug.HandleSilentFunc("estimates.json", m.handleEstimatesJSON)
	debug.HandleSilentFunc("stats.json", m.handleStatsJSON)
	debug.HandleFunc("health", "gRPC health status as JSON", m.handleHealth)
}

// recent returns the newest ?limit= estimates, or all of them.
func (m *Monitor) recent(r *http.Request) ([]sink.Estimate, error) {
	all := m.history.Snapshot()
	n, err := httputil.QueryLimit(r, len(all))
	if err != nil {
		return nil, err
	}
	if n < len(all) {
		all = all[len(all)-n:]
	}
	return all, nil
}

func (m *Monitor) handleEstimatesJSON(w http.ResponseWriter, r *http.Request) {
	est, err := m.recent(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if est == nil {
		est = []sink.Estimate{}
	}
	httputil.WriteJSONOK(w, est)
}

func (m *Monitor) handleStatsJSON(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, m.stats.Stats())
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	if service == "" {
		service = DecoderService
	}
	resp, err := m.health.Check(r.Context(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		httputil.NotFound(w, err.Error())
		return
	}
	b, err := protojson.Marshal(resp)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write(b)
}

// handleChart renders velocity and acceleration against time since the
// oldest estimate shown. No-signal estimates are drawn as gaps.
func (m *Monitor) handleChart(w http.ResponseWriter, r *http.Request) {
	est, err := m.recent(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if len(est) == 0 {
		httputil.NotFound(w, "no estimates yet")
		return
	}

	t0 := est[0].Time
	x := make([]string, len(est))
	vel := make([]opts.LineData, len(est))
	acc := make([]opts.LineData, len(est))
	for i, e := range est {
		x[i] = fmt.Sprintf("%.3f", e.Time.Sub(t0).Seconds())
		if e.Status == sink.StatusNoSignal {
			vel[i] = opts.LineData{Value: "-"}
			acc[i] = opts.LineData{Value: "-"}
			continue
		}
		vel[i] = opts.LineData{Value: units.ConvertVelocity(e.Velocity, m.unit)}
		acc[i] = opts.LineData{Value: e.Acceleration}
	}

	subtitle := fmt.Sprintf("wheel=%s points=%d", m.wheel, len(est))
	velocity := charts.NewLine()
	velocity.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Crankshaft estimates", Width: "100%", Height: "420px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Velocity", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: m.unit, Scale: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	velocity.SetXAxis(x).AddSeries("velocity", vel, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	acceleration := charts.NewLine()
	acceleration.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "300px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Acceleration"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "rad/s²", Scale: opts.Bool(true)}),
	)
	acceleration.SetXAxis(x).AddSeries("acceleration", acc, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(velocity, acceleration)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
