package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"hls-ladder/internal/platform/config"
	"hls-ladder/internal/platform/logger"
	"hls-ladder/internal/player"
)

type playOptions struct {
	quality       string
	autoplay      bool
	start         float64
	stats         bool
	statsAddr     string
	probeInterval time.Duration
	retryDelay    time.Duration
	maxBuffer     time.Duration
}

func newPlayCmd(a *app) *cobra.Command {
	var o playOptions
	cmd := &cobra.Command{
		Use:   "play <manifest-url>",
		Short: "Play an HLS master manifest headlessly with adaptive rendition selection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlay(cmd.Context(), a.log, args[0], o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.quality, "quality", player.AutoTier, `"auto", a tier name such as 720p, or a kbps ceiling`)
	f.BoolVar(&o.autoplay, "autoplay", true, "start playing as soon as the first fragment is buffered")
	f.Float64Var(&o.start, "start", 0, "start position in seconds")
	f.BoolVar(&o.stats, "stats", false, "log a stats line every second")
	f.StringVar(&o.statsAddr, "stats-addr", config.GetEnv("PLAYER_STATS_ADDR", ""), "serve a websocket stats feed at /stats on this address")
	f.DurationVar(&o.probeInterval, "probe-interval", config.GetEnvDuration("PLAYER_PROBE_INTERVAL", 10*time.Second), "connection probe interval, 0 disables probing")
	f.DurationVar(&o.retryDelay, "retry-delay", player.DefaultRetryDelay, "delay before a pipeline rebuild")
	f.DurationVar(&o.maxBuffer, "max-buffer", 30*time.Second, "forward buffer target")
	return cmd
}

func runPlay(ctx context.Context, log *slog.Logger, url string, o playOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log = log.With(slog.String("url", url))
	client := &http.Client{Timeout: 30 * time.Second}

	outcome := make(chan error, 1)
	finish := func(err error) {
		select {
		case outcome <- err:
		default:
		}
	}

	var lastSegment atomic.Value
	lastSegment.Store("")

	ctrl := player.NewController(player.ControllerOptions{
		Factory: player.NewHTTPPipelineFactory(player.HTTPOptions{
			Client:    client,
			MaxBuffer: o.maxBuffer.Seconds(),
			OnSegment: func(uri string) { lastSegment.Store(uri) },
			Log:       log,
		}),
		RetryDelay: o.retryDelay,
		Log:        log,
		Listener: player.ListenerFuncs{
			Ready: func(s player.SessionSnapshot) {
				log.Info("ready", slog.String("level", s.Level), slog.Int("levels", len(s.Levels)), slog.Float64("bandwidth_bps", s.BandwidthBps))
			},
			Play:  func() { log.Info("playing") },
			Pause: func() { log.Info("paused") },
			Error: func(err error, fatal bool) {
				if fatal {
					log.Error("playback stopped", slog.String("error", err.Error()))
					finish(err)
					return
				}
				log.Warn("recovering", slog.String("error", err.Error()))
			},
			ModeChange: func(from, to player.Mode) {
				log.Debug("mode", slog.String("from", from.String()), slog.String("to", to.String()))
			},
			Ended: func() {
				log.Info("playback ended")
				finish(nil)
			},
		},
	})

	var conn player.ConnectionInfo = player.NoConnectionInfo{}
	var probe *player.ProbeConnection
	if o.probeInterval > 0 {
		probe = player.NewProbeConnection(player.ProbeOptions{
			URL:      url,
			Target:   func() string { return lastSegment.Load().(string) },
			Interval: o.probeInterval,
			Client:   client,
			Log:      log,
		})
		conn = probe
	}
	mon := player.NewMonitor(conn, log)
	agg := player.NewAggregator(ctrl, mon, player.DefaultStatsInterval, log)
	if o.stats {
		agg.Subscribe(func(s player.StatsSnapshot) {
			log.Info("stats",
				slog.String("mode", s.Mode),
				slog.String("level", s.Level),
				slog.Int("bitrate_bps", s.BitrateBps),
				slog.Float64("bandwidth_bps", s.BandwidthBps),
				slog.Float64("buffer_ahead", s.BufferAhead),
				slog.Duration("load_latency", s.LoadLatency),
				slog.Int64("dropped_frames", s.DroppedFrames),
				slog.Int("retry_count", s.RetryCount))
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error {
		mon.Run(gctx, ctrl.NetworkSample)
		return nil
	})
	if probe != nil {
		g.Go(func() error {
			probe.Run(gctx)
			return nil
		})
	}
	g.Go(func() error { return agg.Run(gctx) })
	if o.statsAddr != "" {
		feed := player.NewStatsFeed(log)
		agg.Subscribe(feed.Publish)
		r := chi.NewRouter()
		r.Use(logger.RequestLogger(log))
		r.Get("/stats", feed.ServeHTTP)
		srv := &http.Server{Addr: o.statsAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		log.Info("stats feed listening", slog.String("addr", o.statsAddr))
	}
	g.Go(func() error {
		select {
		case err := <-outcome:
			cancel()
			return err
		case <-gctx.Done():
			return nil
		}
	})

	ctrl.Load(url, player.LoadOptions{Autoplay: o.autoplay, StartPosition: o.start, Quality: o.quality})
	return g.Wait()
}
