// Package analysis wires sources, the classifier, the orchestrator and the
// output sinks into the realtime and file analysis modes.
package analysis

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/pulsecheck/internal/api"
	"github.com/tphakala/pulsecheck/internal/buildinfo"
	"github.com/tphakala/pulsecheck/internal/classifier"
	"github.com/tphakala/pulsecheck/internal/conf"
	"github.com/tphakala/pulsecheck/internal/datastore"
	"github.com/tphakala/pulsecheck/internal/errors"
	"github.com/tphakala/pulsecheck/internal/logger"
	"github.com/tphakala/pulsecheck/internal/mqtt"
	"github.com/tphakala/pulsecheck/internal/observability"
	"github.com/tphakala/pulsecheck/internal/quality"
	"github.com/tphakala/pulsecheck/internal/source"
	"github.com/tphakala/pulsecheck/internal/telemetry"
	"github.com/tphakala/pulsecheck/internal/waveform"
)

// sinkBuffer is the subscription depth given to each output sink.
const sinkBuffer = 64

// RealtimeAnalysis runs continuous assessment until ctx is cancelled or the
// process receives SIGINT or SIGTERM.
func RealtimeAnalysis(ctx context.Context, settings *conf.Settings, build buildinfo.BuildInfo) error {
	log := GetLogger()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	printSystemDetails()
	fmt.Printf("Ready to assess signal quality, source: %s\n", sourceLabel(&settings.Source))

	if _, err := telemetry.InitSentry(settings, build); err != nil {
		log.Warn("Sentry telemetry not started", logger.Error(err))
	}
	defer telemetry.Flush(telemetry.DefaultFlushTimeout)

	m, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	adapter, err := classifier.NewFromSettings(&settings.Model)
	if err != nil {
		return err
	}
	defer func() {
		if err := adapter.Close(); err != nil {
			log.Warn("Failed to release model", logger.Error(err))
		}
	}()
	adapter.Load(ctx)

	window, err := waveform.NewWindow(settings.Window.Capacity)
	if err != nil {
		return err
	}

	pub := quality.NewPublisher()
	orch := quality.NewOrchestrator(window, adapter, pub,
		quality.WithSettings(&settings.Quality),
		quality.WithRecorder(m.Quality),
		quality.WithSessionID(uuid.New()),
	)

	src, err := source.New(&settings.Source)
	if err != nil {
		return err
	}
	if n, ok := src.(*source.NATS); ok {
		n.SetMetrics(m.Source)
	}
	tap := source.NewTap(window, src.Name(), m.Source, orch.Trigger)

	g, gctx := errgroup.WithContext(ctx)
	orch.Start(gctx)
	defer orch.Stop()

	log.Info("Realtime analysis started",
		logger.String("session_id", orch.SessionID().String()),
		logger.String("source", src.Name()),
		logger.String("backend", adapter.BackendName()),
		logger.Int("window_capacity", window.Cap()))

	g.Go(func() error {
		err := src.Run(gctx, tap)
		if err == nil {
			log.Info("Source exhausted", logger.String("source", src.Name()))
		}
		return err
	})

	store := datastore.New(settings, m.Datastore)
	if store != nil {
		if err := store.Open(); err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Warn("Failed to close datastore", logger.Error(err))
			}
		}()
		updates, cancel := pub.Subscribe(sinkBuffer)
		g.Go(func() error {
			defer cancel()
			return datastore.Run(gctx, store, updates)
		})
	}

	if settings.MQTT.Enabled {
		client, err := mqtt.NewClient(mqtt.ConfigFromSettings(&settings.MQTT), m.MQTT)
		if err != nil {
			return err
		}
		defer client.Disconnect()
		g.Go(func() error {
			connectMQTT(gctx, client)
			return nil
		})

		sink := mqtt.NewSink(client, settings.MQTT.Topic, settings.Quality.MinConfidence, m.MQTT)
		updates, cancel := pub.Subscribe(sinkBuffer)
		g.Go(func() error {
			defer cancel()
			return sink.Run(gctx, updates)
		})
	}

	if settings.WebServer.Enabled {
		opts := []api.ServerOption{
			api.WithModel(adapter),
			api.WithMetrics(m),
			api.WithBuildInfo(build),
		}
		if store != nil {
			opts = append(opts, api.WithDataStore(store))
		}
		srv, err := api.New(settings, pub, opts...)
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Run(gctx) })
	}

	// With the web server up, metrics are served on its /metrics route.
	if settings.Telemetry.Enabled && !settings.WebServer.Enabled {
		endpoint, err := observability.NewEndpoint(settings, m)
		if err != nil {
			return err
		}
		g.Go(func() error { return endpoint.Run(gctx) })
	}

	err = g.Wait()
	log.Info("Realtime analysis stopped",
		logger.Uint64("published", pub.Seq()),
		logger.Uint64("dropped", pub.Dropped()))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// connectMQTT retries the initial broker connection until it succeeds or ctx
// ends. Later connection losses are handled by the client itself.
func connectMQTT(ctx context.Context, client mqtt.Client) {
	log := GetLogger()
	cfg := mqtt.DefaultConfig()
	backoff := retry.WithCappedDuration(cfg.MaxReconnectDelay, retry.NewExponential(cfg.ReconnectCooldown))
	_ = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := client.Connect(ctx); err != nil {
			log.Warn("MQTT connection failed, retrying", logger.Error(err))
			return retry.RetryableError(err)
		}
		log.Info("MQTT connected")
		return nil
	})
}

func sourceLabel(s *conf.SourceSettings) string {
	switch s.Type {
	case source.TypeNATS:
		return fmt.Sprintf("nats %s", s.NATS.Subject)
	case source.TypeFile:
		return fmt.Sprintf("file %s", s.File.Path)
	default:
		return source.TypeSim
	}
}

func printSystemDetails() {
	info, err := host.Info()
	if err != nil {
		GetLogger().Warn("Failed to retrieve host info", logger.Error(err))
		return
	}
	fmt.Printf("System details: %s %s %s, uptime %s\n",
		info.OS, info.Platform, info.PlatformVersion,
		(time.Duration(info.Uptime) * time.Second).String()) //nolint:gosec // G115: uptime fits int64
}
