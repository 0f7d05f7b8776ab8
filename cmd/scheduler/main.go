// Command scheduler orchestrates a batch of tests across a fleet of
// Worker Supervisors, following the shape of the teacher's
// cmd/app/main.go: load config, set up logging and Sentry, wire the
// core components, run them under one cancellable group, and shut
// down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/swarmtest/resilient-runner/internal/batchsize"
	"github.com/swarmtest/resilient-runner/internal/config"
	"github.com/swarmtest/resilient-runner/internal/notify"
	"github.com/swarmtest/resilient-runner/internal/obsv"
	"github.com/swarmtest/resilient-runner/internal/protocol"
	"github.com/swarmtest/resilient-runner/internal/queue"
	"github.com/swarmtest/resilient-runner/internal/sink"
	"github.com/swarmtest/resilient-runner/internal/subproc"
	"github.com/swarmtest/resilient-runner/internal/supervisor"
	"github.com/swarmtest/resilient-runner/internal/tiermonitor"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	setupLogging(cfg)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Env,
			Debug:       cfg.Env == "development",
		}); err != nil {
			log.Fatal().Err(err).Msg("failed to initialise Sentry")
		}
		defer sentry.Flush(2 * time.Second)
	} else {
		log.Warn().Msg("Sentry not initialised: SENTRY_DSN not provided")
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prov, err := obsv.Init(rootCtx, obsv.Config{
		Enabled:      cfg.MetricsEnabled,
		ServiceName:  "resilient-runner",
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise observability")
	}
	if prov != nil {
		defer prov.Shutdown(context.Background())
	}

	discovered, err := supervisor.Discover(rootCtx, cfg.WorkerPath, cfg.WorkerArgs, cfg.AssemblyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to discover tests")
	}

	tests := make([]protocol.TestId, 0, len(discovered))
	for _, d := range discovered {
		tests = append(tests, d.Id)
	}

	q := queue.New(tests)
	batches := batchsize.New(len(tests), cfg.Supervisors)
	sk := sink.New()

	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		slackChannel, err := notify.NewSlackChannel(cfg.SlackBotToken, cfg.SlackChannel)
		if err != nil {
			log.Error().Err(err).Msg("failed to configure Slack notifier, continuing without it")
		} else {
			sk.AddNotifier(slackChannel)
		}
	}

	log.Info().
		Int("tests", len(tests)).
		Int("supervisors", cfg.Supervisors).
		Msg("scheduler: starting run")

	group, groupCtx := errgroup.WithContext(rootCtx)

	for i := 0; i < cfg.Supervisors; i++ {
		sv := supervisor.New(queue.SupervisorId(i), supervisor.Config{
			WorkerPath:          cfg.WorkerPath,
			WorkerArgs:          cfg.WorkerArgs,
			AssemblyPath:        cfg.AssemblyPath,
			HangTimeout:         cfg.HangTimeout,
			StreamTimeout:       cfg.StreamTimeout,
			SmallBatchThreshold: cfg.SmallBatchThreshold,
			RespawnLimit:        rate.Every(cfg.RespawnInterval),
		}, q, batches, sk)

		group.Go(func() error {
			if err := sv.Run(groupCtx); err != nil && groupCtx.Err() == nil {
				return err
			}
			return nil
		})
	}

	monitor := tiermonitor.New(q, batches)
	group.Go(func() error {
		if err := monitor.Run(groupCtx); err != nil && groupCtx.Err() == nil {
			return err
		}
		return nil
	})

	go reportBusySupervisors(groupCtx, q)

	server := newObservabilityServer(cfg.Port, prov)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("observability server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	select {
	case <-stop:
		log.Info().Msg("scheduler: shutdown signal received")
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("scheduler: run ended with error")
		}
	}

	subproc.Registry.KillAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("observability server shutdown error")
	}

	log.Info().Int("outcomes", sk.Count()).Msg("scheduler: run complete")
	os.Exit(sk.ExitCode())
}

func reportBusySupervisors(ctx context.Context, q *queue.Queue) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			obsv.RecordSupervisorsBusy(ctx, q.BusyCount())
		}
	}
}

func newObservabilityServer(port string, prov *obsv.Providers) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "OK", "time": time.Now().Format(time.RFC3339)})
	})
	if prov != nil && prov.MetricsHandler != nil {
		mux.Handle("/metrics", prov.MetricsHandler)
	}

	return &http.Server{
		Addr:    ":" + port,
		Handler: obsv.WrapHandler(mux, prov),
	}
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "resilient-runner").
			Logger()
	}
}
