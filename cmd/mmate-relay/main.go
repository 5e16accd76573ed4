package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	relay "github.com/glimte/mmate-relay"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/health"
	"github.com/glimte/mmate-relay/httpapi"
	"github.com/glimte/mmate-relay/pkg/logattr"
	"github.com/glimte/mmate-relay/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

const (
	envPrefix             = "MMATE_RELAY_"
	shutdownTimeout       = 10 * time.Second
	defaultHandlerTimeout = 10 * time.Second
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

// errSharedCacheRequired stops a standalone worker from writing results into
// a memory cache no gateway process can read
var errSharedCacheRequired = errors.New("a standalone worker needs --mongo-uri so the gateway can read its results; use serve --echo-worker for a single process setup")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	cfg      relay.Config
	logLevel string
	breaker  bool
	env      *envDefaults
}

func newRootCmd() *cobra.Command {
	env := &envDefaults{}
	flags := &globalFlags{cfg: relay.DefaultConfig(), env: env}

	rootCmd := &cobra.Command{
		Use:          "mmate-relay",
		Short:        "Bridge synchronous HTTP calls to asynchronous queue consumers",
		Version:      fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return env.err()
		},
	}

	pf := rootCmd.PersistentFlags()
	cfg := &flags.cfg
	pf.StringVarP(&cfg.AMQPURL, "url", "u", env.string("AMQP_URL", cfg.AMQPURL), "RabbitMQ connection URL")
	pf.StringVar(&cfg.MongoURI, "mongo-uri", env.string("MONGO_URI", cfg.MongoURI), "MongoDB URI for the correlation cache (empty: in-memory)")
	pf.StringVar(&cfg.MongoDatabase, "mongo-database", env.string("MONGO_DATABASE", cfg.MongoDatabase), "MongoDB database")
	pf.StringVar(&cfg.MongoCollection, "mongo-collection", env.string("MONGO_COLLECTION", cfg.MongoCollection), "MongoDB collection")
	pf.StringVarP(&cfg.Topic, "topic", "t", env.string("TOPIC", cfg.Topic), "Topic requests are published to")
	pf.IntVar(&cfg.Partitions, "partitions", env.int("PARTITIONS", cfg.Partitions), "Number of ordered queues per topic")
	pf.IntVar(&cfg.PublishRetries, "publish-retries", env.int("PUBLISH_RETRIES", cfg.PublishRetries), "Broker publish retries (0 disables)")
	pf.DurationVar(&cfg.DefaultTTL, "ttl", env.duration("TTL", cfg.DefaultTTL), "Lifetime of cache entries written on submit")
	pf.DurationVar(&cfg.DefaultTimeout, "timeout", env.duration("TIMEOUT", cfg.DefaultTimeout), "Default wait for a correlated result")
	pf.DurationVar(&cfg.ResultTTL, "result-ttl", env.duration("RESULT_TTL", cfg.ResultTTL), "Lifetime of results written by workers")
	pf.StringVar(&flags.logLevel, "log-level", env.string("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	pf.BoolVar(&flags.breaker, "circuit-breaker", env.bool("CIRCUIT_BREAKER", true), "Fail fast while the broker is failing")

	rootCmd.AddCommand(
		newServeCmd(flags),
		newWorkerCmd(flags),
		newQueuesCmd(flags),
		newHealthCmd(flags),
	)
	return rootCmd
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		addr        string
		maxInFlight int
		maxWait     time.Duration
		echoWorker  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			client, logger, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			if echoWorker {
				w, err := client.NewWorker(newEchoHandler(logger, 0, defaultHandlerTimeout))
				if err != nil {
					return err
				}
				if err := w.Start(ctx, client.Topic()); err != nil {
					return err
				}
			}

			gateway := client.Gateway(
				httpapi.WithMaxInFlight(maxInFlight),
				httpapi.WithMaxWait(maxWait),
			)
			server := &http.Server{
				Addr:              addr,
				Handler:           gateway,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("http gateway listening", slog.String("addr", addr))
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("error stopping http server", logattr.Error(err))
			}
			logger.Info("mmate-relay stopped")
			return nil
		},
	}

	env := flags.env
	cmd.Flags().StringVarP(&addr, "addr", "a", env.string("ADDR", ":8080"), "HTTP listen address")
	cmd.Flags().IntVar(&maxInFlight, "max-in-flight", env.int("MAX_IN_FLIGHT", 0), "Maximum concurrent submissions (0: unbounded)")
	cmd.Flags().DurationVar(&maxWait, "max-wait", env.duration("MAX_WAIT", httpapi.DefaultMaxWait), "Upper bound on a client supplied wait timeout")
	cmd.Flags().BoolVar(&echoWorker, "echo-worker", env.bool("ECHO_WORKER", false), "Also run the echo worker in this process")
	return cmd
}

// newWorkerCmd runs a responder that echoes each payload back as the result.
// It is meant for smoke tests of a deployment, not as business logic. A
// separate worker process only reaches the gateway through a shared cache.
func newWorkerCmd(flags *globalFlags) *cobra.Command {
	var (
		delay          time.Duration
		handlerTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run an echo worker answering every request with its payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.cfg.MongoURI == "" {
				return errSharedCacheRequired
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			client, logger, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			w, err := client.NewWorker(newEchoHandler(logger, delay, handlerTimeout))
			if err != nil {
				return err
			}
			if err := w.Start(ctx, client.Topic()); err != nil {
				return err
			}

			<-ctx.Done()
			logger.Info("echo worker stopped")
			return nil
		},
	}

	cmd.Flags().DurationVar(&delay, "delay", 0, "Artificial processing delay")
	cmd.Flags().DurationVar(&handlerTimeout, "handler-timeout", flags.env.duration("HANDLER_TIMEOUT", defaultHandlerTimeout), "Upper bound on handling one request")
	return cmd
}

func newEchoHandler(logger *slog.Logger, delay, timeout time.Duration) worker.Handler {
	echo := worker.HandlerFunc(func(ctx context.Context, env *contracts.Envelope) (worker.Result, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return worker.Result{}, ctx.Err()
			}
		}
		return worker.Result{Data: env.Payload}, nil
	})

	return worker.NewChain(
		worker.NewLoggingInterceptor(logger),
		worker.NewTimeoutInterceptor(timeout),
	).Then(echo)
}

func newQueuesCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show depth and consumers of the topic queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			client, _, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			stats, err := client.Transport().QueueStats(ctx, client.Topic())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "QUEUE\tMESSAGES\tCONSUMERS")
			for _, q := range stats {
				fmt.Fprintf(w, "%s\t%d\t%d\n", q.Name, q.Messages, q.Consumers)
			}
			return w.Flush()
		},
	}
}

func newHealthCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check broker and cache connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			client, _, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			report := client.Health().Check(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("relay is %s", report.Status)
			}
			return nil
		},
	}
}

func connect(ctx context.Context, flags *globalFlags) (*relay.Client, *slog.Logger, error) {
	zapLogger, err := newZapLogger(flags.logLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed creating logger: %w", err)
	}
	logger := slog.New(zapslog.NewHandler(zapLogger.Core())).
		With(logattr.ServiceName("mmate-relay"))

	opts := []relay.ClientOption{relay.WithLogger(logger)}
	if flags.breaker {
		opts = append(opts, relay.WithCircuitBreaker())
	}

	client, err := relay.New(ctx, flags.cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	return client, logger, nil
}

func newZapLogger(level string) (*zap.Logger, error) {
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	zapConfig := zap.Config{
		Level:             atomicLevel,
		Development:       false,
		DisableStacktrace: true,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return zapConfig.Build()
}

// envDefaults reads flag defaults from MMATE_RELAY_* variables and keeps
// the parse failures so the command refuses to start on a malformed value
type envDefaults struct {
	errs []error
}

func (e *envDefaults) lookup(name string) (string, bool) {
	return os.LookupEnv(envPrefix + name)
}

func (e *envDefaults) fail(name, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("invalid %s%s=%q: %w", envPrefix, name, v, err))
}

func (e *envDefaults) string(name, def string) string {
	if v, ok := e.lookup(name); ok {
		return v
	}
	return def
}

func (e *envDefaults) int(name string, def int) int {
	v, ok := e.lookup(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, v, err)
		return def
	}
	return n
}

func (e *envDefaults) bool(name string, def bool) bool {
	v, ok := e.lookup(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(name, v, err)
		return def
	}
	return b
}

func (e *envDefaults) duration(name string, def time.Duration) time.Duration {
	v, ok := e.lookup(name)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(name, v, err)
		return def
	}
	return d
}

func (e *envDefaults) err() error {
	return errors.Join(e.errs...)
}
