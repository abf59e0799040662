package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/tether/adapter"
	"github.com/pithecene-io/tether/adapter/redis"
	"github.com/pithecene-io/tether/adapter/webhook"
	"github.com/pithecene-io/tether/cli/config"
	"github.com/pithecene-io/tether/cli/render"
	"github.com/pithecene-io/tether/dispatch"
	"github.com/pithecene-io/tether/log"
	"github.com/pithecene-io/tether/metrics"
	"github.com/pithecene-io/tether/server"
	"github.com/pithecene-io/tether/transcript"
	"github.com/pithecene-io/tether/types"
)

// Exit codes of tether serve.
const (
	exitStartFailed = 1
	exitConfigError = 2
)

// shutdownTimeout bounds the orderly part of shutdown (stopping clients,
// draining notifications).
const shutdownTimeout = 15 * time.Second

// ServeCommand returns the serve command.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Listen for clients, optionally launching them",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to tether.yaml (flags override its values)",
			},
			&cli.StringFlag{
				Name:  "bind",
				Usage: "Bind mode (localhost, loopback, all, allv4, allv6) or literal IP",
				Value: server.BindLocalhost,
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on (0 picks one)",
			},
			&cli.BoolFlag{
				Name:  "multiplex",
				Usage: "Key connections by session id",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
				Value: "info",
			},
			// Client flags
			&cli.StringFlag{
				Name:  "client-exe",
				Usage: "Interpreter or executable for launched clients",
			},
			&cli.StringFlag{
				Name:  "client-script",
				Usage: "Client script passed to --client-exe",
			},
			&cli.StringSliceFlag{
				Name:  "client-arg",
				Usage: "Extra argument for launched clients (repeatable)",
			},
			&cli.IntFlag{
				Name:  "clients",
				Usage: "Number of clients to launch (multiplexed servers only launch more than one)",
				Value: 1,
			},
			// Transcript flags
			&cli.StringFlag{
				Name:  "transcript-backend",
				Usage: "Record commands: file, fs or s3",
			},
			&cli.StringFlag{
				Name:  "transcript-path",
				Usage: "Transcript location (file path, fs root or bucket/prefix)",
			},
			&cli.StringFlag{
				Name:  "transcript-dataset",
				Usage: "Lode dataset id for fs and s3 transcripts",
			},
			// Adapter flags
			&cli.StringFlag{
				Name:  "adapter",
				Usage: "Session event adapter: webhook or redis",
			},
			&cli.StringFlag{
				Name:  "adapter-url",
				Usage: "Adapter endpoint URL",
			},
			&cli.StringFlag{
				Name:  "adapter-channel",
				Usage: "Redis channel for session events",
			},
			FormatFlag,
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadServeConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New(log.Options{Component: "server", Level: cfg.LogLevel})
	transport := "single"
	if cfg.Multiplex {
		transport = "multiplexed"
	}
	m := metrics.NewCollector("server", transport)

	recorder, err := buildRecorder(ctx, cfg.Transcript)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open transcript: %v", err), exitConfigError)
	}
	notifier, err := buildNotifier(cfg.Adapter, cfg.LogLevel)
	if err != nil {
		closeRecorder(recorder, logger)
		return cli.Exit(fmt.Sprintf("failed to create adapter: %v", err), exitConfigError)
	}

	srv := server.New(serverConfig(cfg, newServeRouter(os.Stdout, logger), logger, m, notifier, recorder))
	if err := srv.Listen(cfg.Bind, cfg.Port); err != nil {
		shutdown(srv, notifier, recorder, logger)
		return cli.Exit(err.Error(), exitStartFailed)
	}
	fmt.Fprintf(os.Stderr, "tether %s listening on %s\n", types.Version, srv.Addr())

	if err := launchClients(ctx, srv, cfg.Clients, logger); err != nil {
		shutdown(srv, notifier, recorder, logger)
		return cli.Exit(err.Error(), exitStartFailed)
	}

	<-ctx.Done()
	logger.Info("shutting down", nil)
	shutdown(srv, notifier, recorder, logger)

	return r.Render(m.Snapshot())
}

// loadServeConfig merges tether.yaml (when given) with explicitly set flags.
func loadServeConfig(c *cli.Context) (*config.Config, error) {
	cfg := &config.Config{}
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	setString := func(dst *string, flag string) {
		if c.IsSet(flag) || *dst == "" {
			*dst = c.String(flag)
		}
	}
	setString(&cfg.Bind, "bind")
	setString(&cfg.LogLevel, "log-level")
	setString(&cfg.Clients.Exe, "client-exe")
	setString(&cfg.Clients.Script, "client-script")
	setString(&cfg.Transcript.Backend, "transcript-backend")
	setString(&cfg.Transcript.Path, "transcript-path")
	setString(&cfg.Transcript.Dataset, "transcript-dataset")
	setString(&cfg.Adapter.Type, "adapter")
	setString(&cfg.Adapter.URL, "adapter-url")
	setString(&cfg.Adapter.Channel, "adapter-channel")

	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("multiplex") {
		cfg.Multiplex = c.Bool("multiplex")
	}
	if c.IsSet("client-arg") {
		cfg.Clients.Args = c.StringSlice("client-arg")
	}
	if c.IsSet("clients") || cfg.Clients.Count == 0 {
		cfg.Clients.Count = c.Int("clients")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clients.Count > 1 && !cfg.Multiplex {
		return nil, errors.New("launching more than one client requires --multiplex")
	}
	return cfg, nil
}

func serverConfig(cfg *config.Config, h dispatch.Handler, logger *log.Logger, m *metrics.Collector, n *adapter.Notifier, rec transcript.Recorder) server.Config {
	return server.Config{
		Multiplex:           cfg.Multiplex,
		HandshakeTimeout:    cfg.Server.HandshakeTimeout.Duration,
		FrameReadTimeout:    cfg.Server.FrameReadTimeout.Duration,
		ProcessStartTimeout: cfg.Server.ProcessStartTimeout.Duration,
		ConnectTimeout:      cfg.Server.ConnectTimeout.Duration,
		CrashGrace:          cfg.Server.CrashGrace.Duration,
		StopTimeout:         cfg.Server.StopTimeout.Duration,
		MaxPayloadSize:      cfg.Server.MaxPayloadSize,
		Handler:             h,
		Logger:              logger,
		Metrics:             m,
		Notifier:            n,
		Recorder:            rec,
		ClientOutput:        os.Stderr,
	}
}

// newServeRouter prints tunnelled client output to out and logs every
// other command.
func newServeRouter(out io.Writer, logger *log.Logger) *dispatch.Router {
	var mu sync.Mutex
	router := dispatch.NewRouter()
	router.Handle(types.MethodClientOutput, func(_ context.Context, sessionID string, cmd *types.Command) error {
		text, _ := cmd.Params["text"].(string)
		mu.Lock()
		defer mu.Unlock()
		if sessionID != "" {
			_, err := fmt.Fprintf(out, "[%s] %s", sessionID, text)
			return err
		}
		_, err := io.WriteString(out, text)
		return err
	})
	router.HandleFallback(func(_ context.Context, sessionID string, cmd *types.Command) error {
		logger.Info("command received", map[string]any{
			"session_id": sessionID,
			"method":     cmd.Method,
			"params":     cmd.Params,
		})
		return nil
	})
	return router
}

func buildRecorder(ctx context.Context, tc config.TranscriptConfig) (transcript.Recorder, error) {
	switch tc.Backend {
	case "":
		return nil, nil
	case "file":
		rec, err := transcript.OpenFile(tc.Path)
		if err != nil {
			return nil, err
		}
		return rec, nil
	case "fs":
		rec, err := transcript.NewFSLodeRecorder(tc.Dataset, tc.Path, tc.FlushEvery)
		if err != nil {
			return nil, err
		}
		return rec, nil
	case "s3":
		bucket, prefix := transcript.ParseS3Path(tc.Path)
		rec, err := transcript.NewS3LodeRecorder(ctx, tc.Dataset, transcript.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       tc.Region,
			Endpoint:     tc.Endpoint,
			UsePathStyle: tc.S3PathStyle,
		}, tc.FlushEvery)
		if err != nil {
			return nil, err
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("unknown transcript backend %q", tc.Backend)
	}
}

func buildNotifier(ac config.AdapterConfig, level string) (*adapter.Notifier, error) {
	var (
		a   adapter.Adapter
		err error
	)
	switch ac.Type {
	case "":
		return nil, nil
	case "webhook":
		a, err = webhook.New(webhook.Config{
			URL:     ac.URL,
			Headers: ac.Headers,
			Timeout: ac.Timeout.Duration,
			Retries: retriesOr(ac.Retries, webhook.DefaultRetries),
			Events:  ac.Events,
		})
	case "redis":
		a, err = redis.New(redis.Config{
			URL:        ac.URL,
			Channel:    ac.Channel,
			PerSession: ac.PerSession,
			StateTTL:   ac.StateTTL.Duration,
			Timeout:    ac.Timeout.Duration,
			Retries:    retriesOr(ac.Retries, redis.DefaultRetries),
			Events:     ac.Events,
		})
	default:
		return nil, fmt.Errorf("unknown adapter %q", ac.Type)
	}
	if err != nil {
		return nil, err
	}
	logger := log.New(log.Options{Component: "adapter", Level: level})
	return adapter.NewNotifier(a, logger, 0), nil
}

func retriesOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// launchClients starts the configured clients. Nothing is launched without
// a script or executable.
func launchClients(ctx context.Context, srv *server.Server, cc config.ClientsConfig, logger *log.Logger) error {
	if cc.Exe == "" && cc.Script == "" {
		return nil
	}
	var errs []error
	for i := range cc.Count {
		res, err := srv.StartClient(ctx, cc.Exe, cc.Script, cc.Args, "", cc.Env)
		if err != nil {
			errs = append(errs, fmt.Errorf("client %d: %w", i+1, err))
			continue
		}
		logger.Info("client launched", map[string]any{
			"session_id": res.SessionID,
			"pid":        res.PID,
		})
	}
	if len(errs) == cc.Count {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		logger.Warn("client failed to start", map[string]any{"error": err.Error()})
	}
	return nil
}

func shutdown(srv *server.Server, n *adapter.Notifier, rec transcript.Recorder, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.StopAllClients(ctx); err != nil {
		logger.Warn("failed to stop clients", map[string]any{"error": err.Error()})
	}
	_ = srv.Close()
	if err := n.Close(ctx); err != nil {
		logger.Warn("failed to close adapter", map[string]any{"error": err.Error()})
	}
	closeRecorder(rec, logger)
}

func closeRecorder(rec transcript.Recorder, logger *log.Logger) {
	if rec == nil {
		return
	}
	if err := rec.Close(); err != nil {
		logger.Warn("failed to close transcript", map[string]any{"error": err.Error()})
	}
}
