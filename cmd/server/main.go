package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"cardreader/internal/broadcast"
	broadcastMetrics "cardreader/internal/broadcast/metrics"
	"cardreader/internal/card/pcsc"
	"cardreader/internal/events"
	"cardreader/internal/monitor"
	monitorMetrics "cardreader/internal/monitor/metrics"
	"cardreader/internal/output"
	"cardreader/internal/output/crypto"
	"cardreader/internal/platform/config"
	"cardreader/internal/platform/httpserver"
	"cardreader/internal/platform/logger"
	"cardreader/internal/platform/metrics"
	redisClient "cardreader/internal/platform/redis"
	"cardreader/internal/ratelimit"
	rateLimitMetrics "cardreader/internal/ratelimit/metrics"
	"cardreader/internal/ratelimit/store/bucket"
	"cardreader/internal/sinks"
	sinkMetrics "cardreader/internal/sinks/metrics"
	httptransport "cardreader/internal/transport/http"
	"cardreader/pkg/platform/audit/publisher"
	auditmemory "cardreader/pkg/platform/audit/store/memory"
	auditpostgres "cardreader/pkg/platform/audit/store/postgres"
)

var version = "dev"

type options struct {
	configPath  string
	logLevel    string
	addr        string
	generateKey bool
	issueToken  string
	tokenTTL    time.Duration
	echo        bool
}

func parseFlags() options {
	var o options
	pflag.StringVarP(&o.configPath, "config", "c", "", "path to config.yaml (default $"+config.EnvConfigPath+" or ./config.yaml)")
	pflag.StringVar(&o.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	pflag.StringVar(&o.addr, "addr", "", "override the listen address, host:port")
	pflag.BoolVar(&o.generateKey, "generate-key", false, "print a fresh base64 key for "+config.EnvEncryptionKey+" and exit")
	pflag.StringVar(&o.issueToken, "issue-token", "", "print a subscriber token for the given subject and exit")
	pflag.DurationVar(&o.tokenTTL, "token-ttl", 24*time.Hour, "lifetime of tokens printed by --issue-token")
	pflag.BoolVar(&o.echo, "echo", false, "print every card event payload to stdout")
	pflag.Parse()
	return o
}

// main wires high-level dependencies and owns the process lifecycle.
func main() {
	if err := run(parseFlags()); err != nil {
		fmt.Fprintln(os.Stderr, "cardreader:", err)
		os.Exit(1)
	}
}

func run(o options) error {
	if o.generateKey {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.addr != "" {
		if err := overrideAddr(&cfg, o.addr); err != nil {
			return err
		}
	}

	if o.issueToken != "" {
		token, err := broadcast.IssueToken([]byte(cfg.Security.TokenSecret), o.issueToken, o.tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, o, log)
}

func serve(ctx context.Context, cfg config.Config, o options, log *slog.Logger) error {
	registry := metrics.New(version)
	reg := registry.Registerer()

	// Audit
	var auditStore publisher.Store = auditmemory.NewInMemoryStore()
	if cfg.Audit.PostgresDSN != "" {
		pg, err := auditpostgres.Open(ctx, cfg.Audit.PostgresDSN)
		if err != nil {
			return fmt.Errorf("audit store: %w", err)
		}
		defer pg.Close()
		auditStore = pg
	}
	var auditor *publisher.Publisher
	if cfg.Audit.Enabled {
		auditor = publisher.NewPublisher(auditStore,
			publisher.WithAsyncBuffer(cfg.Audit.Buffer),
			publisher.WithLogger(log.With("component", "audit")),
		)
		defer auditor.Close()
	}

	// Output pipeline
	outputCfg, err := cfg.OutputConfig()
	if err != nil {
		return err
	}
	var encryptor output.Encryptor
	if cfg.Security.EnableEncryption {
		c, err := crypto.NewCipher(cfg.EncryptionKey)
		if err != nil {
			return err
		}
		encryptor = c
		log.Info("field encryption enabled", "fields", cfg.Security.EncryptedFields)
	} else {
		log.Warn("field encryption disabled; card data is sent in plaintext")
	}
	pipeline, err := output.New(outputCfg, encryptor)
	if err != nil {
		return err
	}

	// Shared redis client
	rdb, err := redisClient.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// Subscribers
	broadcaster := broadcast.New(broadcast.Config{
		QueueSize:       cfg.Broadcast.QueueSize,
		WriteTimeout:    cfg.Broadcast.WriteTimeout,
		PingInterval:    cfg.Broadcast.PingInterval,
		ReplayLastState: cfg.Broadcast.ReplayLastState,
	},
		broadcast.WithLogger(log.With("component", "broadcast")),
		broadcast.WithMetrics(broadcastMetrics.New(reg)),
		broadcast.WithAudit(auditor),
	)
	defer broadcaster.Close()

	authenticator, err := broadcast.NewAuthenticator(broadcast.AuthConfig{
		Enabled:     cfg.Security.AuthEnabled,
		APIKeys:     cfg.Security.APIKeys,
		TokenSecret: cfg.Security.TokenSecret,
	}, log)
	if err != nil {
		return err
	}

	handlerOpts := []broadcast.HandlerOption{
		broadcast.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		broadcast.WithHandlerLogger(log.With("component", "subscribe")),
		broadcast.WithHandlerAudit(auditor),
	}
	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiterOpts := []ratelimit.Option{
			ratelimit.WithLogger(log.With("component", "ratelimit")),
			ratelimit.WithMetrics(rateLimitMetrics.New(reg)),
		}
		if cfg.RateLimit.UseRedis && rdb != nil {
			limiterOpts = append(limiterOpts, ratelimit.WithStore(bucket.NewRedisBucketStore(rdb.Client, "cardreader:rl")))
		}
		limiter = ratelimit.New(ratelimit.Config{
			RequestsPerWindow:   cfg.RateLimit.RequestsPerWindow,
			Window:              cfg.RateLimit.Window,
			MaxConnectionsPerIP: cfg.RateLimit.MaxConnectionsPerIP,
		}, limiterOpts...)
		handlerOpts = append(handlerOpts, broadcast.WithLimiter(limiter))
	} else {
		log.Warn("connection rate limiting disabled")
	}
	subscribe := broadcast.NewHandler(broadcaster, authenticator, handlerOpts...)

	// External sinks
	asyncSinks, err := buildSinks(ctx, cfg, rdb, reg, log)
	if err != nil {
		return err
	}
	defer closeSinks(asyncSinks, log)

	publishers := events.Fanout{broadcaster}
	health := make([]httptransport.SinkHealth, 0, len(asyncSinks))
	for _, s := range asyncSinks {
		publishers = append(publishers, s)
		health = append(health, s)
	}
	var echo *events.Channel
	if o.echo {
		echo = events.NewChannel(16)
		publishers = append(publishers, echo)
	}

	// Card monitor
	session, err := cfg.SessionConfig()
	if err != nil {
		return err
	}
	fields, err := cfg.FieldSpecs()
	if err != nil {
		return err
	}
	photo, err := cfg.PhotoSpec()
	if err != nil {
		return err
	}
	mon, err := monitor.New(monitor.Config{
		Session:           session,
		Fields:            fields,
		Photo:             photo,
		StrictDecoding:    cfg.Card.StrictDecoding,
		ConnectAttempts:   cfg.Card.RetryAttempts,
		ConnectRetryDelay: cfg.Card.RetryDelay,
		SettleDelay:       cfg.Card.SettleDelay,
		PollTimeout:       cfg.Card.PollTimeout,
		ReconnectBackoff:  cfg.Card.ReconnectBackoff,
	}, pcsc.Factory(log.With("component", "pcsc")), pipeline, publishers,
		monitor.WithLogger(log.With("component", "monitor")),
		monitor.WithMetrics(monitorMetrics.New(reg)),
		monitor.WithAudit(auditor),
	)
	if err != nil {
		return err
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Subscribe:   subscribe,
		Readers:     mon,
		Subscribers: broadcaster,
		Sinks:       health,
		Metrics:     registry.Handler(),
		Logger:      log.With("component", "http"),
	})
	srv := httpserver.New(cfg.Server.Addr(), router)

	log.Info("starting cardreader",
		"version", version,
		"addr", cfg.Server.Addr(),
		"url", cfg.Server.WebSocketURL(),
		"auth", authenticator.Enabled(),
		"output_format", cfg.Output.Format,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mon.Run(gctx)
	})
	g.Go(func() error {
		return httpserver.Serve(gctx, srv, cfg.Server.TLSCert, cfg.Server.TLSKey, 10*time.Second, log)
	})
	if limiter != nil {
		g.Go(func() error {
			sweep(gctx, limiter, time.Minute)
			return nil
		})
	}
	if echo != nil {
		g.Go(func() error {
			printEvents(gctx, echo)
			return nil
		})
	}

	err = g.Wait()
	if echo != nil {
		echo.Close()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("shutting down after failure", "error", err)
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// buildSinks connects every configured external sink and wraps each in an
// Async queue.
func buildSinks(ctx context.Context, cfg config.Config, rdb *redisClient.Client, reg prometheus.Registerer, log *slog.Logger) ([]*sinks.Async, error) {
	var raw []sinks.Sink

	if c := cfg.Sinks.MQTT; c != nil {
		m, err := sinks.NewMQTT(*c, log.With("component", "mqtt"))
		if err != nil {
			return nil, err
		}
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = m.Connect(connectCtx)
		cancel()
		if err != nil {
			log.Warn("mqtt broker not reachable yet, retrying in background", "error", err)
		}
		raw = append(raw, m)
	}
	if c := cfg.Sinks.Redis; c != nil {
		if rdb == nil {
			return nil, errors.New("sinks.redis requires redis.url")
		}
		raw = append(raw, sinks.NewRedis(rdb.Client, *c))
	}
	if c := cfg.Sinks.Kafka; c != nil {
		k, err := sinks.NewKafka(*c)
		if err != nil {
			return nil, err
		}
		raw = append(raw, k)
	}

	m := sinkMetrics.New(reg)
	out := make([]*sinks.Async, 0, len(raw))
	for _, s := range raw {
		out = append(out, sinks.NewAsync(s,
			sinks.WithQueueSize(cfg.Sinks.QueueSize),
			sinks.WithBreaker(cfg.Sinks.FailureThreshold, cfg.Sinks.Cooldown),
			sinks.WithLogger(log.With("component", "sink", "sink", s.Name())),
			sinks.WithMetrics(m),
		))
		log.Info("sink enabled", "sink", s.Name())
	}
	return out, nil
}

func closeSinks(list []*sinks.Async, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range list {
		if err := s.Close(ctx); err != nil {
			log.Warn("close sink", "sink", s.Name(), "error", err)
		}
	}
}

func sweep(ctx context.Context, l *ratelimit.Limiter, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func printEvents(ctx context.Context, ch *events.Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch.C():
			if !ok {
				return
			}
			payload, err := ev.Payload()
			if err != nil {
				continue
			}
			fmt.Println(string(payload))
		}
	}
}

func overrideAddr(cfg *config.Config, addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("--addr: %w", err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("--addr: invalid port %q", port)
	}
	cfg.Server.Host, cfg.Server.Port = host, p
	return nil
}
