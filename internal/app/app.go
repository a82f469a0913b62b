// Package app wires the teller runtime: storage, dispatch, the saga router,
// the Redis bus bridge, and the gRPC health endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ferrobank/teller/internal/bus"
	"github.com/ferrobank/teller/internal/dispatch"
	"github.com/ferrobank/teller/internal/domain/command"
	apperrors "github.com/ferrobank/teller/internal/platform/errors"
	"github.com/ferrobank/teller/internal/platform/otel"
	"github.com/ferrobank/teller/internal/process"
	"github.com/ferrobank/teller/internal/storage/sqlite"
)

// commandHandler feeds inbound commands from the bridge into the dispatch
// pipeline. Transient failures leave the entry pending for redelivery;
// permanent rejections are acked so they cannot wedge the partition.
func commandHandler(d *dispatch.Dispatcher, log zerolog.Logger) bus.CommandHandler {
	return func(ctx context.Context, cmd command.Command) error {
		_, err := d.Handle(ctx, cmd)
		if err == nil {
			return nil
		}
		if apperrors.CodeOf(err).Retryable() {
			return err
		}
		log.Warn().
			Str("command_id", cmd.CommandID).
			Str("command_type", string(cmd.Type)).
			Err(err).
			Msg("command rejected")
		return nil
	}
}

// Service hosts the teller runtime and its lifecycle.
type Service struct {
	cfg    Config
	log    zerolog.Logger
	store  *sqlite.Store
	rdb    *redis.Client
	bridge *bus.Bridge

	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server

	otelShutdown func(context.Context) error
}

// New creates a configured Service.
func New(ctx context.Context, cfg Config) (*Service, error) {
	log := newLogger(cfg.LogLevel)

	onErr := func(err error) (*Service, error) { return nil, err }

	otelShutdown, err := otel.Setup(ctx, "teller")
	if err != nil {
		return onErr(fmt.Errorf("setup tracing: %w", err))
	}

	commands, events, err := BuildRegistries()
	if err != nil {
		return onErr(err)
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return onErr(fmt.Errorf("create storage dir: %w", err))
		}
	}
	store, err := sqlite.Open(cfg.DBPath, events)
	if err != nil {
		return onErr(fmt.Errorf("open sqlite store: %w", err))
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = store.Close()
		return onErr(fmt.Errorf("ping redis at %s: %w", cfg.RedisAddr, err))
	}

	resolver := bus.NewTopicResolver(cfg.topics(), "")
	publisher, err := bus.NewPublisher(rdb, resolver, cfg.Partitions, log)
	if err != nil {
		_ = store.Close()
		return onErr(err)
	}

	dispatcher, err := dispatch.New(dispatch.Options{
		Commands:  commands,
		Events:    store,
		Handled:   store,
		Publisher: publisher,
		Logger:    log,
	})
	if err != nil {
		_ = store.Close()
		return onErr(err)
	}

	router, err := process.NewRouter(dispatcher, log)
	if err != nil {
		_ = store.Close()
		return onErr(err)
	}

	bridge, err := bus.NewBridge(rdb, bus.BridgeConfig{
		Group:             cfg.Group,
		ConsumerID:        cfg.ConsumerID,
		Topics:            resolver.Topics(),
		CommandTopic:      cfg.CommandTopic,
		Partitions:        cfg.Partitions,
		ExpectedConsumers: cfg.ExpectedConsumers,
	}, bus.Handlers{
		Events:   router.Route,
		Commands: commandHandler(dispatcher, log),
	}, log)
	if err != nil {
		_ = store.Close()
		return onErr(err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		_ = store.Close()
		return onErr(fmt.Errorf("listen on port %d: %w", cfg.Port, err))
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	// Not serving until the consumer group is ready.
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	return &Service{
		cfg:          cfg,
		log:          log,
		store:        store,
		rdb:          rdb,
		bridge:       bridge,
		listener:     listener,
		grpcServer:   grpcServer,
		health:       healthServer,
		otelShutdown: otelShutdown,
	}, nil
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(parsed).With().Timestamp().Str("service", "teller").Logger()
}

// Run serves until the context is canceled. Startup blocks health behind
// the bus readiness gate; shutdown stops the bridge consumers before the
// gRPC server so in-flight deliveries finish against live storage.
func (s *Service) Run(ctx context.Context) error {
	defer s.Close()

	bridgeCtx, stopBridge := context.WithCancel(ctx)
	defer stopBridge()

	g, gctx := errgroup.WithContext(bridgeCtx)
	g.Go(func() error { return s.bridge.Run(gctx) })
	g.Go(func() error {
		if err := s.bridge.WaitReady(gctx, s.cfg.ReadyTimeout); err != nil {
			return err
		}
		s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		return nil
	})

	s.log.Info().
		Str("addr", s.listener.Addr().String()).
		Str("consumer_id", s.cfg.ConsumerID).
		Int("partitions", s.cfg.Partitions).
		Msg("teller listening")

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.grpcServer.Serve(s.listener) }()

	bridgeErr := make(chan error, 1)
	go func() { bridgeErr <- g.Wait() }()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		stopBridge()
		<-bridgeErr
		s.grpcServer.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-bridgeErr:
		// A readiness timeout or a dead heartbeat is fatal.
		s.grpcServer.Stop()
		<-serveErr
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("run bus bridge: %w", err)
	case err := <-serveErr:
		stopBridge()
		<-bridgeErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

// Close releases service resources.
func (s *Service) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close redis client")
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close sqlite store")
		}
	}
	if s.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.otelShutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("shutdown tracing")
		}
	}
}

// Run loads configuration, builds the service, and serves until the context
// is canceled.
func Run(ctx context.Context) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	service, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	return service.Run(ctx)
}
