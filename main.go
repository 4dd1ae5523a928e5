package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"hillrider/broker/internal/config"
	grpcstream "hillrider/broker/internal/grpc"
	httpapi "hillrider/broker/internal/http"
	"hillrider/broker/internal/logging"
	"hillrider/broker/internal/replay"
)

const shutdownGrace = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", logging.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// run serves HTTP, WebSocket, and gRPC until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	broker := NewBroker(cfg, logger)

	//1.- Keep the replay directory bounded while rides record into it.
	var cleaner *replay.Cleaner
	if cfg.ReplayDir != "" {
		if err := os.MkdirAll(cfg.ReplayDir, 0o755); err != nil {
			broker.setStartupError(fmt.Errorf("create replay directory: %w", err))
			logger.Error("replay directory unavailable", logging.Error(err), logging.String("directory", cfg.ReplayDir))
		} else {
			cleaner = replay.NewCleaner(cfg.ReplayDir, replay.RetentionPolicy{MaxRides: cfg.ReplayKeep, MaxAge: cfg.ReplayMaxAge},
				logger.With(logging.String("component", "replay_retention")), replay.WithInUse(broker.replayInUse))
			go cleaner.Run(ctx, config.DefaultReplaySweep)
		}
	}

	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           logging.HTTPTraceMiddleware(logger)(newServeMux(broker, cfg, cleaner, logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("ride server listening",
			logging.String("url", listenerURL(cfg.Address, false)),
			logging.String("socket", socketURL(cfg.Address, false)),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	//2.- The ride stream service is optional and guarded by a shared token.
	var grpcServer *grpc.Server
	if cfg.GRPCAddress != "" {
		compressor, err := grpcstream.CompressorByName(cfg.GRPCCompression)
		var listener net.Listener
		if err == nil {
			listener, err = net.Listen("tcp", cfg.GRPCAddress)
		}
		if err != nil {
			broker.setStartupError(fmt.Errorf("grpc stream: %w", err))
			logger.Error("grpc listener unavailable", logging.Error(err), logging.String("address", cfg.GRPCAddress))
		} else {
			grpcServer = grpc.NewServer(grpcstream.TokenInterceptors(cfg.GRPCToken)...)
			grpcstream.RegisterRideStreamServer(grpcServer, grpcstream.NewService(broker,
				grpcstream.WithLogger(logger),
				grpcstream.WithCompressor(compressor),
				grpcstream.WithSnapshotRate(cfg.GRPCSnapshotHz),
			))
			go func() {
				logger.Info("ride stream listening", logging.String("address", normaliseHostPort(cfg.GRPCAddress)), logging.Bool("token_required", cfg.GRPCToken != ""), logging.String("compression", compressor.Name()))
				if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
					errCh <- fmt.Errorf("grpc server: %w", err)
				}
			}()
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errCh:
	}

	//3.- Stop accepting work, then close rides so replays are sealed and
	// watch streams drain before the gRPC server stops.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", logging.Error(err))
	}
	broker.Shutdown()
	if grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
	}
	return runErr
}

// newServeMux registers the rider socket and the operational endpoints.
func newServeMux(broker *Broker, cfg *config.Config, cleaner *replay.Cleaner, logger *logging.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", broker.serveWS)
	opts := httpapi.Options{
		Logger:     logger,
		Readiness:  broker,
		Rides:      broker,
		Counters:   broker.Counters,
		TickStats:  broker.TickStats,
		InputDrops: broker.InputDrops,
		ClockSync:  broker.ClockSync,
		ReplayDir:  cfg.ReplayDir,
		Controls:   controlReference(),
		AdminToken: cfg.AdminToken,
	}
	if cleaner != nil {
		opts.ReplayStats = cleaner.Stats
	}
	httpapi.NewHandlerSet(opts).Register(mux)
	return mux
}
