package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tosinamuda/graspy-natlas/internal/access"
	"github.com/tosinamuda/graspy-natlas/internal/chat"
	"github.com/tosinamuda/graspy-natlas/internal/config"
	"github.com/tosinamuda/graspy-natlas/internal/jetstream"
	"github.com/tosinamuda/graspy-natlas/internal/locale"
	"github.com/tosinamuda/graspy-natlas/internal/processor"
	"github.com/tosinamuda/graspy-natlas/internal/proxy"
	"github.com/tosinamuda/graspy-natlas/internal/storage"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("port") {
				cfg.Port = port
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			return serve(cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8090, "listen port (overrides PORT)")
	return cmd
}

func serve(cfg *config.Config) error {
	ctx := context.Background()
	pool, err := storage.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := storage.RunMigrations(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	natsServer, err := jetstream.Start(jetstream.Options{
		StoreDir: cfg.NATSStoreDir,
		MaxStore: cfg.NATSMaxStoreMB << 20,
	})
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	defer natsServer.Shutdown()

	nc, err := natsServer.Connect()
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("jetstream context: %w", err)
	}
	if err := jetstream.EnsureStream(js); err != nil {
		return fmt.Errorf("create jetstream stream: %w", err)
	}

	writer := storage.NewBatchWriter(pool, cfg.WriterBufferSize, cfg.WriterBatchSize, cfg.WriterFlushInterval())
	defer writer.Shutdown()

	var pub proxy.Publisher
	if cfg.RecordStreams {
		pub = js
	}
	proxyHandler, err := proxy.NewHandler(cfg, writer, pub, log.Logger.With().Str("component", "proxy").Logger())
	if err != nil {
		return err
	}

	proc := processor.New(writer, log.Logger.With().Str("component", "recorder").Logger())

	consumerCtx, consumerCancel := context.WithCancel(ctx)
	defer consumerCancel()
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := proc.StartConsumer(consumerCtx, js); err != nil {
			log.Error().Err(err).Msg("stream recorder stopped")
		}
	}()

	client := newStudyClient(cfg.StudyAPIURL, cfg.StudyAPIToken)

	gate := access.NewGate(client, []byte(cfg.AccessCookieSecret), cfg.SecureCookies, log.Logger.With().Str("component", "access").Logger())
	chats := chat.NewStore(client)

	handler := newRouter(proxyHandler, gate, chats, natsServer.Ready)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go sweepChats(sweepCtx, chats, cfg.ChatIdleTimeout())

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Int("port", cfg.Port).
			Str("upstream", cfg.StudyAPIURL).
			Bool("record_streams", cfg.RecordStreams).
			Msg("graspy gateway started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-done:
	case err := <-serveErr:
		log.Error().Err(err).Msg("server error")
	}
	log.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}
	consumerCancel()
	<-consumerDone
	sweepCancel()
	writer.Shutdown()
	log.Info().
		Int("dropped_jobs", writer.Dropped()).
		Int("failed_jobs", writer.Failed()).
		Msg("shutdown complete")
	return nil
}

// newRouter assembles the gateway: the proxy under /api/, the access
// endpoints, the gated chat endpoints and a health check.
func newRouter(api http.Handler, gate *access.Gate, chats *chat.Store, ready func() error) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/", api)
	gate.Routes(mux)
	chat.NewHandler(chats, log.Logger.With().Str("component", "chat").Logger()).Routes(mux, gate.Require)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return locale.Middleware(access.ForwardToken(mux))
}

func sweepChats(ctx context.Context, chats *chat.Store, maxIdle time.Duration) {
	if maxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := chats.Sweep(now, maxIdle); n > 0 {
				log.Debug().Int("removed", n).Int("open", chats.Len()).Msg("swept idle conversations")
			}
		}
	}
}
