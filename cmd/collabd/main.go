package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"cardsort/collab/internal/config"
	"cardsort/collab/internal/gateway"
	"cardsort/collab/internal/message"
	"cardsort/collab/internal/roster"
	"cardsort/collab/internal/transport"
)

const releaseVersion = "0.1.0"

func main() {
	log.SetFlags(0)
	cobra.CheckErr(newCmd().Execute())
}

func newCmd() *cobra.Command {
	cfg := config.Load()

	v := viper.New()
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "collabd",
		Short:         "Real-time presence and reveal engine for collaborative card sorting.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&cfg.Addr, "addr", "a", cfg.Addr, "address to listen on (env: COLLAB_ADDR)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "roster database URL (env: DATABASE_URL)")
	fs.StringVar(&cfg.BrokerURL, "broker-url", cfg.BrokerURL, "pub/sub broker URL (env: BROKER_URL)")
	fs.StringVar(&cfg.MigrationsDir, "migrations-dir", cfg.MigrationsDir, "roster migrations directory (env: COLLAB_MIGRATIONS_DIR)")
	fs.StringVar(&cfg.CORSOrigin, "cors-origin", cfg.CORSOrigin, "allowed CORS origin (env: COLLAB_CORS_ORIGIN)")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "broker connect timeout (env: COLLAB_CONNECT_TIMEOUT_MS)")
	fs.DurationVar(&cfg.ReconnectTokenTTL, "reconnect-ttl", cfg.ReconnectTokenTTL, "reconnection token lifetime (env: COLLAB_RECONNECT_TTL_SECONDS)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	return cmd
}

// channelNotifier publishes roster-change events on each session's channel so
// connected clients refetch instead of polling.
type channelNotifier struct {
	conn *transport.Connection
}

func (n *channelNotifier) RosterChanged(ctx context.Context, sessionCode string) error {
	env, err := message.New(message.KindRosterChanged, message.RosterChanged{SessionCode: sessionCode})
	if err != nil {
		return err
	}
	return n.conn.Channel(sessionCode, transport.KindSession).Publish(ctx, env)
}

func run(ctx context.Context, cfg config.Config) error {
	db, err := roster.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := roster.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	conn, err := transport.New(cfg.BrokerURL, transport.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		PingInterval:   cfg.PingInterval,
		SuspendAfter:   cfg.SuspendAfter,
		HistoryLimit:   cfg.HistoryLimit,
	})
	if err != nil {
		return fmt.Errorf("broker client failed: %w", err)
	}
	defer conn.Destroy()

	if err := transport.Retry(ctx, func() error { return conn.Connect(ctx) }); err != nil {
		return fmt.Errorf("broker connection failed: %w", err)
	}
	conn.OnStateChange(func(state transport.State) {
		log.Printf("broker connection is %s", state)
	})

	store := roster.NewStore(db, &channelNotifier{conn: conn})

	tokens, err := roster.NewTokenStore(cfg.BrokerURL, cfg.ReconnectTokenTTL)
	if err != nil {
		return fmt.Errorf("token store failed: %w", err)
	}
	defer tokens.Close()

	server := gateway.NewHTTPServer(cfg.Addr, gateway.NewServer(store, tokens, conn, cfg.CORSOrigin).Handler())

	go func() {
		log.Printf("collabd listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	return nil
}
