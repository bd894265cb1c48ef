package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dripsynclabs/dripsync/internal/auth"
	"github.com/dripsynclabs/dripsync/internal/config"
	"github.com/dripsynclabs/dripsync/internal/database"
	"github.com/dripsynclabs/dripsync/internal/ledger"
	"github.com/dripsynclabs/dripsync/internal/logging"
	"github.com/dripsynclabs/dripsync/internal/prefs"
	"github.com/dripsynclabs/dripsync/internal/server"
	"github.com/dripsynclabs/dripsync/internal/sync"
	"github.com/dripsynclabs/dripsync/internal/transport/memory"
	"github.com/dripsynclabs/dripsync/internal/transport/ws"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dripsyncd",
		Short: "Dripsync hydration ledger node",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("node-role", defaults.GetString("node.role"), "Node role (primary or companion)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("time-zone", defaults.GetString("time.zone"), "IANA time zone for calendar-day bucketing")
	cmd.PersistentFlags().String("transport-mode", defaults.GetString("transport.mode"), "Transport mode (memory, ws-listen, ws-dial)")
	cmd.PersistentFlags().String("peer-url", defaults.GetString("transport.peer_url"), "Peer websocket URL for ws-dial mode")
	cmd.PersistentFlags().String("peer-address", defaults.GetString("transport.peer_address"), "Websocket listen address for ws-listen mode")
	cmd.PersistentFlags().String("pairing-secret", "", "Shared pairing secret (overrides env)")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Scheduled reconciliation interval")

	bindFlag(cmd, "node.role", "node-role")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "time.zone", "time-zone")
	bindFlag(cmd, "transport.mode", "transport-mode")
	bindFlag(cmd, "transport.peer_url", "peer-url")
	bindFlag(cmd, "transport.peer_address", "peer-address")
	bindFlag(cmd, "pairing.secret", "pairing-secret")
	bindFlag(cmd, "sync.interval", "sync-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runNode(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.NodeRole)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	location := time.Local
	if appConfig.TimeZone != "" && !strings.EqualFold(appConfig.TimeZone, "Local") {
		location, err = time.LoadLocation(appConfig.TimeZone)
		if err != nil {
			return err
		}
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	ledgerStore, err := ledger.NewStore(ledger.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ledger.NewUUIDProvider(),
		Location:   location,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer ledgerStore.Close()

	prefsStore, err := prefs.NewStore(prefs.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer prefsStore.Close()

	identity := ledger.OriginPrimary
	if strings.EqualFold(appConfig.NodeRole, "companion") {
		identity = ledger.OriginCompanion
	}

	listener, err := sync.NewListener(sync.ListenerConfig{
		Ledger:   ledgerStore,
		Prefs:    prefsStore,
		Identity: identity,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport, peerServer, err := buildTransport(signalCtx, appConfig, listener, logger)
	if err != nil {
		return err
	}

	publisher, err := sync.NewPublisher(sync.PublisherConfig{
		Transport: transport,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	worker, err := sync.NewWorker(sync.WorkerConfig{
		Ledger:    ledgerStore,
		Prefs:     prefsStore,
		Publisher: publisher,
		Interval:  appConfig.SyncInterval,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	go worker.Start(signalCtx)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Ledger:    ledgerStore,
		Prefs:     prefsStore,
		Publisher: publisher,
		Worker:    worker,
		Identity:  identity,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if peerServer != nil {
		go func() {
			logger.Info("peer listener starting", zap.String("address", appConfig.PeerAddress))
			err := peerServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if peerServer != nil {
			peerServer.Shutdown(shutdownCtx) //nolint:errcheck
		}
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildTransport wires the change publisher and listener to the configured
// transport. The in-memory bus serves single-process setups; the websocket
// modes pair two processes, one dialing the other.
func buildTransport(ctx context.Context, appConfig config.AppConfig, listener *sync.Listener, logger *zap.Logger) (sync.Transport, *http.Server, error) {
	switch appConfig.TransportMode {
	case config.TransportMemory:
		bus := memory.NewBus(logger)
		return bus.Attach(listener), nil, nil

	case config.TransportWSListen:
		pairing := auth.NewPairing(auth.PairingConfig{Secret: []byte(appConfig.PairingSecret)})
		link := ws.NewLink(listener, logger)
		peerServer := &http.Server{
			Addr:    appConfig.PeerAddress,
			Handler: ws.NewServer(link, pairing, logger).Handler(),
		}
		return link, peerServer, nil

	case config.TransportWSDial:
		pairing := auth.NewPairing(auth.PairingConfig{Secret: []byte(appConfig.PairingSecret)})
		link := ws.NewLink(listener, logger)
		dialer := ws.NewDialer(link, pairing, appConfig.PeerURL, appConfig.NodeRole, logger)
		go dialer.Run(ctx)
		return link, nil, nil

	default:
		return nil, nil, errors.New("unknown transport mode")
	}
}
