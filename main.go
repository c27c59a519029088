package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"lanwarp/config"
	"lanwarp/crypto"
	"lanwarp/discovery"
	"lanwarp/models"
	"lanwarp/network"
	"lanwarp/storage"
)

type runOptions struct {
	dataDir       string
	logLevel      string
	groupCode     string
	port          int
	authPort      int
	autoConnect   bool
	verifyClients bool
	metricsAddr   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &runOptions{}
	root := &cobra.Command{
		Use:          "lanwarp",
		Short:        "LAN peer-to-peer file transfer engine",
		Long:         `lanwarp discovers peers on the local network, authenticates them with group-boxed certificates and keeps authenticated transfer channels open.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.dataDir, "data-dir", "", "data directory (default: OS config dir, or $LANWARP_DATA_DIR)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	root.Flags().StringVar(&opts.groupCode, "group-code", "", "group code shared by trusted hosts")
	root.Flags().IntVar(&opts.port, "port", 0, "transfer service port")
	root.Flags().IntVar(&opts.authPort, "auth-port", 0, "certificate bootstrap port")
	root.Flags().BoolVar(&opts.autoConnect, "auto-connect", true, "connect to peers as they are discovered")
	root.Flags().BoolVar(&opts.verifyClients, "verify-clients", false, "only serve clients whose certificate is pinned")
	root.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	root.AddCommand(newIdentityCommand(opts))
	return root
}

func newIdentityCommand(opts *runOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "print the local device identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig(opts)
			if err != nil {
				return err
			}
			identity, err := crypto.EnsureIdentity(cfg.CertificatePath, cfg.PrivateKeyPath, cfg.DeviceID)
			if err != nil {
				return fmt.Errorf("prepare identity: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device ID:       %s\n", cfg.DeviceID)
			fmt.Fprintf(out, "Device Name:     %s\n", cfg.DeviceName)
			fmt.Fprintf(out, "Ports:           %d (auth %d)\n", cfg.Port, cfg.AuthPort)
			fmt.Fprintf(out, "Fingerprint:     %s\n", crypto.FormatFingerprint(identity.Fingerprint()))
			fmt.Fprintf(out, "Config File:     %s\n", cfgPath)
			return nil
		},
	}
}

func loadConfig(opts *runOptions) (*config.DeviceConfig, string, error) {
	var (
		cfg     *config.DeviceConfig
		cfgPath string
		err     error
	)
	if opts.dataDir != "" {
		cfg, cfgPath, err = config.LoadOrCreateAt(opts.dataDir)
	} else {
		cfg, cfgPath, err = config.LoadOrCreate()
	}
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}

	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.groupCode != "" {
		cfg.GroupCode = opts.groupCode
	}
	if opts.port > 0 {
		cfg.Port = opts.port
	}
	if opts.authPort > 0 {
		cfg.AuthPort = opts.authPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, cfgPath, nil
}

func newLogger(level string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	logger.SetLevel(parsed)
	return logger, nil
}

func run(ctx context.Context, opts *runOptions) error {
	cfg, cfgPath, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	dataDir := filepath.Dir(cfgPath)

	identity, err := crypto.EnsureIdentity(cfg.CertificatePath, cfg.PrivateKeyPath, cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("prepare identity: %w", err)
	}
	boxed, err := crypto.SealCertificate(cfg.GroupCode, identity.CertificatePEM)
	if err != nil {
		return fmt.Errorf("box certificate: %w", err)
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnf("database close error: %v", err)
		}
	}()

	logger.WithFields(logrus.Fields{
		"uuid":        cfg.DeviceID,
		"name":        cfg.DeviceName,
		"port":        cfg.Port,
		"auth_port":   cfg.AuthPort,
		"fingerprint": crypto.FormatFingerprint(identity.Fingerprint()),
		"config":      cfgPath,
		"database":    dbPath,
	}).Info("starting")

	metrics := network.NewMetrics(network.DefaultMetricsNamespace)
	if opts.metricsAddr != "" {
		stopMetrics := serveMetrics(opts.metricsAddr, logger)
		defer stopMetrics()
	}

	manager, err := network.NewManager(network.ManagerOptions{
		Remote: network.RemoteOptions{
			Local: network.LocalInfo{
				UUID:        cfg.DeviceID,
				DisplayName: cfg.DeviceName,
				UserName:    cfg.UserName,
				GroupCode:   cfg.GroupCode,
				Identity:    identity,
			},
			Store:    store,
			Observer: loggingObserver(logger),
			Logger:   logger,
			Metrics:  metrics,
		},
		MaxWorkers:  cfg.MaxWorkers,
		AutoConnect: opts.autoConnect,
	})
	if err != nil {
		return fmt.Errorf("create remote manager: %w", err)
	}
	defer manager.Close()

	avatar, err := readAvatar(cfg.AvatarPath)
	if err != nil {
		logger.Warnf("avatar unavailable: %v", err)
	}

	serverOptions := network.ServerOptions{
		Identity: identity,
		Service: network.NewLocalService(network.LocalServiceOptions{
			DisplayName: cfg.DeviceName,
			UserName:    cfg.UserName,
			Avatar:      avatar,
			Remotes:     manager,
			Logger:      logger,
		}),
		Logger: logger,
	}
	if opts.verifyClients {
		serverOptions.VerifyClient = store.HasFingerprint
	}
	server, err := network.Listen(net.JoinHostPort("", strconv.Itoa(cfg.Port)), serverOptions)
	if err != nil {
		return fmt.Errorf("start transfer service: %w", err)
	}
	defer server.Close()

	certServer, err := network.ListenCertServer(net.JoinHostPort("", strconv.Itoa(cfg.AuthPort)), boxed, logger)
	if err != nil {
		return fmt.Errorf("start certificate server: %w", err)
	}
	defer certServer.Close()

	discoveryService, err := discovery.Start(discovery.Config{
		SelfUUID: cfg.DeviceID,
		Hostname: cfg.DeviceName,
		Port:     cfg.Port,
		AuthPort: cfg.AuthPort,
	})
	if err != nil {
		logger.Warnf("discovery startup failed: %v", err)
	} else {
		defer discoveryService.Stop()
		go feedDiscovery(discoveryService.Scanner.Events(), manager, logger)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("running (press Ctrl+C to stop)")
	select {
	case <-ctx.Done():
	case err := <-server.Errors():
		return fmt.Errorf("transfer service: %w", err)
	}
	logger.Info("shutting down")
	return nil
}

func feedDiscovery(events <-chan discovery.Event, manager *network.Manager, logger logrus.FieldLogger) {
	for event := range events {
		peer := event.Peer
		entry := logger.WithField("uuid", peer.ServiceName)
		switch event.Type {
		case discovery.EventPeerUpserted:
			address := peer.Address()
			if address == nil {
				entry.Debug("discovery: peer has no usable address")
				continue
			}
			if _, err := manager.Upsert(network.RemoteSeed{
				ServiceName: peer.ServiceName,
				Hostname:    peer.Hostname,
				Address:     address,
				Port:        peer.Port,
				AuthPort:    peer.AuthPort,
				APIVersion:  peer.APIVersion,
			}); err != nil {
				entry.Warnf("discovery: track peer: %v", err)
			}
		case discovery.EventPeerRemoved:
			if err := manager.Remove(peer.ServiceName); err != nil && !errors.Is(err, network.ErrRemoteNotFound) {
				entry.Warnf("discovery: forget peer: %v", err)
			}
		}
	}
}

func loggingObserver(logger logrus.FieldLogger) network.Observer {
	return network.ObserverFuncs{
		OnRemoteChanged: func(info models.RemoteInfo) {
			entry := logger.WithFields(logrus.Fields{
				"uuid":   info.UUID,
				"remote": info.DisplayName,
				"status": info.Status,
			})
			if info.LastError != "" {
				entry = entry.WithField("error", info.LastError)
			}
			entry.Info("remote changed")
		},
		OnTransferChanged: func(remoteUUID string, transfer network.Transfer) {
			logger.WithFields(logrus.Fields{
				"uuid":     remoteUUID,
				"transfer": transfer.StartTime(),
				"status":   transfer.Status(),
			}).Info("transfer changed")
		},
	}
}

func readAvatar(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	avatar, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read avatar: %w", err)
	}
	return avatar, nil
}

func serveMetrics(address string, logger logrus.FieldLogger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnf("metrics server: %v", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
