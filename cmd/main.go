package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	firebase "firebase.google.com/go/v4"
	"cloud.google.com/go/firestore"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"zk-attendance-bridge/internal/api"
	"zk-attendance-bridge/internal/clock"
	"zk-attendance-bridge/internal/cloudfeed"
	"zk-attendance-bridge/internal/cloudstore"
	"zk-attendance-bridge/internal/config"
	"zk-attendance-bridge/internal/device"
	"zk-attendance-bridge/internal/device/mock"
	"zk-attendance-bridge/internal/device/zkteco"
	"zk-attendance-bridge/internal/discovery"
	"zk-attendance-bridge/internal/durability"
	"zk-attendance-bridge/internal/enrollment"
	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/pipeline"
	"zk-attendance-bridge/internal/session"
	"zk-attendance-bridge/internal/syncworker"
	"zk-attendance-bridge/internal/usercache"
)

const shutdownGrace = 15 * time.Second

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "zk-attendance-bridge",
	Short: "ZKTeco-family fingerprint terminal bridge",
	Long: `A local agent that discovers ZKTeco-family biometric terminals on
the LAN, maintains a resilient connection to one, and forwards
attendance punches to a cloud document store while mirroring device
enrollment with a cloud-authored registration feed.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		errCh := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.NewEntry(logrus.StandardLogger()).WithField("component", "main").
						WithField("panic", fmt.Sprintf("%v", r)).Error("recovered from panic")
					errCh <- fmt.Errorf("panic in run: %v", r)
				}
			}()
			errCh <- run(ctx)
		}()

		select {
		case sig := <-sigCh:
			fmt.Fprintf(os.Stderr, "received signal %v, shutting down\n", sig)
			cancel()
			<-errCh
		case err := <-errCh:
			if err != nil {
				fmt.Fprintf(os.Stderr, "bridge exited with error: %v\n", err)
				os.Exit(1)
			}
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: config.* searched in ., ./config, /etc/zk-attendance-bridge, ~/.zk-attendance-bridge)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component together and blocks until ctx is
// cancelled or a fatal startup error occurs.
func run(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	effectiveLevel := cfg.LogLevel
	if logLevel != "" {
		effectiveLevel = logLevel
	}
	logger := logging.Initialize(effectiveLevel)
	if cfg.LogFile != "" {
		if err := logging.SetupFileLogging(logger, cfg.LogFile); err != nil {
			logger.WithError(err).Warn("failed to set up file logging, continuing with stdout only")
		}
	}

	zone := clock.MustLoad(cfg.Timezone)

	var (
		cloudUserStore        usercache.CloudStore
		cloudWriter           durability.CloudWriter
		cloudIndividualWriter syncworker.CloudIndividualWriter
		cloudProbe            syncworker.CloudProbe
		feed                  enrollment.Feed
		cloudFeed             *cloudfeed.Feed
	)

	if cfg.CloudConfigured() {
		store, err := newCloudStore(ctx, logger, cfg)
		if err != nil {
			return fmt.Errorf("connect to cloud document store: %w", err)
		}
		cloudUserStore, cloudWriter, cloudIndividualWriter, cloudProbe = store, store, store, store

		f, err := newCloudFeed(ctx, logger, cfg)
		if err != nil {
			return fmt.Errorf("connect to cloud registration feed: %w", err)
		}
		feed = f
		cloudFeed = f
	} else {
		logger.Warn("no cloud credentials configured, running with offline stores only")
	}

	offlineUsers := durability.NewOfflineUserStore(cfg.SpillDir)
	cache, err := usercache.New(logger, usercache.Config{PhotoDir: cfg.PhotoDir}, cloudUserStore, offlineUsers)
	if err != nil {
		return fmt.Errorf("create user cache: %w", err)
	}

	durLayer, err := durability.NewLayer(logger, cloudWriter, cfg.SpillDir)
	if err != nil {
		return fmt.Errorf("create durability layer: %w", err)
	}

	hub := api.NewHub(logger)
	pipe := pipeline.New(logger, zone, cache, durLayer, hub)

	deviceID, driver, ip, port, err := selectDevice(ctx, logger, cfg)
	if err != nil {
		return fmt.Errorf("select device: %w", err)
	}
	sessionMgr := session.New(logger, driver, pipe, deviceID, ip, port)

	var scanner *discovery.Scanner
	if cfg.AutoDiscoverDevice {
		scanner = discovery.New(logger, discovery.Config{
			TotalBudget: cfg.ScanTimeout,
			Workers:     cfg.ScanConcurrency,
		}, func() device.Driver { return zkteco.New() })
	}

	var syncWorker *syncworker.Worker
	if cloudProbe != nil && cloudIndividualWriter != nil {
		syncWorker = syncworker.New(logger, cloudProbe, cloudIndividualWriter, durLayer.Spill(), durLayer, hub, cfg.SyncInterval)
	}

	var enrollConsumer *enrollment.Consumer
	if feed != nil {
		enrollConsumer = enrollment.New(logger, feed, sessionMgr)
	}

	apiServer := api.New(logger, api.ServerConfig{
		Addr:       cfg.APIServer.Addr,
		APIKeys:    cfg.APIServer.APIKeys,
		MockDevice: cfg.UseMockDevice,
	}, hub, sessionMgr, scanner, pipe, cache, durLayer, syncWorker)

	durLayer.Start()
	pipe.Start(ctx)
	sessionMgr.Start(ctx)
	if syncWorker != nil {
		syncWorker.Start(ctx)
	}
	if enrollConsumer != nil {
		enrollConsumer.Start(ctx)
	}
	if cloudFeed != nil {
		cloudFeed.Start(ctx)
	}
	apiServer.Start()

	logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"ip":        ip,
		"port":      port,
		"addr":      cfg.APIServer.Addr,
	}).Info("bridge started")

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("api server shutdown error")
	}
	if enrollConsumer != nil {
		enrollConsumer.Stop()
	}
	if cloudFeed != nil {
		cloudFeed.Stop()
	}
	if syncWorker != nil {
		syncWorker.Stop()
	}
	if err := sessionMgr.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("session shutdown error")
	}
	pipe.Stop()
	durLayer.Stop()

	logger.Info("shutdown complete")
	return nil
}

// selectDevice picks the mock driver, a statically configured
// address, or an auto-discovered terminal, in that priority order.
func selectDevice(ctx context.Context, logger *logrus.Logger, cfg *config.Config) (deviceID string, driver device.Driver, ip string, port int, err error) {
	if cfg.UseMockDevice {
		return "mock-device", mock.New(logger, cfg.MockInterval), "127.0.0.1", cfg.Port, nil
	}

	if cfg.IP != "" {
		return cfg.IP, zkteco.New(), cfg.IP, cfg.Port, nil
	}

	if !cfg.AutoDiscoverDevice {
		return "", nil, "", 0, fmt.Errorf("no ip configured and auto_discover_device is false")
	}

	scanner := discovery.New(logger, discovery.Config{
		TotalBudget: cfg.ScanTimeout,
		Workers:     cfg.ScanConcurrency,
	}, func() device.Driver { return zkteco.New() })

	var found string
	for attempt := 0; attempt <= cfg.AutoDiscoveryRetries; attempt++ {
		found = scanner.FindFirst(ctx)
		if found != "" {
			break
		}
		logger.WithField("attempt", attempt+1).Warn("auto-discovery found no device, retrying")
		select {
		case <-ctx.Done():
			return "", nil, "", 0, ctx.Err()
		case <-time.After(cfg.AutoDiscoveryRetryDelay):
		}
	}
	if found == "" {
		return "", nil, "", 0, fmt.Errorf("auto-discovery found no device after %d attempts", cfg.AutoDiscoveryRetries+1)
	}
	return found, zkteco.New(), found, cfg.Port, nil
}

// newCloudStore constructs the Firestore-backed document store.
func newCloudStore(ctx context.Context, logger *logrus.Logger, cfg *config.Config) (*cloudstore.Store, error) {
	var opts []option.ClientOption
	if cfg.FirestoreCredentials != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.FirestoreCredentials))
	}
	fsClient, err := firestore.NewClient(ctx, cfg.FirestoreProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return cloudstore.New(logger, fsClient), nil
}

// newCloudFeed constructs the Firebase Realtime Database-backed
// registration feed.
func newCloudFeed(ctx context.Context, logger *logrus.Logger, cfg *config.Config) (*cloudfeed.Feed, error) {
	var opts []option.ClientOption
	if cfg.FirebaseCredentials != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.FirebaseCredentials))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID:   cfg.FirestoreProjectID,
		DatabaseURL: cfg.FirebaseDatabaseURL,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firebase app: %w", err)
	}
	dbClient, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("create firebase database client: %w", err)
	}
	return cloudfeed.New(logger, dbClient, cfg.RegistrationsNodePath), nil
}
