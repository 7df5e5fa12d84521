// Package run contains the command to run an objectstack server.
package run

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/objectstack/objectstack/cmd/util"
	"github.com/objectstack/objectstack/pkg/logger"
	"github.com/objectstack/objectstack/pkg/server"
	serverconfig "github.com/objectstack/objectstack/pkg/server/config"
	"github.com/objectstack/objectstack/pkg/storage"
	"github.com/objectstack/objectstack/pkg/storage/memory"
	"github.com/objectstack/objectstack/pkg/storage/postgres"
)

const (
	datastoreEngineFlag = "datastore-engine"
	datastoreURIFlag    = "datastore-uri"

	logFormatFlag = "log-format"
	logLevelFlag  = "log-level"

	appIDFlag                = "app-id"
	masterKeyFlag            = "master-key"
	clientKeyFlag            = "client-key"
	restAPIKeyFlag           = "rest-api-key"
	mountFlag                = "mount"
	collectionPrefixFlag     = "collection-prefix"
	enableAnonymousUsersFlag = "enable-anonymous-users"
	facebookAppIDsFlag       = "facebook-app-ids"
	sessionCacheSizeFlag     = "session-cache-size"

	metricsEnabledFlag = "metrics-enabled"
	metricsAddrFlag    = "metrics-addr"
)

// NewRunCommand runs the objectstack server.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the objectstack server",
		RunE:  run,
		Args:  cobra.NoArgs,
		PreRun: func(cmd *cobra.Command, args []string) {
			flags := cmd.Flags()

			for _, name := range []string{
				datastoreEngineFlag, datastoreURIFlag,
				logFormatFlag, logLevelFlag,
				appIDFlag, masterKeyFlag, clientKeyFlag, restAPIKeyFlag,
				mountFlag, collectionPrefixFlag,
				enableAnonymousUsersFlag, facebookAppIDsFlag, sessionCacheSizeFlag,
				metricsEnabledFlag, metricsAddrFlag,
			} {
				util.MustBindPFlag(name, flags.Lookup(name))
			}
		},
	}

	flags := cmd.Flags()

	flags.String(datastoreEngineFlag, "memory", "the datastore engine that will be used for persistence ('memory' or 'postgres')")
	flags.String(datastoreURIFlag, "", "the connection uri to use to connect to the datastore (for any engine other than 'memory')")

	flags.String(logFormatFlag, "text", "the log format to output logs in ('text' or 'json')")
	flags.String(logLevelFlag, "info", "the log level to use ('none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal')")

	flags.String(appIDFlag, "", "(required) the application id")
	flags.String(masterKeyFlag, "", "(required) the key granting unrestricted access")
	flags.String(clientKeyFlag, "", "the key granting session-scoped access")
	flags.String(restAPIKeyFlag, "", "an alternate key granting session-scoped access")
	flags.String(mountFlag, "/1", "the path prefix used in location headers")
	flags.String(collectionPrefixFlag, "", "a prefix namespacing the application's collections")
	flags.Bool(enableAnonymousUsersFlag, false, "allow signups with authData.anonymous")
	flags.StringSlice(facebookAppIDsFlag, nil, "the facebook application ids accepted during auth validation")
	flags.Int64(sessionCacheSizeFlag, 0, "the number of sessions kept in the in-memory cache (0 picks the default)")

	flags.Bool(metricsEnabledFlag, true, "enable/disable the metrics endpoint")
	flags.String(metricsAddrFlag, "0.0.0.0:2112", "the host:port address to serve the prometheus metrics endpoint on")

	// NOTE: if you add a new flag here, add the binding in PreRun

	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	log, err := logger.NewLogger(viper.GetString(logFormatFlag), viper.GetString(logLevelFlag))
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}

	store, err := buildDatastore(ctx, log)
	if err != nil {
		return err
	}

	cfg := serverconfig.Config{
		AppID:                viper.GetString(appIDFlag),
		MasterKey:            viper.GetString(masterKeyFlag),
		ClientKey:            viper.GetString(clientKeyFlag),
		RESTAPIKey:           viper.GetString(restAPIKeyFlag),
		Mount:                viper.GetString(mountFlag),
		CollectionPrefix:     viper.GetString(collectionPrefixFlag),
		EnableAnonymousUsers: viper.GetBool(enableAnonymousUsersFlag),
		FacebookAppIDs:       viper.GetStringSlice(facebookAppIDsFlag),
		SessionCacheSize:     viper.GetInt64(sessionCacheSizeFlag),
	}

	srv, err := server.New(server.Dependencies{
		Datastore: store,
		Logger:    log,
	}, cfg)
	if err != nil {
		store.Close()
		return err
	}
	defer srv.Close()

	var metricsServer *http.Server
	if viper.GetBool(metricsEnabledFlag) {
		addr := viper.GetString(metricsAddrFlag)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: addr, Handler: mux}
		go func() {
			log.Info("starting metrics endpoint", zap.String("addr", addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	log.Info("server ready", zap.String("app_id", cfg.AppID))

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done
	log.Info("shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}

func buildDatastore(ctx context.Context, log logger.Logger) (storage.Datastore, error) {
	engine := viper.GetString(datastoreEngineFlag)
	uri := viper.GetString(datastoreURIFlag)

	switch engine {
	case "memory":
		return memory.New(), nil
	case "postgres":
		store, err := postgres.New(ctx, uri, postgres.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("initialize postgres datastore: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", engine)
	}
}
