package dashboardd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"lendingdash/chain"
	"lendingdash/dashboard"
	"lendingdash/feed"
	"lendingdash/observability"
	"lendingdash/observability/logging"
	telemetry "lendingdash/observability/otel"
	"lendingdash/storage/journal"
	"lendingdash/txflow"
)

// Main initialises and runs the dashboard daemon.
func Main() error {
	var cfgPath, envFile string
	flag.StringVar(&cfgPath, "config", "services/dashboardd/config.yaml", "path to dashboardd configuration")
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before configuration")
	flag.Parse()

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("DASHBOARD_ENV"))
	logger := logging.Setup("dashboardd", env, cfg.Log.Options())
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("dashboardd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return Run(stopCtx, cfg, logger)
}

// Run wires every component from cfg and serves until ctx ends.
func Run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	contracts, err := cfg.Chain.Contracts()
	if err != nil {
		return err
	}
	key, err := cfg.Signer.LoadSigner()
	if err != nil {
		return fmt.Errorf("load signer: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := chain.DialEVMClient(dialCtx, cfg.Chain.RPC)
	cancel()
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}
	defer client.Close()

	provider, err := chain.NewEVMProvider(client, big.NewInt(cfg.Chain.ChainID),
		chain.WithSigner(key),
		chain.WithConfirmations(cfg.Chain.Confirmations),
		chain.WithGasMargin(cfg.Chain.GasMarginPct),
	)
	if err != nil {
		return fmt.Errorf("init provider: %w", err)
	}
	liquidator := provider.Address()

	store, err := journal.Open(cfg.Journal.Path, nil)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = store.Close() }()

	notifications := txflow.NewFeed(cfg.API.NotificationQueue)
	loading := txflow.NewLoading()
	orch, err := txflow.New(provider,
		txflow.WithNotifier(txflow.Notifiers{notifications, txflow.LogNotifier{Logger: logger}}),
		txflow.WithLoading(loading),
		txflow.WithJournal(store),
		txflow.WithLogger(logger),
		txflow.WithMetrics(observability.TxFlow()),
		txflow.WithPollInterval(cfg.TxFlow.PollInterval.Duration),
		txflow.WithSettleTimeout(cfg.TxFlow.SettleTimeout.Duration),
	)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	recovered, err := orch.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover journal: %w", err)
	}
	go func() {
		<-recovered
		logger.Info("journal reconciled")
	}()

	board := dashboard.NewBoard(orch, contracts, liquidator, logger)
	var tabs []*dashboard.WithdrawTab
	var refreshers []feed.Refresher
	for _, asset := range []dashboard.Asset{dashboard.AssetETH, dashboard.AssetUSDC} {
		tab, err := dashboard.NewWithdrawTab(orch, contracts, asset, liquidator, logger)
		if err != nil {
			return fmt.Errorf("init %s withdraw: %w", asset, err)
		}
		tabs = append(tabs, tab)
		refreshers = append(refreshers, tab)
	}

	source := feed.NewHTTPSource(cfg.Feed.Endpoint, cfg.Feed.APIKey, cfg.Feed.Timeout.Duration)
	poller, err := feed.NewPoller(source, board,
		feed.WithInterval(cfg.Feed.Interval.Duration),
		feed.WithLogger(logger),
		feed.WithRefreshers(refreshers...),
	)
	if err != nil {
		return fmt.Errorf("init poller: %w", err)
	}

	api, err := NewServer(ServerConfig{
		Board:              board,
		Tabs:               tabs,
		Notifications:      notifications,
		Loading:            loading,
		BearerToken:        cfg.API.BearerToken,
		MutationsPerMinute: cfg.API.MutationsPerMin,
		MutationBurst:      cfg.API.MutationBurst,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	defer api.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           api,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("poller stopped", "error", err)
		}
	}()

	errs := make(chan error, 1)
	go func() {
		logger.Info("dashboardd listening", "addr", cfg.ListenAddress, "liquidator", liquidator.Hex())
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
