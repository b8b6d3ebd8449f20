// Command gridbot wires configuration, the exchange gateway, and every
// core-engine component into a running strategy controller, with a
// Prometheus endpoint, an interactive command reader, and signal-driven
// shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ducminhle1904/perp-grid-bot/internal/balance"
	"github.com/ducminhle1904/perp-grid-bot/internal/botlog"
	"github.com/ducminhle1904/perp-grid-bot/internal/config"
	"github.com/ducminhle1904/perp-grid-bot/internal/controller"
	"github.com/ducminhle1904/perp-grid-bot/internal/eventbus"
	"github.com/ducminhle1904/perp-grid-bot/internal/exchange"
	"github.com/ducminhle1904/perp-grid-bot/internal/execution"
	"github.com/ducminhle1904/perp-grid-bot/internal/gridmgr"
	"github.com/ducminhle1904/perp-grid-bot/internal/monitoring"
	"github.com/ducminhle1904/perp-grid-bot/internal/orderbook"
	"github.com/ducminhle1904/perp-grid-bot/internal/ordermanager"
	"github.com/ducminhle1904/perp-grid-bot/internal/statustracker"
	"github.com/ducminhle1904/perp-grid-bot/internal/validator"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to the grid configuration JSON file")
		envFile     = flag.String("env", ".env", "Environment file path for exchange API credentials")
		metricsAddr = flag.String("metrics-addr", ":9090", "Prometheus /metrics and health endpoint bind address")
		interactive = flag.Bool("interactive", true, "Read quit/orders/balance/stop/restart/pause commands from stdin")
	)
	flag.Parse()

	if *configFile == "" {
		log.Fatal("gridbot: -config is required")
	}

	cfg, err := config.LoadFromJSON(*configFile)
	if err != nil {
		log.Fatalf("gridbot: %v", err)
	}

	if cfg.TradingMode != config.TradingModeBacktest {
		if loadErr := config.LoadEnv(*envFile); loadErr != nil {
			log.Printf("gridbot: warning: %v (checking process environment)", loadErr)
		}
	}

	app, err := build(cfg)
	if err != nil {
		log.Fatalf("gridbot: failed to build engine: %v", err)
	}
	defer app.logger.Close()

	printStartupTable(cfg)

	health := monitoring.NewHealthChecker()
	http.Handle("/metrics", promhttp.Handler())
	http.Handle("/healthz", health)
	go func() {
		if srvErr := http.ListenAndServe(*metricsAddr, nil); srvErr != nil {
			app.logger.Info("metrics server stopped: %v", srvErr)
		}
	}()
	health.SetConnected(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- app.controller.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if *interactive {
		go runCommandSurface(app)
	}

	select {
	case <-sigCh:
		fmt.Println("\nshutdown signal received, stopping gridbot...")
	case err := <-runErrCh:
		if err != nil && err != context.Canceled {
			app.logger.Info("controller exited: %v", err)
		}
	}

	cancel()
	if closeErr := app.gateway.CloseConnection(); closeErr != nil {
		app.logger.Info("error closing gateway connection: %v", closeErr)
	}
	fmt.Println("gridbot stopped")
}

// engine bundles every wired component the command surface and shutdown
// path need access to beyond the Controller itself.
type engine struct {
	cfg        *config.Config
	gateway    exchange.Gateway
	bus        *eventbus.Bus
	book       *orderbook.Book
	grid       *gridmgr.Manager
	bal        *balance.Tracker
	controller *controller.Controller
	logger     *botlog.Logger
}

// build wires every component together. Construction order matters: the
// balance tracker subscribes to ORDER_FILLED before the order manager so a
// fill's position update is visible by the time pairing logic reads it.
func build(cfg *config.Config) (*engine, error) {
	symbol := cfg.Symbol()

	logger, err := botlog.New(symbol, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	gw, err := buildGateway(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	book := orderbook.New()

	grid, err := gridmgr.NewManager(cfg.GridConfig())
	if err != nil {
		return nil, fmt.Errorf("gridmgr: %w", err)
	}

	balCfg := balance.Config{
		InitialMarginRatio:     1 / cfg.Leverage,
		MaintenanceMarginRatio: cfg.LiquidationThreshold,
		FeeRate:                cfg.TradingFee,
	}
	bal := balance.New(balCfg, cfg.InitialBalance, bus)

	v := validator.New(validator.DefaultConfig())

	var strategy execution.Strategy
	if bg, ok := gw.(*exchange.BacktestGateway); ok {
		bg.SeedBalance(cfg.InitialBalance)
		strategy = execution.NewBacktestStrategy(bg)
	} else {
		strategy = execution.NewLiveStrategy(gw, symbol, execution.DefaultConfig())
	}

	orderMgrCfg := ordermanager.Config{
		Symbol:                 symbol,
		MaintenanceMarginRatio: cfg.LiquidationThreshold,
	}
	orderMgr := ordermanager.New(orderMgrCfg, grid, book, bal, v, strategy, bus, logger)

	tracker := statustracker.New(statustracker.DefaultConfig(symbol), gw, book, bus, logger)

	ctrlCfg := controller.Config{
		Symbol:               symbol,
		QuoteCurrency:        cfg.QuoteCurrency,
		ReversionPrice:       cfg.ReversionPrice,
		TakeProfitPrice:      cfg.TakeProfitPrice,
		StopLossPrice:        cfg.StopLossPrice,
		FundingRateThreshold: cfg.FundingRateThreshold,
		Leverage:             cfg.Leverage,
		MarginMode:           cfg.MarginModeValue(),
		PositionMode:         cfg.PositionModeValue(),
	}
	metrics := monitoring.NewRecorder(symbol)
	monitoring.ObserveBus(bus, symbol)
	ctrl := controller.New(ctrlCfg, gw, orderMgr, bal, tracker, bus, logger, metrics)

	return &engine{cfg: cfg, gateway: gw, bus: bus, book: book, grid: grid, bal: bal, controller: ctrl, logger: logger}, nil
}

func buildGateway(cfg *config.Config) (exchange.Gateway, error) {
	factory := exchange.NewFactory()
	gwCfg := exchange.Config{Name: cfg.ExchangeName}

	switch cfg.TradingMode {
	case config.TradingModeBacktest:
		gwCfg.Name = "backtest"
		gwCfg.Backtest = &exchange.BacktestConfig{FeeRate: cfg.TradingFee}
	case config.TradingModePaperTrading:
		creds := config.LoadCredentials(cfg.ExchangeName)
		live := exchange.NewBybitGateway(exchange.BybitConfig{
			APIKey: creds.APIKey, APISecret: creds.APISecret, Testnet: cfg.Testnet,
		})
		gwCfg.Name = "paper"
		gwCfg.Paper = &exchange.PaperConfig{InitialBalance: cfg.InitialBalance, FeeRate: cfg.TradingFee, PriceSource: live}
	case config.TradingModeLive, config.TradingModePerpetualLive:
		creds := config.LoadCredentials(cfg.ExchangeName)
		if creds.APIKey == "" || creds.APISecret == "" {
			return nil, fmt.Errorf("missing %s_API_KEY/%s_API_SECRET", cfg.ExchangeName, cfg.ExchangeName)
		}
		gwCfg.Name = "bybit"
		gwCfg.Bybit = &exchange.BybitConfig{APIKey: creds.APIKey, APISecret: creds.APISecret, Testnet: cfg.Testnet}
	default:
		return nil, fmt.Errorf("unsupported trading_mode %q", cfg.TradingMode)
	}

	return factory.CreateGateway(gwCfg)
}

// pauseAndResume implements the "pause N" command: stop the bot, sleep N
// seconds, then start it again.
func pauseAndResume(app *engine, seconds int) {
	app.bus.Publish(eventbus.StopBot, "pause command")
	time.Sleep(time.Duration(seconds) * time.Second)
	app.bus.Publish(eventbus.StartBot, "resume after pause")
}
