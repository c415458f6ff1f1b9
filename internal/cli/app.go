package cli

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/yolodolo42/hwsign/internal/bridge"
	"github.com/yolodolo42/hwsign/internal/chain"
	"github.com/yolodolo42/hwsign/internal/config"
	"github.com/yolodolo42/hwsign/internal/journal"
	"github.com/yolodolo42/hwsign/internal/logging"
	"github.com/yolodolo42/hwsign/internal/metadata"
	"github.com/yolodolo42/hwsign/internal/orchestrator"
	"github.com/yolodolo42/hwsign/internal/wallet"
)

// app holds the collaborators a command needs.
type app struct {
	cfg      config.Config
	log      *zap.Logger
	accounts *wallet.Registry
	networks *chain.Registry
	chains   *chain.Client
	journal  *journal.Store
	bridge   *lazyBridge
	orch     *orchestrator.Orchestrator
}

func newApp() (*app, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	accounts, err := wallet.NewRegistry(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	store, err := journal.Open(cfg.DataDir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open signing journal: %w", err)
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		accounts: accounts,
		networks: chain.NewRegistry(),
		chains:   chain.NewClient(),
		journal:  store,
		bridge: &lazyBridge{server: bridge.NewServer(bridge.Config{
			Port:    cfg.BridgePort,
			PageURL: cfg.BridgeURL,
			Logger:  log,
		})},
	}

	a.orch, err = orchestrator.New(orchestrator.Config{
		Accounts: accounts,
		Networks: a.networks,
		Metadata: metadata.NewClient(cfg.MetadataURL,
			metadata.WithRateLimit(cfg.MetadataRPS),
			metadata.WithLogger(log)),
		Nonces:         a.chains,
		Bridge:         a.bridge,
		Journal:        store,
		PollInterval:   cfg.PollInterval,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         log,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.bridge.stop(ctx); err != nil {
		a.log.Debug("bridge shutdown", zap.Error(err))
	}
	a.chains.Close()
	if err := a.journal.Close(); err != nil {
		a.log.Debug("journal close", zap.Error(err))
	}
	_ = a.log.Sync()
}

// lazyBridge starts the local bridge server on first use.
type lazyBridge struct {
	server  *bridge.Server
	once    sync.Once
	started bool
	err     error
}

func (b *lazyBridge) Open(ctx context.Context) (*bridge.Channel, error) {
	b.once.Do(func() {
		b.err = b.server.Start()
		b.started = b.err == nil
	})
	if b.err != nil {
		return nil, b.err
	}
	return b.server.Open(ctx)
}

func (b *lazyBridge) stop(ctx context.Context) error {
	if !b.started {
		return nil
	}
	return b.server.Stop(ctx)
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}
