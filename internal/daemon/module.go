package daemon

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/nknorg/d-chat/internal/bus"
	"github.com/nknorg/d-chat/internal/chat"
	"github.com/nknorg/d-chat/internal/config"
	"github.com/nknorg/d-chat/internal/connect"
	"github.com/nknorg/d-chat/internal/contact"
	"github.com/nknorg/d-chat/internal/identity"
	"github.com/nknorg/d-chat/internal/lock"
	"github.com/nknorg/d-chat/internal/logging"
	"github.com/nknorg/d-chat/internal/piece"
	"github.com/nknorg/d-chat/internal/profile"
	"github.com/nknorg/d-chat/internal/store"
	"github.com/nknorg/d-chat/internal/topic"
	"github.com/nknorg/d-chat/internal/transport"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	DialerName  string // optional; empty picks the sole registered dialer
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideStore,
			provideWallet,
			provideDialer,
			provideManager,
			provideContacts,
			provideTopics,
			provideRenewer,
			provideAssembler,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	path := profile.ConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		cfg = &config.Config{}
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		if err := config.Save(path, cfg); err != nil {
			return nil, fmt.Errorf("persist device id: %w", err)
		}
		logger.Info("device id generated", zap.String("device_id", cfg.DeviceID))
	}
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideWallet(p Params) (*identity.Wallet, error) {
	seed, err := profile.LoadOrCreateSeed(p.ProfileName)
	if err != nil {
		return nil, err
	}
	return identity.FromSeed(seed)
}

func provideDialer(p Params) (transport.Dialer, error) {
	return transport.LookupDialer(p.DialerName)
}

func provideManager(dialer transport.Dialer, db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *connect.Manager {
	return connect.NewManager(dialer, db, b, logger, connect.Options{
		Endpoints: cfg.Node.RPCEndpoints,
		Direct:    cfg.Node.Direct,
	})
}

func provideContacts(db *store.DB, m *connect.Manager, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *contact.Service {
	return contact.NewService(db, m, b, logger, cfg.DeviceID)
}

func provideTopics(db *store.DB, m *connect.Manager, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *topic.Service {
	return topic.NewService(db, m, b, logger, cfg.DeviceID)
}

func provideRenewer(svc *topic.Service, logger *zap.Logger) *topic.Renewer {
	return topic.NewRenewer(svc, logger, topic.DefaultRenewInterval)
}

func provideAssembler(db *store.DB, logger *zap.Logger) *piece.Assembler {
	return piece.NewAssembler(db, logger)
}

func provideEngine(db *store.DB, m *connect.Manager, contacts *contact.Service, topics *topic.Service,
	pieces *piece.Assembler, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *chat.Engine {
	return chat.NewEngine(db, m, contacts, topics, pieces, b, logger, cfg.DeviceID)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, manager *connect.Manager,
	renewer *topic.Renewer, engine *chat.Engine, wallet *identity.Wallet, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			manager.SetInboundHandler(engine.HandleInbound)

			go func() {
				id, err := manager.Connect(context.Background(), wallet)
				if err != nil {
					logger.Error("auto-connect failed", zap.Error(err))
					return
				}
				logger.Info("connecting", zap.String("address", id))
			}()

			renewer.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			renewer.Stop()
			if err := manager.Disconnect(); err != nil {
				logger.Warn("disconnect", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("close store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
