package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/niftyninja9/autosentry/internal/alloc"
	"github.com/niftyninja9/autosentry/internal/broker"
	"github.com/niftyninja9/autosentry/internal/cache"
	"github.com/niftyninja9/autosentry/internal/config"
	"github.com/niftyninja9/autosentry/internal/edge"
	"github.com/niftyninja9/autosentry/internal/entry"
	"github.com/niftyninja9/autosentry/internal/exits"
	"github.com/niftyninja9/autosentry/internal/feed"
	dbinfra "github.com/niftyninja9/autosentry/internal/infrastructure/db"
	"github.com/niftyninja9/autosentry/internal/infrastructure/redisconn"
	"github.com/niftyninja9/autosentry/internal/instruments"
	opshttp "github.com/niftyninja9/autosentry/internal/interfaces/http"
	"github.com/niftyninja9/autosentry/internal/limits"
	"github.com/niftyninja9/autosentry/internal/metrics"
	"github.com/niftyninja9/autosentry/internal/orders"
	"github.com/niftyninja9/autosentry/internal/persistence"
	"github.com/niftyninja9/autosentry/internal/positions"
	"github.com/niftyninja9/autosentry/internal/reconcile"
	"github.com/niftyninja9/autosentry/internal/risk"
	"github.com/niftyninja9/autosentry/internal/rules"
	"github.com/niftyninja9/autosentry/internal/session"
	"github.com/niftyninja9/autosentry/internal/supervisor"
	"github.com/niftyninja9/autosentry/internal/trailing"
	"github.com/niftyninja9/autosentry/internal/underlying"

	"github.com/niftyninja9/autosentry/internal/domain"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the controller against the configured broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(false)
		},
	}
}

func newPaperCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "paper",
		Short: "Run the controller with simulated order execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(true)
		},
	}
}

func runController(forcePaper bool) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	setLogLevel(cfg.Logging.Level)
	if forcePaper {
		cfg.PaperTrading.Enabled = true
	}
	// The live broker HTTP gateway ships as a separate module; this
	// build executes through the in-process paper gateway only.
	if !cfg.PaperTrading.Enabled {
		return errors.New("no live broker gateway in this build; enable paper_trading or run the paper subcommand")
	}

	ctl, err := buildController(cfg)
	if err != nil {
		return err
	}
	defer ctl.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctl.sup.Start(ctx); err != nil {
		return err
	}
	log.Info().
		Str("env", cfg.App.Env).
		Bool("paper", cfg.PaperTrading.Enabled).
		Int("indices", len(cfg.Indices)).
		Msg("AutoSentry running")

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")
	ctl.sup.Stop()
	return nil
}

// controller bundles the wired process for startup and teardown.
type controller struct {
	sup *supervisor.Supervisor
	rdb *redis.Client
	db  *dbinfra.Manager
}

func (c *controller) close() {
	if c.rdb != nil {
		_ = c.rdb.Close()
	}
	if c.db != nil {
		_ = c.db.Close()
	}
}

// buildController wires every component per the dependency graph:
// feed → caches → rule/exit/trailing engines → driver loop, with the
// entry guard, limits, edge detector and reconciler around them.
func buildController(cfg *config.Config) (*controller, error) {
	ctl := &controller{}

	rdb, err := redisconn.New(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	ctl.rdb = rdb

	var store persistence.TrackerStore
	if cfg.Database.Enabled {
		mgr, err := dbinfra.NewManager(cfg.Database)
		if err != nil {
			ctl.close()
			return nil, fmt.Errorf("database: %w", err)
		}
		ctl.db = mgr
		store = mgr.Repository().Trackers
	} else {
		log.Warn().Msg("Database disabled, tracker rows held in memory only")
		store = persistence.NewMemStore()
	}

	sess, err := session.New(cfg.Session, cfg.Risk.EntryCutoffHHMM)
	if err != nil {
		ctl.close()
		return nil, fmt.Errorf("session: %w", err)
	}

	regimesCfg, err := config.LoadRegimesConfig(cfg.RegimesPath)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.RegimesPath).Msg("Regimes file not loaded, using built-in windows")
		regimesCfg = nil
	}
	regimeSvc := session.NewRegimeService(sess, regimesCfg)

	hot := cache.NewTickCache()
	warm := cache.NewWarmCache(rdb)
	feedHealth := feed.NewFeedHealth()
	hub := feed.NewHub(cfg.Feed, feed.NewWSTransport(cfg.Feed), hot, warm, feedHealth)

	reg := metrics.NewRegistry()

	var bus *positions.Bus
	if cfg.FeatureFlags.EnableDemandDrivenServices {
		bus = positions.NewBus()
	}
	active := positions.NewActiveCache(bus)

	gateway := broker.NewPaperGateway(hot, cfg.Risk.CapitalRupees, cfg.Risk.FlatFeePerOrderRupees)

	dailyLimits := limits.New(rdb, cfg.Risk, sess)
	detector := edge.New(rdb, cfg.Risk.EdgeFailureDetector, sess, regimeSvc)
	cooldown := entry.NewCooldown(rdb)

	exitEngine := exits.NewEngine(exits.Deps{
		Store:           store,
		Gateway:         gateway,
		Hot:             hot,
		Warm:            warm,
		Active:          active,
		Feed:            hub,
		Limits:          dailyLimits,
		Edge:            detector,
		Cooldown:        cooldown,
		FlatFeePerOrder: cfg.Risk.FlatFeePerOrderRupees,
		OnExit:          func(kind domain.ExitKind) { reg.ExitHook(kind.String()) },
	})

	trailEngine := trailing.NewEngine(cfg.Risk, cfg.FeatureFlags, gateway, active, exitEngine)
	monitor := underlying.NewStaticMonitor(5 * time.Minute)

	registry := instruments.NewRegistry()
	spotIndex := make(map[domain.InstrumentKey]string, len(cfg.Indices))
	var spotKeys []domain.InstrumentKey
	for _, idx := range cfg.Indices {
		if idx.SpotSecurityID == "" {
			continue
		}
		inst := domain.Instrument{
			Segment:    domain.SegmentIndex,
			SecurityID: idx.SpotSecurityID,
			Symbol:     idx.Key,
			LotSize:    idx.LotSize,
		}
		registry.Upsert(inst)
		spotIndex[inst.Key()] = idx.Key
		spotKeys = append(spotKeys, inst.Key())
	}

	guard := entry.NewGuard(entry.Deps{
		Registry: registry,
		Active:   active,
		Store:    store,
		Gateway:  gateway,
		Feed:     hub,
		Hot:      hot,
		Cooldown: cooldown,
		Alloc:    alloc.NewFixedCapital(cfg.Risk.CapitalRupees, 0),
		Limits:   dailyLimits,
		Edge:     detector,
		Regimes:  regimeSvc,
		OnReject: reg.EntryRejectHook,
	})
	intake := entry.NewIntake(rdb, guard, cfg.Indices)

	orderHandler := orders.NewHandler(orders.Deps{
		Store:           store,
		Active:          active,
		Feed:            hub,
		Warm:            warm,
		Limits:          dailyLimits,
		FlatFeePerOrder: cfg.Risk.FlatFeePerOrderRupees,
		OnApplied:       reg.OrderUpdateHook,
	})
	consumer := orders.NewConsumer(orderHandler, gateway.Updates())

	// Position repricing rides the fan-out path so PnL moves with every
	// tick, not only on driver cycles. Index spot ticks feed the
	// underlying monitor.
	hub.OnTick("positions", func(t domain.Tick) error {
		now := time.Now()
		active.ApplyTick(t.Key(), t.LTP, now)
		if indexKey, ok := spotIndex[t.Key()]; ok {
			monitor.UpdateSpot(indexKey, t.LTP, now)
		}
		return nil
	})

	protected := func(key domain.InstrumentKey) bool {
		if _, ok := spotIndex[key]; ok {
			return true
		}
		return len(active.TrackerIDsForSID(key)) > 0
	}
	pruner := cache.NewPruner(rdb, 30*time.Second, cfg.Feed.StaleAfter, protected)

	reconciler := reconcile.NewReconciler(reconcile.Deps{
		Store:   store,
		Active:  active,
		Warm:    warm,
		Feed:    hub,
		Gateway: gateway,
		Session: sess,
		OnFix:   reg.ReconcileFixHook,
	})

	var refresher *risk.PaperRefresher
	if cfg.PaperTrading.Enabled {
		refresher = risk.NewPaperRefresher(gateway, hot, warm)
	}

	manager := risk.NewManager(risk.Deps{
		Store:      store,
		Active:     active,
		Hot:        hot,
		Warm:       warm,
		Engine:     rules.NewDefaultEngine(),
		Exits:      exitEngine,
		Trailing:   trailEngine,
		Feed:       hub,
		Session:    sess,
		Regimes:    regimeSvc,
		Underlying: monitor,
		Refresher:  refresher,
		Risk:       cfg.Risk,
		Flags:      cfg.FeatureFlags,
		OnCycle: func(cs risk.CycleStats) {
			reg.ObserveCycle(cs.Duration, cs.Positions, cs.Trails, cs.Errors)
			reg.SetFeedConnected(hub.IsConnected())
		},
	})

	ops := opshttp.NewServer(opshttp.Deps{
		Config:  cfg.HTTP,
		Metrics: reg,
		Active:  active,
		Limits:  dailyLimits,
		Feed:    hub,
		Loop:    manager,
		Indices: cfg.Indices,
		Version: version,
	})

	hubComponent := supervisor.Func{
		ComponentName: "feed-hub",
		OnStart: func(ctx context.Context) error {
			if !hub.Start(ctx) {
				return errors.New("feed transport connect failed")
			}
			if len(spotKeys) > 0 {
				if err := hub.Subscribe(ctx, spotKeys...); err != nil {
					log.Warn().Err(err).Msg("Spot subscription failed at startup")
				}
			}
			return nil
		},
		OnStop: func(context.Context) error {
			hub.Stop()
			return nil
		},
	}

	ctl.sup = supervisor.New(ops, hubComponent, consumer, intake, pruner, reconciler, manager)
	return ctl, nil
}
