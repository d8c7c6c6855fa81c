package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	s3blob "github.com/avrell/tradeguard/internal/blob/s3"
	"github.com/avrell/tradeguard/internal/broker/bridge"
	"github.com/avrell/tradeguard/internal/broker/sim"
	redisbus "github.com/avrell/tradeguard/internal/cache/redis"
	"github.com/avrell/tradeguard/internal/config"
	"github.com/avrell/tradeguard/internal/domain"
	"github.com/avrell/tradeguard/internal/entry"
	"github.com/avrell/tradeguard/internal/exit"
	"github.com/avrell/tradeguard/internal/filter"
	"github.com/avrell/tradeguard/internal/journal"
	"github.com/avrell/tradeguard/internal/locktab"
	"github.com/avrell/tradeguard/internal/metrics"
	"github.com/avrell/tradeguard/internal/notify"
	"github.com/avrell/tradeguard/internal/ratelimit"
	"github.com/avrell/tradeguard/internal/registry"
	"github.com/avrell/tradeguard/internal/scan"
	"github.com/avrell/tradeguard/internal/slengine"
	"github.com/avrell/tradeguard/internal/store/postgres"
)

const (
	// symbolInfoTTL bounds how long cached venue parameters are trusted.
	symbolInfoTTL = 5 * time.Minute

	// eventsChannel and eventsStream carry lifecycle events on the bus.
	eventsChannel = "tradeguard:events"
	eventsStream  = "tradeguard:events:stream"

	// archivePrefix is the object key prefix for rotated journal segments.
	archivePrefix = "journal"
)

// Dependencies holds every wired component of the engine. Agents are started
// from here by the run loop; optional infrastructure (Bus, the archiver
// rotation hook) is absent when its config block is disabled.
type Dependencies struct {
	Broker   domain.Broker
	Registry *registry.Registry
	Locks    *locktab.Table
	Bucket   *ratelimit.Bucket
	Throttle *ratelimit.Throttle

	Journal  *journal.File
	TradeLog domain.TradeLog
	Tracker  *metrics.Tracker

	Engine  *slengine.Engine
	Worker  *slengine.Worker
	Monitor *registry.Monitor

	Pipeline *filter.Pipeline
	Placer   *entry.Placer
	Scan     *scan.Loop

	Micro      *exit.MicroProfitCloser
	Compliance *exit.ComplianceCloser

	Reporter *metrics.Reporter
	Notifier *notify.Notifier
	Kill     *KillSwitch

	// Bus is the optional Redis signal bus; nil unless redis.enabled.
	Bus *redisbus.SignalBus
}

// Wire constructs the full dependency graph from configuration. It returns
// the dependencies plus a cleanup function that closes every acquired
// resource in reverse order. On error, everything already acquired is
// released before returning.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	broker, err := buildBroker(cfg, logger)
	if err != nil {
		return fail(err)
	}

	reg := registry.New(symbolInfoTTL)
	locks := locktab.New(cfg.Locking.MaxHoldTime.Duration, logger)
	bucket := ratelimit.NewBucket(cfg.Limits.GlobalRPCRatePerSec)
	throttle := ratelimit.NewThrottle(cfg.Limits.PerTicketMinInterval.Duration)
	tracker := metrics.NewTracker()

	file, err := journal.NewFile(cfg.Journal.Dir, logger)
	if err != nil {
		return fail(fmt.Errorf("app: open journal: %w", err))
	}
	closers = append(closers, func() {
		if err := file.Close(); err != nil {
			logger.Warn("journal close failed", slog.Any("error", err))
		}
	})

	var mirrors []domain.TradeLog
	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("app: connect postgres: %w", err))
		}
		closers = append(closers, pg.Close)
		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("app: run migrations: %w", err))
			}
		}
		mirrors = append(mirrors, postgres.NewJournalStore(pg))
	}
	tradeLog := journal.NewFanout(file, logger, mirrors...)

	var bus *redisbus.SignalBus
	if cfg.Redis.Enabled {
		rc, err := redisbus.New(ctx, redisbus.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("app: connect redis: %w", err))
		}
		closers = append(closers, func() {
			if err := rc.Close(); err != nil {
				logger.Warn("redis close failed", slog.Any("error", err))
			}
		})
		bus = redisbus.NewSignalBus(rc)
	}

	if cfg.Journal.ArchiveEnabled {
		if !cfg.S3.Enabled {
			return fail(fmt.Errorf("app: journal.archive_enabled requires s3.enabled"))
		}
		s3c, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("app: connect s3: %w", err))
		}
		archiver := s3blob.NewArchiver(s3c, archivePrefix, true, logger)
		file.OnRotate(archiver.OnRotate)
	}

	notifier := notify.NewNotifier(buildSenders(cfg.Notify), cfg.Notify.Events, logger)
	sink := newEventSink(bus, notifier, logger)

	kill := NewKillSwitch(logger)
	kill.OnEngage(func(ctx context.Context, reason string) {
		sink(ctx, domain.Event{
			Type:   domain.EventKillSwitch,
			Detail: map[string]any{"reason": reason},
		})
	})

	engine := slengine.New(broker, reg, locks, bucket, throttle, tradeLog, tracker,
		rulesFrom(cfg.Risk), limitsFrom(cfg), logger)
	engine.OnEvent(func(ctx context.Context, ev domain.Event) {
		sink(ctx, ev)
		// A ticket the engine can no longer verify is grounds to stop
		// taking on new risk; open positions stay managed.
		if ev.Type == domain.EventTicketDisabled {
			kill.Engage(ctx, fmt.Sprintf("ticket %d disabled, verification failing", ev.Ticket))
		}
	})

	locks.OnForceRelease(func(ticket int64, holder locktab.Kind, heldFor time.Duration) {
		tracker.StaleLockRelease()
		sink(context.Background(), domain.Event{
			Type:   domain.EventStaleLockRelease,
			Ticket: ticket,
			Detail: map[string]any{"holder": string(holder), "held_for": heldFor.String()},
		})
	})

	worker := slengine.NewWorker(engine,
		cfg.Worker.Interval.Duration, cfg.Worker.SlowIterationBudget.Duration, logger)

	monitor := registry.NewMonitor(reg, broker, locks,
		cfg.Worker.ReconcileInterval.Duration, logger)
	monitor.OnBackfill(engine.InitPosition)
	monitor.OnClosed(func(pos domain.Position, reason domain.CloseReason) {
		engine.HandleClosure(context.Background(), pos, reason)
	})

	pipeline := filter.New(logger,
		&filter.TradabilityGate{
			Broker:          broker,
			MaxSpreadPoints: cfg.Filters.MaxSpreadPoints,
			AllowList:       cfg.Filters.AllowSymbols,
			DenyList:        cfg.Filters.DenySymbols,
		},
		&filter.MarketCloseGate{Buffer: cfg.Filters.MarketCloseBuffer.Duration},
		&filter.VolumeGate{Min: cfg.Filters.MinBarVolume},
		&filter.NewsGate{Windows: cfg.Filters.NewsWindows},
		&filter.QualityGate{Min: cfg.Filters.MinQualityScore},
		&filter.PortfolioGate{OpenCount: reg.Count, Max: cfg.Filters.MaxOpenTrades},
	)

	placer := entry.NewPlacer(broker, reg, bucket, entry.Config{
		DefaultLot:         cfg.Entry.DefaultLot,
		MaxLot:             cfg.Entry.MaxLot,
		MaxRiskPerTradeUSD: cfg.Risk.MaxRiskPerTradeUSD,
		MaxSlackUSD:        cfg.Entry.MaxSlackUSD,
	}, logger)
	placer.OnOpened(func(pos domain.Position) {
		engine.InitPosition(pos)
		sink(context.Background(), domain.Event{
			Type:   domain.EventPositionOpened,
			Ticket: pos.Ticket,
			Symbol: pos.Symbol,
			Detail: map[string]any{"lots": pos.Lots, "stop_loss": pos.StopLoss},
		})
	})

	loop := scan.NewLoop(buildSource(cfg, broker), pipeline, placer,
		scanInterval(cfg.Scan), logger)
	loop.Halted = kill.Engaged

	micro := exit.NewMicroProfitCloser(broker, reg, engine, exit.MicroProfitConfig{
		SweetSpotMinUSD:       cfg.Risk.SweetSpotMinUSD,
		SweetSpotMaxUSD:       cfg.Risk.SweetSpotMaxUSD,
		TrailIncrementUSD:     cfg.Risk.TrailIncrementUSD,
		BufferUSD:             cfg.Exit.MicroProfitBufferUSD,
		ExtendedBandEnabled:   cfg.Exit.ExtendedBandEnabled,
		ExtendedBandMarginUSD: cfg.Exit.ExtendedBandMarginUSD,
	}, logger)

	var compliance *exit.ComplianceCloser
	if cfg.Exit.ComplianceEnabled {
		compliance = exit.NewComplianceCloser(broker, reg, engine, exit.ComplianceConfig{
			CutoffHourUTC: cfg.Exit.ComplianceCutoffHour,
			MaxHolding:    cfg.Exit.MaxHoldingDuration.Duration,
		}, logger)
	}

	reporter := metrics.NewReporter(tracker, tradeLog, reg.Count,
		cfg.Journal.SnapshotInterval.Duration, logger)

	return &Dependencies{
		Broker:     broker,
		Registry:   reg,
		Locks:      locks,
		Bucket:     bucket,
		Throttle:   throttle,
		Journal:    file,
		TradeLog:   tradeLog,
		Tracker:    tracker,
		Engine:     engine,
		Worker:     worker,
		Monitor:    monitor,
		Pipeline:   pipeline,
		Placer:     placer,
		Scan:       loop,
		Micro:      micro,
		Compliance: compliance,
		Reporter:   reporter,
		Notifier:   notifier,
		Kill:       kill,
		Bus:        bus,
	}, cleanup, nil
}

// buildBroker selects the venue implementation by mode.
func buildBroker(cfg *config.Config, logger *slog.Logger) (domain.Broker, error) {
	switch strings.ToLower(cfg.Mode) {
	case "live":
		return bridge.New(cfg.Broker.BridgeURL, cfg.Broker.BridgeToken,
			cfg.Broker.RequestTimeout.Duration), nil
	case "simulation":
		return sim.New(cfg.Broker.SimSymbols, logger), nil
	default:
		return nil, fmt.Errorf("app: unsupported mode %q", cfg.Mode)
	}
}

// buildSource selects the candidate source: the connector's signal feed in
// live mode, synthesized per-symbol candidates in simulation.
func buildSource(cfg *config.Config, broker domain.Broker) scan.Source {
	if c, ok := broker.(*bridge.Client); ok {
		return c
	}
	return &scan.SymbolSource{
		Symbols:      cfg.Scan.Symbols,
		Side:         domain.SideBuy,
		QualityScore: 100,
		BarVolume:    1000,
	}
}

// buildSenders assembles the configured notification channels.
func buildSenders(cfg config.NotifyConfig) []notify.Sender {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	return senders
}

// newEventSink fans lifecycle events out to the notifier and, when wired,
// the signal bus. Bus failures are logged and swallowed; events never block
// or fail a protective path.
func newEventSink(bus *redisbus.SignalBus, notifier *notify.Notifier, logger *slog.Logger) func(ctx context.Context, ev domain.Event) {
	logger = logger.With(slog.String("component", "events"))
	return func(ctx context.Context, ev domain.Event) {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.Time.IsZero() {
			ev.Time = time.Now().UTC()
		}

		notifier.HandleEvent(ctx, ev)

		if bus == nil {
			return
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			logger.WarnContext(ctx, "event marshal failed", slog.Any("error", err))
			return
		}
		if err := bus.Publish(ctx, eventsChannel, payload); err != nil {
			logger.WarnContext(ctx, "event publish failed", slog.Any("error", err))
		}
		if err := bus.StreamAppend(ctx, eventsStream, payload); err != nil {
			logger.WarnContext(ctx, "event stream append failed", slog.Any("error", err))
		}
	}
}

// rulesFrom maps the risk config block onto the engine's rule set.
func rulesFrom(r config.RiskConfig) slengine.Rules {
	return slengine.Rules{
		MaxRiskPerTradeUSD:   r.MaxRiskPerTradeUSD,
		SweetSpotMinUSD:      r.SweetSpotMinUSD,
		SweetSpotMaxUSD:      r.SweetSpotMaxUSD,
		TrailIncrementUSD:    r.TrailIncrementUSD,
		PullbackTolerance:    r.PullbackTolerance,
		BigJumpThresholdUSD:  r.BigJumpThresholdUSD,
		BigJumpLockOffsetUSD: r.BigJumpLockOffsetUSD,
		HighPeakUSD:          r.HighPeakUSD,
		HighPeakMinLockUSD:   r.HighPeakMinLockUSD,
		MinImprovementUSD:    r.MinImprovementUSD,
	}
}

// limitsFrom maps the locking and limits config blocks onto the engine's
// apply-path budgets.
func limitsFrom(cfg *config.Config) slengine.Limits {
	return slengine.Limits{
		AcquireTimeout:          cfg.Locking.AcquireTimeout.Duration,
		ProfitAcquireTimeout:    cfg.Locking.ProfitAcquireTimeout.Duration,
		MaxModifyRetries:        cfg.Limits.MaxModifyRetries,
		RetryBackoffBase:        cfg.Limits.RetryBackoffBase.Duration,
		VerifyDelay:             cfg.Limits.VerifyDelay.Duration,
		VerifyTolerancePoints:   cfg.Limits.VerifyTolerancePoints,
		CircuitFailureThreshold: cfg.Limits.CircuitFailureThreshold,
		CircuitOpenFor:          cfg.Limits.CircuitOpenFor.Duration,
		DisableAfter:            cfg.Limits.DisableAfter.Duration,
	}
}

// scanInterval clamps the configured scan period into its bounds.
func scanInterval(s config.ScanConfig) time.Duration {
	iv := s.Interval.Duration
	if iv < s.MinInterval.Duration {
		iv = s.MinInterval.Duration
	}
	if iv > s.MaxInterval.Duration {
		iv = s.MaxInterval.Duration
	}
	return iv
}
