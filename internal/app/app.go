package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"listing-sentinel/internal/classifier"
	"listing-sentinel/internal/config"
	"listing-sentinel/internal/detector"
	"listing-sentinel/internal/httpapi"
	"listing-sentinel/internal/metrics"
	"listing-sentinel/internal/model"
	"listing-sentinel/internal/notify"
	"listing-sentinel/internal/pipeline"
	"listing-sentinel/internal/ratelimit"
	"listing-sentinel/internal/scheduler"
	"listing-sentinel/internal/service"
	"listing-sentinel/internal/statedoc"
	"listing-sentinel/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (storage.Store, error) {
	return storage.Open(ctx, a.Config.Database, a.Logger)
}

// newLimiter builds the shared quota gate. Usage stats go to Redis when
// redis.addr is set; the returned closer releases that client.
func (a *App) newLimiter() (*ratelimit.Limiter, func(), error) {
	opts := ratelimit.Options{
		MaxRequestsPerMinute: a.Config.RateLimit.RequestsPerMinute,
		MaxTokensPerMinute:   a.Config.RateLimit.TokensPerMinute,
		Window:               a.Config.RateLimit.Window,
	}
	closer := func() {}
	if rc := a.Config.Redis; rc.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		opts.Stats = ratelimit.NewRedisStats(rdb, ratelimit.WithStatsPrefix(rc.Prefix), ratelimit.WithStatsTTL(rc.StatsTTL))
		opts.StatsTimeout = rc.StatsTimeout
		closer = func() { _ = rdb.Close() }
		a.Logger.Info().Str("addr", rc.Addr).Msg("recording limiter stats in redis")
	}

	limiter, err := ratelimit.New(opts, a.Logger)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return limiter, closer, nil
}

func (a *App) newClassifier() *classifier.HTTPClient {
	cc := a.Config.Classifier
	return classifier.NewHTTPClient(classifier.HTTPOptions{
		BaseURL:           cc.BaseURL,
		APIKey:            cc.APIKey,
		Model:             cc.Model,
		Timeout:           cc.Timeout,
		MaxInputChars:     cc.MaxInputChars,
		MaxOutputTokens:   cc.MaxOutputTokens,
		DefaultConfidence: cc.DefaultConfidence,
		UserAgent:         cc.UserAgent,
	}, a.Logger)
}

func (a *App) newPipeline(sink pipeline.ResultSink, limiter pipeline.Limiter) *pipeline.Pipeline {
	pc := a.Config.Pipeline
	return pipeline.New(a.newClassifier(), limiter, sink, pipeline.Options{
		Workers:     pc.Workers,
		MaxAttempts: pc.MaxAttempts,
		CallTimeout: a.Config.Classifier.Timeout,
		BaseBackoff: pc.BaseBackoff,
		MaxBackoff:  pc.MaxBackoff,
	}, a.Logger)
}

func (a *App) formatter() notify.Formatter {
	return notify.Formatter{Currency: a.Config.Alerting.Currency, DashboardURL: a.Config.Alerting.DashboardURL}
}

// newDispatcher fans alerts out to every active channel. A channel is active
// when it is enabled or listed in alerting.channels; listed channels that are
// not enabled are skipped with a warning.
func (a *App) newDispatcher() (notify.Dispatcher, error) {
	ac := a.Config.Alerting
	f := a.formatter()
	listed := func(name string) bool { return slices.Contains(ac.Channels, name) }

	multi := notify.NewMulti(a.Logger)
	if listed("log") {
		multi.Add("log", notify.NewLog(f, a.Logger))
	}
	if ac.Telegram.Enabled {
		multi.Add("telegram", notify.NewTelegram(ac.Telegram.BotToken, ac.Telegram.ChatID, ac.Telegram.APIBase, ac.Telegram.Timeout, f, a.Logger))
	} else if listed("telegram") {
		a.Logger.Warn().Msg("telegram listed in alerting.channels but not enabled")
	}
	if ac.Email.Enabled {
		multi.Add("email", notify.NewEmail(notify.EmailOptions{
			Host:       ac.Email.Host,
			Port:       ac.Email.Port,
			Username:   ac.Email.Username,
			Password:   ac.Email.Password,
			From:       ac.Email.From,
			Recipients: ac.Email.Recipients,
		}, f, a.Logger))
	} else if listed("email") {
		a.Logger.Warn().Msg("email listed in alerting.channels but not enabled")
	}
	if ac.Teams.Enabled {
		multi.Add("teams", notify.NewTeams(ac.Teams.WebhookURL, ac.Teams.Timeout, f, a.Logger))
	} else if listed("teams") {
		a.Logger.Warn().Msg("teams listed in alerting.channels but not enabled")
	}

	if multi.Len() == 0 {
		return nil, errors.New("未配置任何告警通道")
	}
	return notify.NewPaced(multi, ac.MinDispatchInterval), nil
}

// auditFanout records each delivered alert in every log.
type auditFanout []detector.AuditLog

func (f auditFanout) AppendAlert(ctx context.Context, ev model.AlertEvent) error {
	var errs []error
	for _, l := range f {
		if err := l.AppendAlert(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newStateStore picks the detector state backend. The database always keeps
// the alert audit trail; document backends also keep their own alerts_sent.
func (a *App) newStateStore(ctx context.Context, store storage.Store) (detector.StateStore, detector.AuditLog, error) {
	switch a.Config.State.Backend {
	case config.StateFile:
		doc := statedoc.New(statedoc.NewFileBlob(a.Config.State.Path), a.Logger)
		return doc, auditFanout{store, doc}, nil
	case config.StateAzBlob:
		sc := a.Config.State
		blob, err := statedoc.NewAzureBlob(ctx, sc.AccountURL, sc.Container, sc.BlobName, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		doc := statedoc.New(blob, a.Logger)
		return doc, auditFanout{store, doc}, nil
	default:
		return store, store, nil
	}
}

func (a *App) thresholds() detector.Thresholds {
	ac := a.Config.Alerting
	return detector.Thresholds{
		PriceDropPct:      ac.PriceDropPct,
		PriceRisePct:      ac.PriceRisePct,
		SentimentDeltaPct: ac.SentimentDeltaPct,
	}
}

func (a *App) newEngine(ctx context.Context, store storage.Store) (*detector.Engine, error) {
	states, audit, err := a.newStateStore(ctx, store)
	if err != nil {
		return nil, err
	}
	dispatcher, err := a.newDispatcher()
	if err != nil {
		return nil, err
	}
	engine := detector.NewEngine(states, dispatcher, audit, detector.Options{
		Thresholds: a.thresholds(),
		Disabled:   !a.Config.Alerting.Enabled,
	}, a.Logger)
	if err := engine.Load(ctx); err != nil {
		return nil, err
	}
	return engine, nil
}

// sweepRuntime is everything a sweep needs, built once per command.
type sweepRuntime struct {
	store   storage.Store
	limiter *ratelimit.Limiter
	service *service.Service
	close   func()
}

func (a *App) newRuntime(ctx context.Context, sched *scheduler.Scheduler, classify bool) (*sweepRuntime, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	rt := &sweepRuntime{store: store, close: store.Close}

	var pipe service.Classifier
	if classify {
		limiter, closeLimiter, err := a.newLimiter()
		if err != nil {
			store.Close()
			return nil, err
		}
		rt.limiter = limiter
		rt.close = func() {
			closeLimiter()
			store.Close()
		}
		pipe = a.newPipeline(store, limiter)
	}

	engine, err := a.newEngine(ctx, store)
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.service = service.New(sched, store, pipe, engine, a.serviceOptions(), a.Logger)
	return rt, nil
}

func (a *App) serviceOptions() service.Options {
	return service.Options{
		BatchSize:       a.Config.Pipeline.BatchSize,
		MaxFailedSweeps: a.Config.Pipeline.MaxSweeps,
		MaxInputChars:   a.Config.Classifier.MaxInputChars,
		MaxOutputTokens: a.Config.Classifier.MaxOutputTokens,
		HistoryWindow:   a.Config.Metrics.HistoryWindow,
		Snapshot: metrics.SnapshotOptions{
			RecentWindow: a.Config.Metrics.RecentWindow,
			MinReviews:   a.Config.Metrics.MinReviews,
		},
		LockKey: a.Config.Scheduler.AdvisoryLockKey,
	}
}

// Run executes the long-running sweep service and, when http.addr is set,
// the status API.
func (a *App) Run(ctx context.Context) error {
	if err := a.Config.RequireClassifier(); err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sc := a.Config.Scheduler
	sched, err := scheduler.New(scheduler.Options{
		Interval:     sc.Interval,
		AlignToStart: sc.AlignToBucket,
		StartupDelay: sc.StartupDelay,
		Cron:         sc.Cron,
		RunOnStart:   sc.RunOnStart,
	}, a.Logger)
	if err != nil {
		return err
	}

	rt, err := a.newRuntime(ctx, sched, true)
	if err != nil {
		return err
	}
	defer rt.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Msg("starting sweep service")
		return rt.service.Run(gctx)
	})
	if addr := a.Config.HTTP.Addr; addr != "" {
		api := httpapi.New(rt.service, rt.limiter, rt.store, a.Logger)
		g.Go(func() error {
			return api.ListenAndServe(gctx, addr, a.Config.HTTP.ShutdownTimeout)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("sweep service stopped")
	return nil
}

// SweepOptions configure a one-shot sweep.
type SweepOptions struct {
	SkipClassify bool
}

// Sweep runs a single sweep and returns its report.
func (a *App) Sweep(ctx context.Context, opts SweepOptions) (service.SweepReport, error) {
	if !opts.SkipClassify {
		if err := a.Config.RequireClassifier(); err != nil {
			return service.SweepReport{}, err
		}
	}
	rt, err := a.newRuntime(ctx, nil, !opts.SkipClassify)
	if err != nil {
		return service.SweepReport{}, err
	}
	defer rt.close()

	return rt.service.Sweep(ctx, time.Now().UTC())
}

// Classify drains one batch of pending reviews without evaluating alerts.
func (a *App) Classify(ctx context.Context) (pipeline.Summary, error) {
	if err := a.Config.RequireClassifier(); err != nil {
		return pipeline.Summary{}, err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return pipeline.Summary{}, err
	}
	defer store.Close()

	limiter, closeLimiter, err := a.newLimiter()
	if err != nil {
		return pipeline.Summary{}, err
	}
	defer closeLimiter()

	svc := service.New(nil, store, a.newPipeline(store, limiter), nil, a.serviceOptions(), a.Logger)
	return svc.Classify(ctx)
}

// Migrate applies the schema regardless of database.auto_migrate.
func (a *App) Migrate(ctx context.Context) error {
	cfg := a.Config.Database
	cfg.AutoMigrate = false
	store, err := storage.Open(ctx, cfg, a.Logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.Logger.Info().Str("driver", cfg.Driver).Msg("schema applied")
	return nil
}

// ExportOptions hold parameters for exporting a listing's price history.
type ExportOptions struct {
	ListingID string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	ListingID string
}

// IngestOptions name the CSV files to import.
type IngestOptions struct {
	PricesPath  string
	ReviewsPath string
}

// SimulateOptions describe a synthetic price move.
type SimulateOptions struct {
	ListingID string
	OldPrice  int64
	NewPrice  int64
}
