// Package service composes the capacity tracker, provider registry, engine,
// queue, notifier, orchestrator and audit store into one running unit.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ShayCichocki/foreman/internal/capacity"
	"github.com/ShayCichocki/foreman/internal/config"
	"github.com/ShayCichocki/foreman/internal/engine"
	"github.com/ShayCichocki/foreman/internal/logging"
	"github.com/ShayCichocki/foreman/internal/notify"
	"github.com/ShayCichocki/foreman/internal/observability"
	"github.com/ShayCichocki/foreman/internal/provider"
	"github.com/ShayCichocki/foreman/internal/queue"
	"github.com/ShayCichocki/foreman/internal/state"
	"github.com/ShayCichocki/foreman/internal/tools"
	"github.com/ShayCichocki/foreman/internal/workflow"
)

// Service is the composed foreman runtime.
type Service struct {
	cfg          *config.Config
	creds        *config.Credentials
	metrics      *observability.Metrics
	tracker      *capacity.Tracker
	registry     *provider.Registry
	tools        *tools.Executor
	engine       *engine.Engine
	queue        *queue.Queue
	notifier     *notify.Notifier
	emitter      *workflow.Emitter
	orchestrator *workflow.Orchestrator
	audit        state.AuditStore
	debug        *logging.DebugLogger
	shutdown     func(context.Context) error

	closeOnce sync.Once
}

// Option configures a Service.
type Option func(*options)

type options struct {
	clients map[string]provider.Client
	audit   state.AuditStore
}

// WithClient replaces the adapter built for the named provider.
func WithClient(name string, c provider.Client) Option {
	return func(o *options) { o.clients[name] = c }
}

// WithAuditStore uses store instead of the one named by state.driver.
func WithAuditStore(store state.AuditStore) Option {
	return func(o *options) { o.audit = store }
}

// New builds a service from cfg. Call Start to begin draining the queue and
// Close to release everything.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := &options{clients: make(map[string]provider.Client)}
	for _, opt := range opts {
		opt(o)
	}

	s := &Service{cfg: cfg, creds: config.NewCredentials(cfg)}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	debug, err := logging.NewDebugLogger(cfg.DebugLog)
	if err != nil {
		return nil, fmt.Errorf("open debug log: %w", err)
	}
	s.debug = debug
	if cfg.DebugLog != "" {
		logging.SetDefault(debug)
	}

	s.shutdown, err = observability.InitTracing(ctx, "foreman", observability.TracingConfig{
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	s.metrics = observability.NewMetrics("foreman")
	s.tracker = capacity.NewTracker(capacity.WithMetrics(s.metrics))

	if err := s.buildRegistry(ctx, o.clients); err != nil {
		return nil, err
	}
	if err := s.buildTools(); err != nil {
		return nil, err
	}

	s.engine = engine.New(s.registry, s.tracker, s.tools,
		engine.WithMaxToolRounds(cfg.Engine.MaxToolRounds),
		engine.WithCallTimeout(cfg.Engine.CallTimeout),
		engine.WithSelectWait(cfg.Engine.SelectWait),
		engine.WithMaxTokens(cfg.Engine.MaxTokens),
		engine.WithMetrics(s.metrics),
	)

	s.audit = o.audit
	if s.audit == nil {
		if s.audit, err = openAuditStore(ctx, cfg.State); err != nil {
			return nil, err
		}
	}

	s.notifier = notify.New(cfg.Notify.Workers, cfg.Notify.QueueSize, cfg.Notify.Timeout,
		notify.WithMetrics(s.metrics),
		notify.WithFailureLog(cfg.Notify.FailureLog),
	)

	qopts := []queue.Option{
		queue.WithMaxConcurrent(cfg.Queue.MaxConcurrent),
		queue.WithTaskTimeout(cfg.Queue.TaskTimeout),
		queue.WithMaxRetries(cfg.Queue.MaxRetries),
		queue.WithBackoffBase(cfg.Queue.BackoffBase),
		queue.WithRetention(cfg.Queue.Retention),
		queue.WithAdmins(cfg.Queue.Admins...),
		queue.WithNotifier(s.notifier),
		queue.WithMetrics(s.metrics),
	}
	if len(cfg.Tools.Allowed) > 0 {
		qopts = append(qopts, queue.WithAllowedTools(cfg.Tools.Allowed))
	}
	if s.audit != nil {
		qopts = append(qopts, queue.WithAuditSink(s.audit))
	}
	s.queue = queue.New(s.engine, qopts...)

	s.emitter = workflow.NewEmitter(cfg.Workflow.EventBuffer, 0)
	s.orchestrator = workflow.New(s.queue,
		workflow.NewLLMDecomposer(s.engine, cfg.Workflow.DecomposeTimeout),
		workflow.WithReviewer(workflow.ReviewerFunc(summarize)),
		workflow.WithBudget(cfg.Workflow.TokenBudget, cfg.Workflow.CostBudget),
		workflow.WithWarningThreshold(cfg.Workflow.WarningThreshold),
		workflow.WithDefaultDeadline(cfg.Workflow.DefaultDeadline),
		workflow.WithEmitter(s.emitter),
	)
	s.queue.Subscribe(s.orchestrator.HandleTaskDone)
	s.queue.Subscribe(s.forwardTask)

	ok = true
	return s, nil
}

func (s *Service) buildRegistry(ctx context.Context, overrides map[string]provider.Client) error {
	catalog := provider.DefaultCatalog()
	if s.cfg.CatalogFile != "" {
		c, err := provider.LoadCatalog(s.cfg.CatalogFile)
		if err != nil {
			return err
		}
		catalog = c
	}

	intents, order := s.cfg.Intents, s.cfg.FallbackOrder
	if s.cfg.CatalogFile != "" {
		if len(catalog.Intents) > 0 {
			intents = catalog.Intents
		}
		if len(catalog.FallbackOrder) > 0 {
			order = catalog.FallbackOrder
		}
	}

	prefs := provider.NewMemoryPreferences()
	if s.cfg.PrefsDir != "" {
		p, err := provider.OpenPreferences(s.cfg.PrefsDir)
		if err != nil {
			return fmt.Errorf("open preferences: %w", err)
		}
		prefs = p
	}

	s.registry = provider.NewRegistry(s.tracker, s.creds,
		provider.WithPreferences(prefs),
		provider.WithRouting(intents, order),
		provider.WithRegistryMetrics(s.metrics),
	)

	for _, pc := range s.cfg.Providers {
		p := catalog.Apply(pc.Provider())
		client, ok := overrides[p.Name]
		if !ok {
			secret, _ := s.creds.Credential(p.CredentialKey)
			c, err := provider.NewClientFor(ctx, p, secret, provider.ClientOptions{
				AWSRegion:  pc.AWSRegion,
				AWSProfile: pc.AWSProfile,
			})
			if err != nil {
				return fmt.Errorf("build client for %s: %w", p.Name, err)
			}
			client = c
		}
		if err := s.registry.Register(p, client); err != nil {
			return err
		}
		logging.Debug("[service] registered provider %s (%s), %d curated models", p.Name, p.Kind, len(p.Models))
	}
	return nil
}

func (s *Service) buildTools() error {
	tc := s.cfg.Tools
	topts := []tools.Option{
		tools.WithAllowedCommands(tc.Commands...),
		tools.WithCommandTimeout(tc.CommandTimeout),
		tools.WithMaxOutput(tc.MaxOutput),
		tools.WithAllowedHosts(tc.AllowedHosts...),
	}
	if tc.Database != "" {
		topts = append(topts, tools.WithDatabase(tc.Database))
	}
	if tc.ProtectedConfig != "" {
		d := tools.NewDetector()
		if err := d.LoadConfig(tc.ProtectedConfig); err != nil {
			return fmt.Errorf("load protected paths: %w", err)
		}
		topts = append(topts, tools.WithProtection(d))
	}
	exec, err := tools.NewExecutor(tc.Workspace, topts...)
	if err != nil {
		return err
	}
	s.tools = exec
	return nil
}

func openAuditStore(ctx context.Context, sc config.StateConfig) (state.AuditStore, error) {
	switch sc.Driver {
	case "sqlite":
		db, err := state.Open(sc.Path)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate audit store: %w", err)
		}
		if sc.Retention > 0 {
			if n, err := db.PurgeBefore(sc.Retention); err != nil {
				log.Printf("[service] purge audit events: %v", err)
			} else if n > 0 {
				logging.Debug("[service] purged %d audit events", n)
			}
		}
		return db, nil
	case "postgres":
		pg, err := state.OpenPostgres(ctx, sc.PostgresURL)
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return nil, nil
	}
}

// Start begins draining the queue and watching preference files.
func (s *Service) Start(ctx context.Context) error {
	s.queue.Start(ctx)
	if err := s.registry.Preferences().Watch(ctx); err != nil {
		return fmt.Errorf("watch preferences: %w", err)
	}
	return nil
}

// Close stops the queue and releases every collaborator. Safe to call more
// than once.
func (s *Service) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		if s.queue != nil {
			s.queue.Stop()
		}
		if s.notifier != nil {
			s.notifier.Close()
		}
		if s.emitter != nil {
			s.emitter.Close()
		}
		if s.audit != nil {
			if err := s.audit.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close audit store: %w", err))
			}
		}
		if s.shutdown != nil {
			if err := s.shutdown(context.Background()); err != nil {
				errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
			}
		}
		if s.debug != nil {
			if s.cfg.DebugLog != "" {
				logging.SetDefault(nil)
			}
			s.debug.Close()
		}
	})
	return errors.Join(errs...)
}
