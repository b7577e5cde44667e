package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/panguard-ai/panguard-guard/internal/adapters"
	"github.com/panguard-ai/panguard-guard/internal/ai"
	"github.com/panguard-ai/panguard-guard/internal/analysis"
	"github.com/panguard-ai/panguard-guard/internal/baseline"
	"github.com/panguard-ai/panguard-guard/internal/bus"
	"github.com/panguard-ai/panguard-guard/internal/config"
	"github.com/panguard-ai/panguard-guard/internal/detection"
	"github.com/panguard-ai/panguard-guard/internal/guard"
	"github.com/panguard-ai/panguard-guard/internal/http"
	"github.com/panguard-ai/panguard-guard/internal/logging"
	"github.com/panguard-ai/panguard-guard/internal/metrics"
	"github.com/panguard-ai/panguard-guard/internal/monitor"
	"github.com/panguard-ai/panguard-guard/internal/rules"
	"github.com/panguard-ai/panguard-guard/internal/systemd"
	"github.com/panguard-ai/panguard-guard/internal/threatintel"
)

const (
	heartbeatInterval = 30 * time.Second
	busQueueSize      = 4096
)

// Agent wires the guard pipeline to its transports
type Agent struct {
	logger  *logging.Logger
	config  *config.Config
	metrics *metrics.Metrics

	ruleEngine *rules.Engine
	ruleLoader *rules.Loader
	engine     *guard.Engine
	httpServer *http.Server
	systemd    *systemd.Notifier

	nc         *nats.Conn
	publisher  *bus.Publisher
	busAdapter *adapters.BusAdapter
	subjects   bus.Subjects
	notifier   guard.Notifier
	replySub   *nats.Subscription
}

// New builds the agent from configuration. Nothing is started yet.
func New(logger *logging.Logger, cfg *config.Config) (*Agent, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	a := &Agent{
		logger:   logger,
		config:   cfg,
		metrics:  m,
		subjects: bus.Subjects{Prefix: cfg.NATS.SubjectPrefix},
		systemd:  systemd.NewNotifier(logger.WithComponent("systemd")),
	}

	a.ruleEngine = rules.NewEngine(logger.WithComponent("rules"))
	a.ruleLoader = rules.NewLoader(cfg.Rules.Dir, a.ruleEngine, cfg.Rules.PollInterval, cfg.Rules.Debounce, logger.WithComponent("rules"))
	a.ruleLoader.OnReload(m.SetRulesLoaded)
	count := a.ruleLoader.Load()
	logger.Info("Rules loaded", "rules_dir", cfg.Rules.Dir, "count", count)

	intel := threatintel.NewTable()
	if cfg.ThreatIntel.FeedFile != "" {
		n, err := intel.LoadFile(cfg.ThreatIntel.FeedFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load threat intel feed: %w", err)
		}
		logger.Info("Threat intel feed loaded", "file", cfg.ThreatIntel.FeedFile, "indicators", n)
	}

	var adapterList []adapters.Adapter
	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("panguard-guard-"+cfg.HostID),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.nc = nc

		a.publisher = bus.NewPublisher(nc, cfg.NATS.SubjectPrefix, cfg.HostID, busQueueSize, m, logger.WithComponent("bus"))
		a.notifier = a.publisher

		if cfg.Monitors.Adapters.Enabled {
			subject := a.subjects.Join(cfg.Monitors.Adapters.AlertSubject)
			busAdapter, err := adapters.NewBusAdapter(nc, subject, cfg.Monitors.Adapters.BufferSize, m, logger.WithComponent("adapters"))
			if err != nil {
				nc.Close()
				return nil, fmt.Errorf("failed to create adapter intake: %w", err)
			}
			a.busAdapter = busAdapter
			adapterList = append(adapterList, busAdapter)
		}
	}

	var executor guard.Executor
	if a.publisher != nil {
		executor = a.publisher
	} else {
		sink := bus.NewLogSink(logger.WithComponent("bus"))
		a.notifier = sink
		executor = sink
	}

	monitorLogger := logger.WithComponent("monitor")
	observers := monitor.BuildObservers(cfg.Monitors, adapterList, monitorLogger)
	monitorEngine := monitor.NewEngine(observers, intel, monitor.EngineOptions{
		EventBuffer:    cfg.Monitors.EventBuffer,
		MaxRestarts:    cfg.Monitors.MaxRestarts,
		RestartBackoff: cfg.Monitors.RestartBackoff,
	}, m, monitorLogger)

	analysisOpts := analysis.Options{AITimeout: cfg.AI.Timeout}
	if cfg.AI.Enabled {
		analysisOpts.AI = ai.NewClient(cfg.AI, logger.WithComponent("ai"))
	}

	engine, err := guard.New(guard.Options{
		Mode:               cfg.Mode,
		Policy:             cfg.Policy,
		CheckpointInterval: cfg.Baseline.CheckpointInterval,
	}, guard.Dependencies{
		Monitor:  monitorEngine,
		Detector: detection.NewDetector(a.ruleEngine, intel, m),
		Analyzer: analysis.NewAnalyzer(analysisOpts, m, logger.WithComponent("analysis")),
		Store:    baseline.NewFileStore(cfg.Baseline.Path),
		Notifier: a.notifier,
		Executor: executor,
		Metrics:  m,
	}, logger.WithComponent("guard"))
	if err != nil {
		a.closeBus()
		return nil, fmt.Errorf("failed to create guard engine: %w", err)
	}
	a.engine = engine

	if cfg.HTTP.Enabled {
		a.httpServer = http.NewServer(logger.WithComponent("http"), cfg.HTTP.Addr, cfg.HostID, engine, reg, a.ruleEngine.Len)
	}

	return a, nil
}

// Run starts every component and blocks until ctx is cancelled
func (a *Agent) Run(ctx context.Context) error {
	if a.publisher != nil {
		a.publisher.WithHeartbeat(heartbeatInterval, func() any { return a.engine.Status() })
		a.publisher.Start(ctx)

		sub, err := bus.SubscribeReplies(a.nc, a.subjects, a.engine, a.logger.WithComponent("bus"))
		if err != nil {
			a.closeBus()
			return err
		}
		a.replySub = sub
	}
	if a.busAdapter != nil {
		if err := a.busAdapter.Subscribe(); err != nil {
			a.closeBus()
			return fmt.Errorf("failed to subscribe adapter intake: %w", err)
		}
	}

	if err := a.engine.Start(ctx); err != nil {
		a.closeBus()
		return fmt.Errorf("failed to start guard engine: %w", err)
	}

	var wg sync.WaitGroup
	if a.config.Rules.HotReload {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.ruleLoader.Watch(ctx)
		}()
	}

	httpErr := make(chan error, 1)
	if a.httpServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.httpServer.Start(ctx); err != nil {
				httpErr <- err
			}
		}()
	}

	if a.systemd.IsAvailable() {
		if err := a.systemd.NotifyReady(); err != nil {
			a.logger.Warn("Failed to notify systemd ready", "error", err)
		}
		a.systemd.StartWatchdog(systemd.WatchdogInterval())
		a.notifyStatus()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Agent context cancelled, shutting down")
	case err := <-httpErr:
		a.logger.Error("HTTP server failed", "error", err)
		runErr = fmt.Errorf("http server: %w", err)
	}

	return errors.Join(runErr, a.shutdown(&wg))
}

func (a *Agent) shutdown(wg *sync.WaitGroup) error {
	if err := a.systemd.NotifyStopping(); err != nil {
		a.logger.Debug("Failed to notify systemd stopping", "error", err)
	}

	err := a.engine.Stop()
	wg.Wait()
	a.closeBus()

	if cerr := a.systemd.Close(); cerr != nil {
		a.logger.Debug("Failed to close systemd socket", "error", cerr)
	}
	a.logger.Info("Agent components stopped")
	return err
}

func (a *Agent) closeBus() {
	if a.replySub != nil {
		_ = a.replySub.Unsubscribe()
		a.replySub = nil
	}
	if a.busAdapter != nil {
		_ = a.busAdapter.Close()
	}
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.nc != nil {
		a.nc.Close()
	}
}

func (a *Agent) notifyStatus() {
	st := a.engine.Status()
	status := fmt.Sprintf("%s mode, %d rules", st.Mode, a.ruleEngine.Len())
	if err := a.systemd.NotifyStatus(status); err != nil {
		a.logger.Debug("Failed to notify systemd status", "error", err)
	}
}
