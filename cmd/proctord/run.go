package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"proctord/internal/backend"
	"proctord/internal/bridge"
	"proctord/internal/clock"
	"proctord/internal/config"
	"proctord/internal/gate"
	"proctord/internal/health"
	"proctord/internal/lockfile"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/platform"
	"proctord/internal/reporter"
	"proctord/internal/sensor"
	"proctord/internal/session"
	"proctord/internal/store"
)

func cmdRun(args []string) error {
	var cf commonFlags
	fs := newFlagSet("run", &cf, true)
	exitAfter := fs.Duration("exit-after", 30*time.Second, "shut down this long after the attempt ends (0 keeps running)")
	fs.Parse(args)

	loader, cfg, err := loadConfig(&cf)
	if err != nil {
		return err
	}
	defer loader.Close()
	evaluationID, studentID, err := cf.attempt(cfg)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging, "proctord")
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  filepath.Join(config.DataDir(), "crashes"),
		Version:   Version,
		Component: "proctord",
		Logger:    logger,
	})
	crash.SetSessionID(evaluationID)

	audit, err := openAudit(cfg)
	if err != nil {
		logger.Warn("audit trail disabled", "error", err)
	}
	defer audit.Close()
	audit.SetAttempt(evaluationID, studentID)

	lock, err := lockfile.Acquire(lockPath())
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, evaluationID, studentID, logger, audit, crash)
	if err != nil {
		return err
	}
	defer d.close()

	watchConfig(loader, logger)

	token, err := bridge.IssueToken(d.secret, studentID, evaluationID, cfg.TokenTTL(), time.Now())
	if err != nil {
		return err
	}
	audit.LogTokenIssued(ctx, cfg.TokenTTL())
	fmt.Printf("Evaluation:  %s (%s)\n", d.info.Name, evaluationID)
	fmt.Printf("Bridge:      ws://%s/ws\n", cfg.Bridge.Listen)
	fmt.Printf("Token:       %s\n", token)
	fmt.Println()
	fmt.Println("Waiting for the exam shell. Press Ctrl+C to stop.")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if *exitAfter > 0 {
		crash.Go("exit-on-end", func() { d.exitWhenDone(runCtx, cancel, *exitAfter) })
	}

	logger.Info("proctord started", "version", Version, "evaluation_id", evaluationID, "listen", cfg.Bridge.Listen)
	audit.LogStartup(ctx, Version, map[string]any{"listen": cfg.Bridge.Listen})
	err = d.bridge.Serve(runCtx)

	reason := "attempt ended"
	if ctx.Err() != nil {
		reason = "signal"
	}
	logger.Info("proctord stopping", "reason", reason)
	audit.LogShutdown(context.Background(), reason)
	return err
}

// daemon is one running attempt with everything wired around it.
type daemon struct {
	cfg     *config.Config
	logger  *logging.Logger
	info    *backend.SessionInfo
	secret  []byte
	journal *store.SecureStore
	client  *backend.Client
	rep     *reporter.Reporter
	sess    *session.Session
	bridge  *bridge.Server
	sensors *sensor.Set
	metrics *metrics.Proctor
	locator platform.Locator
}

func newDaemon(ctx context.Context, cfg *config.Config, evaluationID, studentID string, logger *logging.Logger, audit *logging.AuditLogger, crash *logging.CrashHandler) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, logger: logger, locator: platform.NoLocator{}}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	journal, err := openJournal(cfg)
	if errors.Is(err, store.ErrIntegrity) {
		// Keep monitoring; readiness reports the broken journal.
		logger.Error("journal failed verification, records will not be journaled", "error", err)
	} else if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	d.journal = journal

	d.secret, err = bridgeSecret(cfg)
	if err != nil {
		return nil, fmt.Errorf("bridge secret: %w", err)
	}

	d.client, err = newBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	infoCtx, cancel := context.WithTimeout(ctx, cfg.BackendTimeout())
	d.info, err = d.client.SessionInfo(infoCtx, evaluationID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("load evaluation %s: %w", evaluationID, err)
	}

	d.resendPending(ctx, studentID)

	d.metrics = metrics.NewProctor(metrics.NewRegistry("proctord"))

	sinks := []reporter.Sink{reporter.NewBackendSink(d.client)}
	if k := cfg.Reporter.Kafka; k.Enabled {
		sinks = append(sinks, reporter.NewKafkaSink(k.Brokers, k.Topic))
		logger.Info("mirroring reports to kafka", "topic", k.Topic, "brokers", k.Brokers)
	}
	d.rep = reporter.New(reporter.Config{
		Sinks:    sinks,
		Timeout:  cfg.ReportTimeout(),
		Runner:   crash,
		Logger:   logger,
		OnResult: d.metrics.ReportResult,
	})

	checker := health.NewChecker()
	d.bridge, err = bridge.New(bridge.Config{
		Listen:         cfg.Bridge.Listen,
		Secret:         d.secret,
		StudentID:      studentID,
		EvaluationID:   evaluationID,
		AllowedOrigins: cfg.Bridge.AllowedOrigins,
		Policy:         cfg.Policy,
		IntentTimeout:  cfg.BackendTimeout() + 5*time.Second,
		Health:         checker,
		Metrics:        d.metrics,
		Audit:          audit,
		Crash:          crash,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Monitor.LocationEnabled {
		d.locator = platform.NewLocator()
	}
	env := d.bridge.Environment(d.locator)

	combos := make([]platform.Combo, 0, len(cfg.Policy.BlockedShortcuts))
	for _, s := range cfg.Policy.BlockedShortcuts {
		c, err := platform.ParseCombo(s)
		if err != nil {
			return nil, fmt.Errorf("policy.blocked_shortcuts: %w", err)
		}
		combos = append(combos, c)
	}
	d.sensors = sensor.NewSet(sensor.SetConfig{
		Env:              env,
		BlockedKeys:      cfg.Policy.BlockedKeys,
		BlockedShortcuts: combos,
		Evidence:         cfg.Monitor.EvidenceEnabled,
		FullscreenAudit:  cfg.FullscreenAudit(),
		Location:         cfg.Monitor.LocationEnabled,
		LocationInterval: cfg.LocationInterval(),
		LocationTimeout:  cfg.LocationTimeout(),
		Logger:           logger,
	})

	var journalIface session.Journal
	if d.journal != nil && d.journal.IntegrityOK() {
		journalIface = d.journal
	}
	d.sess, err = session.New(session.Config{
		Info:      d.info,
		StudentID: studentID,
		Gate:      gate.New(d.client, logger),
		Submitter: d.client,
		Reporter:  d.rep,
		Journal:   journalIface,
		Env:       env,
		Sensors:   d.sensors,
		Policy: session.Policy{
			AutoSubmitOnExpiry: cfg.Policy.AutoSubmitOnExpiry,
			DisallowedURLFatal: cfg.Policy.DisallowedURLFatal,
			Thresholds: clock.Thresholds{
				Warning:  time.Duration(cfg.Policy.WarningSeconds) * time.Second,
				Critical: time.Duration(cfg.Policy.CriticalSeconds) * time.Second,
			},
			Tick:          cfg.Tick(),
			SubmitTimeout: cfg.BackendTimeout(),
		},
		Runner: crash,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	d.bridge.Attach(d.sess)

	events, _ := d.sess.Subscribe()
	crash.Go("metrics", func() { d.metrics.Follow(events) })
	crash.Go("location-failures", func() { d.trackLocationFailures(ctx) })

	checker.RegisterFunc("backend", false, health.PingCheck("backend", d.client.Health))
	checker.RegisterFunc("journal", true, health.IntegrityCheck(func() bool {
		return d.journal != nil && d.journal.IntegrityOK()
	}))
	checker.RegisterFunc("bridge", false, health.ConnectionCheck(d.bridge.Clients))
	checker.SetReady(true)
	return d, nil
}

// resendPending retries submissions a previous run journaled but could not
// deliver.
func (d *daemon) resendPending(ctx context.Context, studentID string) {
	if d.journal == nil {
		return
	}
	pending, err := d.journal.ListUndelivered(ctx)
	if err != nil {
		d.logger.Warn("list undelivered submissions failed", "error", err)
		return
	}
	for _, sub := range pending {
		if sub.StudentID != studentID {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.BackendTimeout())
		_, err := d.client.Submit(sendCtx, backend.SubmitRequest{
			EvaluationID: sub.EvaluationID,
			StudentID:    sub.StudentID,
			Answers:      sub.Answers,
		})
		cancel()
		if rerr := d.journal.RecordDeliveryAttempt(ctx, sub.ID, time.Now(), err); rerr != nil {
			d.logger.Warn("record delivery attempt failed", "error", rerr)
		}
		if err != nil {
			d.logger.Warn("pending submission still not delivered",
				"submission_id", sub.ID, "evaluation_id", sub.EvaluationID, "error", err)
			continue
		}
		d.logger.Info("pending submission delivered", "submission_id", sub.ID, "evaluation_id", sub.EvaluationID)
	}
}

func (d *daemon) trackLocationFailures(ctx context.Context) {
	loc, ok := d.sensors.Get("location").(*sensor.Location)
	if !ok {
		return
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.metrics.LocationFailures.Set(int64(loc.Failures()))
		}
	}
}

// exitWhenDone cancels the run once the attempt ended and nothing is left
// to deliver. An undelivered submission keeps the daemon up for resends.
func (d *daemon) exitWhenDone(ctx context.Context, cancel context.CancelFunc, grace time.Duration) {
	events, unsubscribe := d.sess.Subscribe()
	defer unsubscribe()
	for !d.sess.Phase().Terminal() {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
		}
	}

	ticker := time.NewTicker(grace)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap := d.sess.Snapshot()
		if snap.Phase == session.Submitted && !snap.Delivered {
			d.logger.Warn("submission not delivered, staying up for resend", "submission_id", snap.SubmissionID)
			continue
		}
		d.logger.Info("attempt ended", "phase", snap.Phase.String(), "reason", snap.EndReason)
		cancel()
		return
	}
}

func (d *daemon) close() {
	if d.sess != nil {
		d.sess.Close()
	}
	if d.rep != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.rep.Close(ctx); err != nil {
			d.logger.Warn("reporter closed with pending reports", "error", err)
		}
		cancel()
		sent, failed := d.rep.Stats()
		d.logger.Info("reports delivered", "sent", sent, "failed", failed)
	}
	if c, ok := d.locator.(io.Closer); ok {
		c.Close()
	}
	if d.journal != nil {
		d.journal.Close()
	}
}

// watchConfig hot-applies the log level. Session-governing settings are
// fixed for the attempt and only take effect on the next run.
func watchConfig(loader *config.Loader, logger *logging.Logger) {
	loader.OnChange(func(c *config.Config) {
		level, err := logging.ParseLevel(c.Logging.Level)
		if err != nil {
			return
		}
		logger.SetLevel(level)
		logger.Info("configuration reloaded", "log_level", c.Logging.Level)
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
		return
	}
	go func() {
		for err := range loader.Errors() {
			logger.Warn("config reload rejected", "error", err)
		}
	}()
}
