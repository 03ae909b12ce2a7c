package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/kingrea/employee/internal/activity"
	"github.com/kingrea/employee/internal/capability"
	"github.com/kingrea/employee/internal/classify"
	"github.com/kingrea/employee/internal/config"
	"github.com/kingrea/employee/internal/contacts"
	"github.com/kingrea/employee/internal/dispatch"
	"github.com/kingrea/employee/internal/inbox"
	"github.com/kingrea/employee/internal/ledger"
	"github.com/kingrea/employee/internal/logging"
	"github.com/kingrea/employee/internal/pipeline"
	"github.com/kingrea/employee/internal/router"
	"github.com/kingrea/employee/internal/rules"
	"github.com/kingrea/employee/internal/store"
	"github.com/kingrea/employee/internal/telemetry"
)

// runtime holds every component of one project, wired the same way for
// each command.
type runtime struct {
	cfg        *config.Config
	logger     *logging.Logger
	telemetry  *telemetry.Provider
	store      *store.Store
	activity   *activity.Log
	contacts   *contacts.Registry
	inbox      *inbox.Dir
	ledger     *ledger.Ledger
	classifier *classify.Classifier
	packs      []rules.PackFile
	router     *router.Router
	registry   *capability.Registry
	dispatcher *dispatch.Dispatcher
	pipeline   *pipeline.Pipeline
}

func cycleStatePath(cfg *config.Config) string {
	return filepath.Join(cfg.StateDir(), "last-cycle.json")
}

func openRuntime(projectDir string) (*runtime, error) {
	if err := config.InitDir(projectDir); err != nil {
		return nil, fmt.Errorf("init %s: %w", config.Dir, err)
	}
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close()
		}
	}()

	if rt.logger, err = logging.New(cfg.ProjectDir); err != nil {
		return nil, err
	}
	rt.telemetry = telemetry.Setup(cfg.Project.Telemetry.Enabled)
	inst := telemetry.Default()

	if rt.store, err = store.Open(cfg.StoreDir()); err != nil {
		return nil, err
	}
	if rt.activity, err = activity.New(cfg.ActivityDir()); err != nil {
		return nil, err
	}
	if rt.contacts, err = contacts.Open(cfg.ContactsPath()); err != nil {
		return nil, err
	}
	if rt.inbox, err = inbox.Open(cfg.InboxDir()); err != nil {
		return nil, err
	}
	if rt.ledger, err = ledger.Open(cfg.LedgerPath()); err != nil {
		return nil, err
	}

	base := classify.Config{
		ActionThreshold: cfg.Project.Classifier.ActionThreshold,
		EmailThreshold:  cfg.Project.Classifier.EmailThreshold,
	}
	if rt.classifier, rt.packs, err = rules.Classifier(base, cfg.RulesDir()); err != nil {
		return nil, err
	}

	rt.router = router.New(rt.store, rt.activity,
		router.WithLogger(rt.logger.With("component", "router")),
		router.WithMaxAttempts(cfg.Project.Dispatch.MaxAttempts),
		router.WithClaimTTL(cfg.Project.Dispatch.ClaimTTL),
		router.WithInstruments(inst),
	)
	if rt.registry, _, err = capability.FromConfig(cfg); err != nil {
		return nil, err
	}
	rt.dispatcher = dispatch.New(rt.router, rt.store, rt.registry,
		dispatch.WithContacts(rt.contacts),
		dispatch.WithLogger(rt.logger.With("component", "dispatch")),
		dispatch.WithInstruments(inst),
	)
	rt.pipeline, err = pipeline.New(pipeline.Components{
		Inbox:      rt.inbox,
		Ledger:     rt.ledger,
		Store:      rt.store,
		Classifier: rt.classifier,
		Contacts:   rt.contacts,
		Router:     rt.router,
		Dispatcher: rt.dispatcher,
		Activity:   rt.activity,
	},
		pipeline.WithLogger(rt.logger.With("component", "pipeline")),
		pipeline.WithCycleState(cycleStatePath(cfg)),
		pipeline.WithInstruments(inst),
	)
	if err != nil {
		return nil, err
	}
	ok = true
	return rt, nil
}

// Close flushes telemetry into the operator log and releases file handles.
func (rt *runtime) Close() error {
	if rt == nil {
		return nil
	}
	var errs []error
	if rt.telemetry.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if counters, err := rt.telemetry.Counters(ctx); err == nil {
			for _, c := range counters {
				rt.logger.Printf("metric %s{%s} = %d", c.Name, c.Attributes, c.Value)
			}
		}
		errs = append(errs, rt.telemetry.Shutdown(ctx))
	}
	if rt.ledger != nil {
		errs = append(errs, rt.ledger.Close())
	}
	errs = append(errs, rt.logger.Close())
	return errors.Join(errs...)
}
