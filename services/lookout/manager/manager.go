// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manager drives registered analyzers through push and review
// events.
//
// # Description
//
// On a push every stateful analyzer is trained on the head revision and its
// model is stored. On a review every analyzer is bound to its stored model
// (or an untrained placeholder) and asked for comments on the change.
//
// # Failure Policy
//
// The first analyzer error aborts the event. No partial comments are
// returned and analyzers after the failing one are not invoked.
//
// # Thread Safety
//
// Manager is safe for concurrent use. Each event runs on its caller's
// goroutine and shares no mutable state with other events.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/lookout/pkg/analyzer"
	"github.com/AleutianAI/lookout/services/lookout/api"
	"github.com/AleutianAI/lookout/services/lookout/datarequest"
	"github.com/AleutianAI/lookout/services/lookout/modelrepo"
	"github.com/AleutianAI/lookout/services/lookout/observability"
	"github.com/AleutianAI/lookout/services/lookout/telemetry"
	"github.com/AleutianAI/lookout/services/lookout/transport"
)

var tracer = otel.Tracer("lookout.manager")

// Operation names used in errors, spans and metrics.
const (
	OpTrain   = "train"
	OpAnalyze = "analyze"
	OpLoad    = "load"
	OpStore   = "store"
)

var (
	// ErrNoAnalyzers is returned by New without registrations.
	ErrNoAnalyzers = errors.New("no analyzers registered")

	// ErrDuplicateAnalyzer is returned by New when two registrations share a name.
	ErrDuplicateAnalyzer = errors.New("duplicate analyzer name")
)

// AnalyzerError reports which analyzer failed and during which step.
type AnalyzerError struct {
	// Analyzer is the ModelKey of the failing analyzer.
	Analyzer string
	Op       string
	Err      error
}

func (e *AnalyzerError) Error() string {
	return fmt.Sprintf("analyzer %s: %s: %v", e.Analyzer, e.Op, e.Err)
}

func (e *AnalyzerError) Unwrap() error {
	return e.Err
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics records event and analyzer metrics.
func WithMetrics(em *observability.EventMetrics) Option {
	return func(m *Manager) {
		m.metrics = em
	}
}

// Manager dispatches events to registered analyzers.
type Manager struct {
	analyzers []analyzer.Registration
	keys      []string
	repo      modelrepo.Repository
	pool      *transport.Pool
	version   string
	logger    *slog.Logger
	metrics   *observability.EventMetrics
}

// New creates a Manager.
//
// Description:
//
//	analyzers is the startup registry. Its order fixes invocation order, the
//	token order of the version string and the order of comments.
//
// Inputs:
//
//	analyzers - Registrations in invocation order. Names must be unique.
//	repo - Model repository, already initialized.
//	pool - Transport pool used when the event context carries no session.
//
// Outputs:
//
//	*Manager - Ready to handle events.
//	error - ErrNoAnalyzers or ErrDuplicateAnalyzer.
func New(analyzers []analyzer.Registration, repo modelrepo.Repository, pool *transport.Pool, opts ...Option) (*Manager, error) {
	if len(analyzers) == 0 {
		return nil, ErrNoAnalyzers
	}
	m := &Manager{
		analyzers: append([]analyzer.Registration(nil), analyzers...),
		repo:      repo,
		pool:      pool,
		logger:    slog.Default(),
	}
	seen := make(map[string]bool, len(analyzers))
	for _, reg := range analyzers {
		id := reg.Identity()
		if seen[id.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAnalyzer, id.Name)
		}
		seen[id.Name] = true
		m.keys = append(m.keys, analyzer.ModelKey(id))
	}
	m.version = strings.Join(m.keys, " ")

	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Version returns the space-joined ModelKeys of all registered analyzers.
func (m *Manager) Version() string {
	return m.version
}

// Analyzers returns the registrations in invocation order.
func (m *Manager) Analyzers() []analyzer.Registration {
	return append([]analyzer.Registration(nil), m.analyzers...)
}

// decodeConfigs decodes every analyzer's section before any analyzer runs.
func (m *Manager) decodeConfigs(cfg api.Configuration) ([]analyzer.Configuration, error) {
	out := make([]analyzer.Configuration, len(m.analyzers))
	for i, reg := range m.analyzers {
		c, err := ConfigFor(cfg, reg.Identity().Name)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// startEvent opens the event span, logger and transport session.
func (m *Manager) startEvent(ctx context.Context, spanName, kind, internalID string) (context.Context, *eventScope) {
	eventID := uuid.NewString()
	ctx, span := tracer.Start(ctx, spanName,
		trace.WithAttributes(
			attribute.String("event.id", eventID),
			attribute.String("event.kind", kind),
			attribute.String("event.internal_id", internalID),
		),
	)
	session, release := transport.Acquire(ctx, m.pool)
	return ctx, &eventScope{
		kind:    kind,
		start:   time.Now(),
		span:    span,
		session: session,
		release: release,
		done:    m.metrics.TrackInFlight(),
		logger: telemetry.LoggerWithTrace(ctx, m.logger).With(
			slog.String("event_id", eventID),
			slog.String("event", kind),
		),
	}
}

type eventScope struct {
	kind    string
	start   time.Time
	span    trace.Span
	session *transport.Session
	release func()
	done    func()
	logger  *slog.Logger
}

func (m *Manager) finishEvent(e *eventScope, err error) {
	d := time.Since(e.start)
	m.metrics.RecordEvent(e.kind, d, err)
	telemetry.RecordError(e.span, err)
	if err != nil {
		e.logger.Error("event failed", "duration", d, "error", err)
	} else {
		e.logger.Info("event processed", "duration", d)
	}
	e.release()
	e.done()
	e.span.End()
}

// call runs one analyzer step inside its own span and metrics.
func (m *Manager) call(ctx context.Context, key, op string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "Analyzer."+op,
		trace.WithAttributes(
			attribute.String("analyzer", key),
			attribute.String("analyzer.op", op),
		),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	m.metrics.RecordAnalyzerCall(key, op, time.Since(start), err)
	if err != nil {
		err = &AnalyzerError{Analyzer: key, Op: op, Err: err}
		telemetry.RecordError(span, err)
	}
	return err
}

// HandlePush trains every stateful analyzer on the pushed head revision.
//
// Description:
//
//	Decodes all configuration sections, then for each stateful analyzer in
//	registration order trains a model and stores it under
//	(ModelKey, head URL). Stateless analyzers are skipped entirely.
//
// Inputs:
//
//	ctx - Carries the worker's transport session, if any.
//	ev - The push event.
//
// Outputs:
//
//	*api.EventResponse - Version set, no comments.
//	error - ErrMalformedConfiguration or *AnalyzerError.
func (m *Manager) HandlePush(ctx context.Context, ev *api.PushEvent) (resp *api.EventResponse, err error) {
	ctx, scope := m.startEvent(ctx, "Manager.HandlePush", "push", ev.InternalID)
	defer func() { m.finishEvent(scope, err) }()

	configs, err := m.decodeConfigs(ev.Configuration)
	if err != nil {
		return nil, err
	}
	head := analyzer.PointerFromAPI(ev.CommitRevision.Head)
	scope.logger.Info("push received", "url", head.URL, "commit", head.Commit)

	for i, reg := range m.analyzers {
		key := m.keys[i]
		if reg.Stateless() {
			scope.logger.Debug("skipping stateless analyzer", "analyzer", key)
			continue
		}

		req := analyzer.TrainRequest{Pointer: head, Config: configs[i], Transport: scope.session}
		var model *analyzer.Model
		err = m.call(ctx, key, OpTrain, func(ctx context.Context) error {
			if err := datarequest.PrepareTrain(ctx, reg, &req); err != nil {
				return err
			}
			trained, err := reg.Train(ctx, req)
			if err != nil {
				return err
			}
			if trained == nil {
				return errors.New("train returned no model")
			}
			model = trained
			return nil
		})
		if err != nil {
			return nil, err
		}

		err = m.call(ctx, key, OpStore, func(ctx context.Context) error {
			return m.repo.Set(ctx, key, head.URL, model)
		})
		if err != nil {
			return nil, err
		}
		scope.logger.Info("model trained", "analyzer", key, "model", model.Describe())
	}

	return &api.EventResponse{AnalyzerVersion: m.version}, nil
}

// HandleReview collects comments from every analyzer for a change.
//
// Description:
//
//	Decodes all configuration sections, then for each analyzer in
//	registration order loads the model stored for the base URL (falling
//	back to an untrained model of the base revision), binds the analyzer
//	to the head URL and analyzes base..head. Comments are concatenated in
//	registration order.
//
// Inputs:
//
//	ctx - Carries the worker's transport session, if any.
//	ev - The review event.
//
// Outputs:
//
//	*api.EventResponse - Version and comments.
//	error - ErrMalformedConfiguration or *AnalyzerError.
func (m *Manager) HandleReview(ctx context.Context, ev *api.ReviewEvent) (resp *api.EventResponse, err error) {
	ctx, scope := m.startEvent(ctx, "Manager.HandleReview", "review", ev.InternalID)
	defer func() { m.finishEvent(scope, err) }()

	configs, err := m.decodeConfigs(ev.Configuration)
	if err != nil {
		return nil, err
	}
	base := analyzer.PointerFromAPI(ev.CommitRevision.Base)
	head := analyzer.PointerFromAPI(ev.CommitRevision.Head)
	scope.logger.Info("review received", "url", head.URL, "base", base.Commit, "head", head.Commit)

	var comments []*api.Comment
	for i, reg := range m.analyzers {
		key := m.keys[i]

		var model *analyzer.Model
		err = m.call(ctx, key, OpLoad, func(ctx context.Context) error {
			stored, found, err := m.repo.Get(ctx, key, reg, base.URL)
			if err != nil {
				return err
			}
			if !found {
				scope.logger.Debug("no stored model", "analyzer", key, "url", base.URL)
				stored = analyzer.ConstructModel(reg, base)
			}
			model = stored
			return nil
		})
		if err != nil {
			return nil, err
		}

		var produced []*api.Comment
		err = m.call(ctx, key, OpAnalyze, func(ctx context.Context) error {
			a, err := reg.New(model, head.URL, configs[i])
			if err != nil {
				return err
			}
			req := analyzer.AnalyzeRequest{Base: base, Head: head, Transport: scope.session}
			if err := datarequest.PrepareAnalyze(ctx, reg, &req); err != nil {
				return err
			}
			produced, err = a.Analyze(ctx, req)
			return err
		})
		if err != nil {
			return nil, err
		}
		m.metrics.RecordComments(key, len(produced))
		comments = append(comments, produced...)
	}

	return &api.EventResponse{AnalyzerVersion: m.version, Comments: comments}, nil
}
