// Package monitor watches card readers and turns insertions and removals
// into published events.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cardreader/internal/card/apdu"
	"cardreader/internal/card/decoder"
	"cardreader/internal/card/models"
	"cardreader/internal/card/transport"
	"cardreader/internal/card/validation"
	"cardreader/internal/events"
	"cardreader/internal/monitor/metrics"
	dErrors "cardreader/pkg/domain-errors"
	audit "cardreader/pkg/platform/audit"
	"cardreader/pkg/platform/privacy"
)

const (
	OutcomeOK                 = "ok"
	OutcomeConnectFailed      = "connect_failed"
	OutcomeReadFailed         = "read_failed"
	OutcomeDecodeFailed       = "decode_failed"
	OutcomeValidationRejected = "validation_rejected"
	OutcomeTransformFailed    = "transform_failed"
)

// Transformer renders a decoded record into output fields.
type Transformer interface {
	Transform(rec *models.ThaiIDRecord) (models.OutputRecord, error)
}

// AuditEmitter records audit events.
type AuditEmitter interface {
	Emit(ctx context.Context, event audit.Event) error
}

type Config struct {
	Session           apdu.Config
	Fields            []models.FieldSpec
	Photo             *models.PhotoSpec
	StrictDecoding    bool
	ConnectAttempts   int
	ConnectRetryDelay time.Duration
	SettleDelay       time.Duration
	PollTimeout       time.Duration
	ReconnectBackoff  time.Duration
}

// State is a reader's position in the card lifecycle.
type State int

const (
	StateIdle State = iota
	StatePresent
)

func (s State) String() string {
	if s == StatePresent {
		return "present"
	}
	return "idle"
}

// reader is the tracked state of one slot. card, sessionID and generation
// are only meaningful in StatePresent; card is nil when the read failed.
type reader struct {
	name       string
	state      State
	card       transport.Card
	sessionID  string
	generation uint32
	since      time.Time
}

// ReaderInfo is a read-only view for health reporting.
type ReaderInfo struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	Since     time.Time `json:"since"`
}

// Monitor owns the transport and every card handle it opens. All card work
// happens on the Run goroutine.
type Monitor struct {
	cfg       Config
	factory   transport.Factory
	pipeline  Transformer
	publisher events.Publisher
	decoder   *decoder.Decoder
	logger    *slog.Logger
	metrics   *metrics.Metrics
	audit     AuditEmitter
	tracer    trace.Tracer
	sleep     func(context.Context, time.Duration) error

	mu        sync.RWMutex
	readers   map[string]*reader
	connected bool
}

type Option func(*Monitor)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = mt
	}
}

func WithAudit(a AuditEmitter) Option {
	return func(m *Monitor) {
		m.audit = a
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(m *Monitor) {
		m.tracer = t
	}
}

func New(cfg Config, factory transport.Factory, pipeline Transformer, publisher events.Publisher, opts ...Option) (*Monitor, error) {
	if factory == nil {
		return nil, errors.New("transport factory is required")
	}
	if pipeline == nil {
		return nil, errors.New("output pipeline is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if cfg.ConnectAttempts < 1 {
		cfg.ConnectAttempts = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 2 * time.Second
	}

	var required []string
	for _, f := range cfg.Fields {
		if f.Required {
			required = append(required, f.Name)
		}
	}
	if cfg.Photo != nil && cfg.Photo.Required {
		required = append(required, models.FieldPhoto)
	}

	m := &Monitor{
		cfg:       cfg,
		factory:   factory,
		pipeline:  pipeline,
		publisher: publisher,
		decoder:   decoder.New(cfg.StrictDecoding, required...),
		logger:    slog.Default(),
		tracer:    otel.Tracer("cardreader/internal/monitor"),
		sleep:     sleepCtx,
		readers:   make(map[string]*reader),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Run watches readers until ctx ends. Transport failures are logged, every
// present card is reported removed, and the transport is re-established
// after a backoff. Run never returns an error for transport trouble.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "card monitor started")
	defer m.logger.InfoContext(ctx, "card monitor stopped")

	for ctx.Err() == nil {
		t, err := m.factory()
		if err != nil {
			m.metrics.IncrementTransportErrors()
			m.logger.WarnContext(ctx, "reader transport unavailable",
				"error", dErrors.Wrap(err, dErrors.CodeTransport, "establish transport"),
				"retry_in", m.cfg.ReconnectBackoff,
			)
			_ = m.sleep(ctx, m.cfg.ReconnectBackoff)
			continue
		}
		m.setConnected(true)

		err = m.watch(ctx, t)

		m.removeAll(context.WithoutCancel(ctx))
		if rerr := t.Release(); rerr != nil {
			m.logger.DebugContext(ctx, "release transport", "error", rerr)
		}
		m.setConnected(false)

		if ctx.Err() != nil {
			return nil
		}
		m.metrics.IncrementTransportErrors()
		m.logger.WarnContext(ctx, "reader transport failed, reconnecting",
			"error", dErrors.Wrap(err, dErrors.CodeTransport, "watch readers"),
			"retry_in", m.cfg.ReconnectBackoff,
		)
		_ = m.sleep(ctx, m.cfg.ReconnectBackoff)
	}
	return nil
}

func (m *Monitor) watch(ctx context.Context, t transport.Transport) error {
	var (
		known []transport.ReaderStatus
		err   error
	)
	for {
		known, err = m.discover(ctx, t, known)
		if err != nil {
			return err
		}
		statuses, err := t.WaitForChange(ctx, known, m.cfg.PollTimeout)
		switch {
		case err == nil:
			m.apply(ctx, t, statuses)
			known = statuses
		case errors.Is(err, transport.ErrTimeout):
		case errors.Is(err, transport.ErrNoReaders):
			m.apply(ctx, t, nil)
			known = nil
			if serr := m.sleep(ctx, m.cfg.PollTimeout); serr != nil {
				return serr
			}
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, transport.ErrCancelled):
		default:
			return err
		}
	}
}

// discover appends attached readers missing from known with a zero
// EventCount, so the next wait reports their current state.
func (m *Monitor) discover(ctx context.Context, t transport.Transport, known []transport.ReaderStatus) ([]transport.ReaderStatus, error) {
	names, err := t.ListReaders(ctx)
	switch {
	case errors.Is(err, transport.ErrNoReaders):
		return known, nil
	case err != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	for _, name := range names {
		if !slices.ContainsFunc(known, func(k transport.ReaderStatus) bool { return k.Name == name }) {
			known = append(known, transport.ReaderStatus{Name: name})
		}
	}
	return known, nil
}

// apply reconciles tracked readers with the latest statuses. A reader that
// disappeared while holding a card counts as a removal.
func (m *Monitor) apply(ctx context.Context, t transport.Transport, statuses []transport.ReaderStatus) {
	seen := make(map[string]bool, len(statuses))
	slices.SortFunc(statuses, func(a, b transport.ReaderStatus) int {
		return strings.Compare(a.Name, b.Name)
	})
	for _, st := range statuses {
		seen[st.Name] = true
		r := m.lookup(st.Name)
		switch {
		case st.Present && r.state == StatePresent && swapped(r, st):
			m.logger.InfoContext(ctx, "card replaced", "reader", r.name, "session_id", r.sessionID)
			m.remove(ctx, r)
			m.insert(ctx, t, r, st.Generation)
		case st.Present && r.state == StateIdle:
			m.insert(ctx, t, r, st.Generation)
		case !st.Present && r.state == StatePresent:
			m.remove(ctx, r)
		}
	}

	m.mu.RLock()
	var gone []*reader
	for name, r := range m.readers {
		if !seen[name] {
			gone = append(gone, r)
		}
	}
	m.mu.RUnlock()
	for _, r := range gone {
		if r.state == StatePresent {
			m.remove(ctx, r)
		}
		m.mu.Lock()
		delete(m.readers, r.name)
		m.mu.Unlock()
	}
}

// swapped reports a card removed and another inserted between two waits.
func swapped(r *reader, st transport.ReaderStatus) bool {
	return r.generation != 0 && st.Generation != 0 && r.generation != st.Generation
}

func (m *Monitor) lookup(name string) *reader {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.readers[name]
	if !ok {
		r = &reader{name: name, state: StateIdle, since: time.Now()}
		m.readers[name] = r
		m.logger.Info("reader attached", "reader", name)
	}
	return r
}

// insert moves r to Present before reading, so a removal is published for
// every insertion even when the read fails.
func (m *Monitor) insert(ctx context.Context, t transport.Transport, r *reader, generation uint32) {
	start := time.Now()
	sessionID := uuid.NewString()
	m.transition(r, StatePresent, sessionID, nil)
	m.mu.Lock()
	r.generation = generation
	m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "card.session", trace.WithAttributes(
		attribute.String("reader", r.name),
		attribute.String("session_id", sessionID),
	))
	defer span.End()

	log := m.logger.With("reader", r.name, "session_id", sessionID)
	log.InfoContext(ctx, "card inserted")

	outcome, err := m.readCard(ctx, t, r, log)
	span.SetAttributes(attribute.String("outcome", outcome))
	m.metrics.ObserveRead(outcome, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		log.WarnContext(ctx, "card read failed", "outcome", outcome, "error", err)
		ev := audit.NewEvent(audit.EventCardReadFailed, r.name)
		ev.SessionID = sessionID
		ev.Reason = outcome
		m.emit(ctx, ev)
	}
}

func (m *Monitor) readCard(ctx context.Context, t transport.Transport, r *reader, log *slog.Logger) (string, error) {
	if err := m.sleep(ctx, m.cfg.SettleDelay); err != nil {
		return OutcomeConnectFailed, err
	}
	card, err := m.connect(ctx, t, r.name)
	if err != nil {
		return OutcomeConnectFailed, err
	}
	m.transition(r, StatePresent, r.sessionID, card)

	sess := apdu.Open(card, m.cfg.Session, log)
	raw, err := sess.ReadAll(ctx, m.cfg.Fields, m.cfg.Photo)
	sess.Close()
	if err != nil {
		return OutcomeReadFailed, err
	}

	rec, err := m.decoder.Decode(raw)
	if err != nil {
		return OutcomeDecodeFailed, err
	}

	result := validation.Validate(rec)
	for _, f := range result.Findings {
		log.WarnContext(ctx, "record validation finding", "field", f.Field, "class", string(f.Class), "message", f.Message)
		ev := audit.NewEvent(audit.EventValidationFailure, r.name)
		ev.SessionID = r.sessionID
		ev.Reason = f.String()
		m.emit(ctx, ev)
	}
	if result.Blocking() {
		ev := audit.NewEvent(audit.EventPayloadSuppressed, r.name)
		ev.SessionID = r.sessionID
		ev.SubjectIDHash = privacy.HashIdentifier(rec.CitizenID)
		m.emit(ctx, ev)
		return OutcomeValidationRejected, dErrors.New(dErrors.CodeValidation, "record failed security validation")
	}

	fields, err := m.pipeline.Transform(rec)
	if err != nil {
		return OutcomeTransformFailed, err
	}

	if err := m.publisher.Publish(ctx, models.NewInserted(r.name, r.sessionID, rec, fields)); err != nil {
		m.metrics.IncrementPublishErrors()
		log.WarnContext(ctx, "publish card inserted", "error", err)
	}
	log.InfoContext(ctx, "card read", "citizen_id", privacy.MaskCitizenID(rec.CitizenID), "fields", len(fields))

	ev := audit.NewEvent(audit.EventCardRead, r.name)
	ev.SessionID = r.sessionID
	ev.SubjectIDHash = privacy.HashIdentifier(rec.CitizenID)
	m.emit(ctx, ev)
	return OutcomeOK, nil
}

func (m *Monitor) connect(ctx context.Context, t transport.Transport, name string) (transport.Card, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.ConnectAttempts; attempt++ {
		card, err := t.Connect(ctx, name)
		if err == nil {
			return card, nil
		}
		lastErr = err
		if errors.Is(err, transport.ErrCardRemoved) || attempt == m.cfg.ConnectAttempts {
			break
		}
		m.logger.DebugContext(ctx, "connect failed, retrying", "reader", name, "attempt", attempt, "error", err)
		if serr := m.sleep(ctx, m.cfg.ConnectRetryDelay); serr != nil {
			return nil, serr
		}
	}
	return nil, dErrors.Wrap(lastErr, dErrors.CodeTransport, "connect to card")
}

// remove publishes CardRemoved unconditionally and returns r to Idle.
func (m *Monitor) remove(ctx context.Context, r *reader) {
	m.mu.RLock()
	card, sessionID := r.card, r.sessionID
	m.mu.RUnlock()

	if card != nil {
		if err := card.Disconnect(); err != nil {
			m.logger.DebugContext(ctx, "disconnect card", "reader", r.name, "error", err)
		}
	}
	m.transition(r, StateIdle, "", nil)

	if err := m.publisher.Publish(ctx, models.NewRemoved(r.name, sessionID)); err != nil {
		m.metrics.IncrementPublishErrors()
		m.logger.WarnContext(ctx, "publish card removed", "reader", r.name, "error", err)
	}
	m.logger.InfoContext(ctx, "card removed", "reader", r.name, "session_id", sessionID)

	ev := audit.NewEvent(audit.EventCardRemoved, r.name)
	ev.SessionID = sessionID
	m.emit(ctx, ev)
}

func (m *Monitor) removeAll(ctx context.Context) {
	m.mu.RLock()
	var present []*reader
	for _, r := range m.readers {
		if r.state == StatePresent {
			present = append(present, r)
		}
	}
	m.mu.RUnlock()
	for _, r := range present {
		m.remove(ctx, r)
	}
	m.mu.Lock()
	clear(m.readers)
	m.mu.Unlock()
}

func (m *Monitor) transition(r *reader, state State, sessionID string, card transport.Card) {
	m.mu.Lock()
	if r.state != state {
		r.since = time.Now()
	}
	r.state = state
	r.sessionID = sessionID
	r.card = card
	n := 0
	for _, rr := range m.readers {
		if rr.state == StatePresent {
			n++
		}
	}
	m.mu.Unlock()
	m.metrics.SetCardsPresent(n)
}

// Readers returns the tracked readers sorted by name.
func (m *Monitor) Readers() []ReaderInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ReaderInfo, 0, len(m.readers))
	for _, r := range m.readers {
		out = append(out, ReaderInfo{Name: r.name, State: r.state.String(), SessionID: r.sessionID, Since: r.since})
	}
	slices.SortFunc(out, func(a, b ReaderInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Connected reports whether a transport is currently established.
func (m *Monitor) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *Monitor) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *Monitor) emit(ctx context.Context, ev audit.Event) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Emit(ctx, ev); err != nil {
		m.logger.DebugContext(ctx, "audit emit failed", "action", ev.Action, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
