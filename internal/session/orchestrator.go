package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/erg0nix/parley/internal/backend"
	"github.com/erg0nix/parley/internal/budget"
	"github.com/erg0nix/parley/internal/clock"
	"github.com/erg0nix/parley/internal/config"
	"github.com/erg0nix/parley/internal/conversation"
	"github.com/erg0nix/parley/internal/core"
	"github.com/erg0nix/parley/internal/guard"
	"github.com/erg0nix/parley/internal/metrics"
	"github.com/erg0nix/parley/internal/notify"
	"github.com/erg0nix/parley/internal/reclaim"
	"github.com/erg0nix/parley/internal/turnerr"
)

var (
	ErrClosed       = errors.New("orchestrator closed")
	ErrEmptyMessage = errors.New("message is empty")
	ErrBusy         = errors.New("a generation is in progress")
)

const (
	defaultFirstTokenTimeout = 30 * time.Second
	loadTimeout              = 2 * time.Minute
	commandBuffer            = 64
)

// Router selects the backend for the next turn.
type Router interface {
	Route() (backend.Backend, error)
	All() []backend.Backend
}

type Options struct {
	Router     Router
	Settings   config.Store
	Sink       *notify.Sink
	Estimator  budget.Estimator
	Clock      clock.Clock
	Transcript *conversation.Transcript
	Metrics    metrics.Recorder
	Logger     *slog.Logger
	// LoadObserver is told whenever a backend is loaded or unloaded.
	LoadObserver func(backendName string, loaded bool)
}

// Orchestrator owns one conversation and at most one live generation.
// All state is confined to the goroutine started by New; public methods
// enqueue closures onto it.
type Orchestrator struct {
	router     Router
	settings   config.Store
	sink       *notify.Sink
	estimator  budget.Estimator
	clock      clock.Clock
	transcript *conversation.Transcript
	metrics    metrics.Recorder
	logger     *slog.Logger
	onLoad     func(string, bool)
	reclaimer  *reclaim.Reclaimer

	commands  chan func()
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancelCtx context.CancelFunc

	store   *conversation.Store
	state   State
	session *activeSession
}

type activeSession struct {
	turnID       core.TurnID
	backend      backend.Backend
	userText     string
	userTokens   int
	userAppended bool
	stream       <-chan backend.Chunk
	cancel       context.CancelFunc
	cancelFlag   bool
	guard        *guard.Guard
	watchdog     *clock.Timer
	firstToken   bool
	tokens       int
	started      time.Time
	err          *turnerr.Error
}

func (s *activeSession) watchdogC() <-chan time.Time {
	if s.watchdog == nil {
		return nil
	}
	return s.watchdog.C
}

func New(opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Estimator == nil {
		opts.Estimator = budget.Heuristic{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = notify.NewSink()
	}
	if opts.LoadObserver == nil {
		opts.LoadObserver = func(string, bool) {}
	}

	settings := opts.Settings.Settings()
	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		router:     opts.Router,
		settings:   opts.Settings,
		sink:       opts.Sink,
		estimator:  opts.Estimator,
		clock:      opts.Clock,
		transcript: opts.Transcript,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		onLoad:     opts.LoadObserver,
		commands:   make(chan func(), commandBuffer),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
		ctx:        ctx,
		cancelCtx:  cancel,
		store:      conversation.NewStore(settings.SystemPrompt),
		state:      StateIdle,
	}

	o.reclaimer = reclaim.New(
		opts.Clock,
		opts.Settings.InactivityTimeout(),
		opts.Settings.InactivityEnabled(),
		o,
		o.post,
		opts.Logger,
	)

	go o.run()

	return o
}

func (o *Orchestrator) Sink() *notify.Sink {
	return o.sink
}

// InitializeConversation replaces the conversation with a fresh one seeded by systemText.
// An active turn is cancelled first.
func (o *Orchestrator) InitializeConversation(systemText string) error {
	return o.call(func() {
		o.cancelActive()
		o.store = conversation.NewStore(systemText)
		o.logger.Info("conversation initialized", "system_chars", len(systemText))
	})
}

// Restore appends previously committed messages, then applies the retention limit.
func (o *Orchestrator) Restore(history []core.Message) error {
	var err error
	callErr := o.call(func() {
		if o.session != nil {
			err = ErrBusy
			return
		}
		for _, msg := range history {
			o.store.Append(msg)
		}
		dropped := o.store.Truncate(o.settings.Retention().MaxMessages)
		o.logger.Info("conversation restored", "messages", len(history), "dropped", dropped)
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// SendTurn starts a turn and returns without waiting for it. Results arrive on the sink.
func (o *Orchestrator) SendTurn(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	if !o.post(func() { o.startTurn(text) }) {
		return ErrClosed
	}

	return nil
}

// CancelActiveTurn stops the live generation, if any. Partial output is kept.
func (o *Orchestrator) CancelActiveTurn() {
	o.post(o.cancelActive)
}

// ClearConversation cancels any live turn and drops everything but the System message.
func (o *Orchestrator) ClearConversation() error {
	return o.call(func() {
		o.cancelActive()
		o.store.Reset()

		if o.transcript != nil {
			if err := o.transcript.Reset(); err != nil {
				o.logger.Warn("failed to reset transcript", "error", err)
			}
		}

		if b, err := o.router.Route(); err == nil && b.Loaded() {
			if err := b.ResetContext(o.ctx); err != nil {
				o.logger.Warn("failed to reset backend context", "backend", b.Name(), "error", err)
			}
			o.publishUsage(b)
		}

		o.sink.Text.Publish(notify.TextEvent{Kind: notify.TextNotice, Text: "conversation cleared"})
	})
}

// SetSystemPrompt replaces the System message in place. It is refused while a turn is live.
func (o *Orchestrator) SetSystemPrompt(text string) error {
	var err error
	callErr := o.call(func() {
		if o.session != nil {
			err = ErrBusy
			return
		}
		o.store.ReplaceSystemMessage(text)
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// UpdateWindowSize persists n; the next turn budgets and loads with it.
func (o *Orchestrator) UpdateWindowSize(n int) error {
	if err := o.settings.SetWindowSize(n); err != nil {
		return err
	}
	o.logger.Info("window size updated", "window_size", n)
	return nil
}

func (o *Orchestrator) UpdateRetentionPolicy(maxMessages, evictKeep int) error {
	return o.settings.SetRetention(config.RetentionConfig{MaxMessages: maxMessages, EvictKeep: evictKeep})
}

func (o *Orchestrator) UpdateInactivityTimeout(seconds int) error {
	d := time.Duration(seconds) * time.Second
	if err := o.settings.SetInactivityTimeout(d); err != nil {
		return err
	}
	o.reclaimer.SetTimeout(d)
	return nil
}

func (o *Orchestrator) SetInactivityEnabled(enabled bool) error {
	if err := o.settings.SetInactivityEnabled(enabled); err != nil {
		return err
	}
	o.reclaimer.SetEnabled(enabled)
	return nil
}

// Snapshot returns a copy of the conversation.
func (o *Orchestrator) Snapshot() ([]core.Message, error) {
	var snapshot []core.Message
	err := o.call(func() { snapshot = o.store.Snapshot() })
	return snapshot, err
}

func (o *Orchestrator) State() (State, error) {
	var state State
	err := o.call(func() { state = o.state })
	return state, err
}

// Close cancels any live turn and stops the owner goroutine. Backends stay loaded.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.quit)
		<-o.stopped
		o.reclaimer.Cancel()
		o.cancelCtx()
	})
}

// Busy implements reclaim.Target. It runs on the owner goroutine.
func (o *Orchestrator) Busy() bool {
	return o.session != nil
}

// Reclaim implements reclaim.Target: every loaded backend is unloaded once.
func (o *Orchestrator) Reclaim(ctx context.Context) error {
	var errs []error

	for _, b := range o.router.All() {
		if !b.Loaded() {
			continue
		}

		if err := b.Unload(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unload %s: %w", b.Name(), err))
			continue
		}

		o.onLoad(b.Name(), false)
		o.metrics.IncUnload(b.Name())
		o.sink.Unloaded.Publish(notify.UnloadEvent{
			Backend: b.Name(),
			Idle:    o.settings.InactivityTimeout(),
			At:      o.clock.Now(),
		})
	}

	return errors.Join(errs...)
}

func (o *Orchestrator) post(fn func()) bool {
	select {
	case <-o.quit:
		return false
	default:
	}

	select {
	case o.commands <- fn:
		return true
	case <-o.quit:
		return false
	}
}

func (o *Orchestrator) call(fn func()) error {
	done := make(chan struct{})

	if !o.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}

	select {
	case <-done:
		return nil
	case <-o.stopped:
		return ErrClosed
	}
}

func (o *Orchestrator) run() {
	defer close(o.stopped)

	for {
		if s := o.session; s != nil && o.state == StateStreaming {
			select {
			case chunk, ok := <-s.stream:
				o.step(func() { o.handleChunk(chunk, ok) })
			case <-s.watchdogC():
				o.step(o.handleFirstTokenTimeout)
			case fn := <-o.commands:
				o.step(fn)
			case <-o.quit:
				o.step(o.cancelActive)
				return
			}
			continue
		}

		select {
		case fn := <-o.commands:
			o.step(fn)
		case <-o.quit:
			return
		}
	}
}

// step runs fn on the owner goroutine. A panic fails the live turn through the
// normal cleanup path instead of leaving the session stuck.
func (o *Orchestrator) step(fn func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		o.logger.Error("orchestrator panic", "panic", r, "stack", string(debug.Stack()))

		if s := o.session; s != nil {
			s.err = turnerr.New(turnerr.KindUnknown, fmt.Sprintf("internal error: %v", r))
			o.abort()
		}
	}()

	fn()
}

func (o *Orchestrator) startTurn(text string) {
	next, effects := Transition(o.state, Input{Event: EventStart})

	if len(effects) > 0 && effects[0] == EffectRejectBusy {
		o.metrics.IncRejectedBusy()
		o.logger.Warn("turn rejected", "kind", turnerr.KindAlreadyGenerating, "state", o.state)
		return
	}

	o.state = next
	o.session = &activeSession{
		turnID:   core.NewTurnID(),
		userText: text,
		guard:    guard.New(),
		started:  o.clock.Now(),
	}

	o.reclaimer.OnActivity()
	o.sink.Generating.Publish(true)

	o.preflight()
}

func (o *Orchestrator) preflight() {
	s := o.session
	settings := o.settings.Settings()
	window := settings.Context.WindowSize

	b, err := o.router.Route()
	if err != nil {
		o.fail(turnerr.Wrap(turnerr.KindBackendNotReady, err, "no backend available"))
		return
	}
	s.backend = b

	if err := o.ensureLoaded(b, window); err != nil {
		o.fail(err)
		return
	}

	if dropped := o.store.Truncate(settings.Retention.MaxMessages); dropped > 0 {
		o.logger.Debug("history truncated", "dropped", dropped, "max_messages", settings.Retention.MaxMessages)
	}

	bud := budget.New(window, o.estimator)
	s.userTokens = bud.EstimateTokens(s.userText)
	total := bud.ProjectedTotal(b.ContextInfo().UsedTokens, s.userText)
	promptTokens := total

	if bud.MustEvict(total) {
		eviction, err := budget.Policy{Keep: settings.Retention.EvictKeep}.Apply(o.ctx, bud, total, o.store, b)
		if err != nil {
			o.fail(turnerr.Classify(err))
			return
		}

		o.metrics.IncEviction(eviction.Dropped)
		o.logger.Info("context evicted",
			"turn_id", s.turnID,
			"projected", eviction.ProjectedTotal,
			"safe_limit", eviction.SafeLimit,
			"dropped", eviction.Dropped,
			"remaining", eviction.Remaining,
		)
		o.sink.Text.Publish(notify.TextEvent{Kind: notify.TextNotice, TurnID: s.turnID, Text: eviction.Notice()})
		o.publishUsage(b)

		// The backend window is empty after the reset; only the new message is charged.
		promptTokens = b.ContextInfo().UsedTokens + s.userTokens
	}

	maxTokens := bud.SafeMaxOutputTokens(promptTokens, settings.Context.MaxOutputTokens)
	if maxTokens <= 0 {
		o.fail(turnerr.New(turnerr.KindDecodeFailure, "message alone exceeds the safe context window"))
		return
	}

	o.store.Append(core.Message{Role: core.RoleUser, Content: s.userText, Tokens: s.userTokens})
	s.userAppended = true

	o.sink.Text.Publish(notify.TextEvent{Kind: notify.TextTurnStarted, TurnID: s.turnID, Text: s.userText})

	ctx, cancel := context.WithCancel(o.ctx)
	s.cancel = cancel

	stream, err := b.Generate(ctx, o.store.Snapshot(), maxTokens, settings.Sampling)
	if err != nil {
		o.fail(turnerr.Classify(err))
		return
	}
	s.stream = stream

	timeout := time.Duration(settings.Session.FirstTokenTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultFirstTokenTimeout
	}
	s.watchdog = o.clock.NewTimer(timeout)

	o.logger.Debug("turn streaming", "turn_id", s.turnID, "backend", b.Name(), "max_tokens", maxTokens, "projected", total)
	o.dispatch(Input{Event: EventAccepted})
}

func (o *Orchestrator) ensureLoaded(b backend.Backend, window int) *turnerr.Error {
	if b.Loaded() && b.ContextInfo().WindowSize == window {
		return nil
	}

	ctx, cancel := context.WithTimeout(o.ctx, loadTimeout)
	defer cancel()

	if b.Loaded() {
		o.logger.Info("window size changed, reloading backend", "backend", b.Name(), "window_size", window)
		if err := b.Unload(ctx); err != nil {
			o.logger.Warn("unload before reload failed", "backend", b.Name(), "error", err)
		}
	}

	if err := b.Load(ctx, "", backend.LoadConfig{WindowSize: window}); err != nil {
		if turnerr.Is(err, turnerr.KindAuth) {
			return turnerr.Classify(err)
		}
		return turnerr.Wrap(turnerr.KindBackendNotReady, err, "backend failed to load")
	}

	o.onLoad(b.Name(), true)
	o.logger.Info("backend loaded", "backend", b.Name(), "window_size", window)
	return nil
}

func (o *Orchestrator) handleChunk(chunk backend.Chunk, ok bool) {
	s := o.session

	if !ok {
		o.dispatch(Input{Event: EventEnd, HasOutput: s.guard.HasOutput()})
		return
	}

	if chunk.Err != nil {
		s.err = turnerr.Classify(chunk.Err)
		o.dispatch(Input{Event: EventError, HasOutput: s.guard.HasOutput()})
		return
	}

	if chunk.Usage != nil {
		return
	}

	if !s.firstToken {
		s.firstToken = true
		s.watchdog.Stop()
		o.metrics.ObserveFirstToken(s.backend.Name(), o.clock.Now().Sub(s.started))
	}

	decision := s.guard.Accept(chunk.Content)

	if decision.Forward {
		s.tokens++
		o.sink.Text.Publish(notify.TextEvent{Kind: notify.TextToken, TurnID: s.turnID, Text: decision.Token})
	}

	if decision.Stop != guard.StopNone {
		o.metrics.IncGuardStop(decision.Stop.String())
		o.logger.Warn("stream force-stopped", "turn_id", s.turnID, "reason", decision.Stop, "kind", turnerr.KindRepeatedTokenLoop)
		if s.guard.HasOutput() {
			o.sink.Text.Publish(notify.TextEvent{
				Kind:   notify.TextNotice,
				TurnID: s.turnID,
				Text:   "generation stopped early: " + decision.Stop.String() + " detected",
			})
		}
		o.dispatch(Input{Event: EventForceStop, HasOutput: s.guard.HasOutput()})
		return
	}

	if s.cancelFlag {
		o.dispatch(Input{Event: EventCancel, HasOutput: s.guard.HasOutput()})
	}
}

func (o *Orchestrator) handleFirstTokenTimeout() {
	s := o.session
	if s.firstToken {
		return
	}

	s.err = turnerr.New(turnerr.KindEmptyResponse, "no output before the first-token timeout")
	o.dispatch(Input{Event: EventError})
}

func (o *Orchestrator) cancelActive() {
	s := o.session
	if s == nil {
		return
	}

	s.cancelFlag = true
	o.dispatch(Input{Event: EventCancel, HasOutput: s.guard.HasOutput()})
}

func (o *Orchestrator) fail(err *turnerr.Error) {
	o.session.err = err
	o.dispatch(Input{Event: EventError})
}

func (o *Orchestrator) dispatch(in Input) {
	next, effects := Transition(o.state, in)
	o.logger.Debug("session transition", "from", o.state, "event", in.Event, "to", next)
	o.state = next

	for _, effect := range effects {
		o.apply(effect)
	}

	if o.state.Terminal() {
		o.state, _ = Transition(o.state, Input{Event: EventReset})
	}
}

func (o *Orchestrator) apply(effect Effect) {
	s := o.session
	if s == nil {
		return
	}

	switch effect {
	case EffectStopBackend:
		if s.backend != nil {
			s.backend.Stop()
		}
		if s.cancel != nil {
			s.cancel()
		}

	case EffectCommitAssistant:
		o.commit(s)

	case EffectRollbackUser:
		o.rollback(s)

	case EffectReportEmpty:
		s.err = turnerr.New(turnerr.KindEmptyResponse, "backend returned no output")
		o.report(s)

	case EffectReportError:
		o.report(s)

	case EffectTurnEnded:
		o.sink.Text.Publish(notify.TextEvent{Kind: notify.TextTurnEnded, TurnID: s.turnID})
		o.publishUsage(s.backend)

	case EffectCleanup:
		o.cleanup()
	}
}

func (o *Orchestrator) commit(s *activeSession) {
	reply := core.Message{
		Role:    core.RoleAssistant,
		Content: s.guard.Text(),
		Tokens:  o.estimator.EstimateTokens(s.guard.Text()),
	}
	o.store.Append(reply)

	if o.transcript != nil {
		user := core.Message{Role: core.RoleUser, Content: s.userText, Tokens: s.userTokens}
		if err := o.transcript.Append(user, reply); err != nil {
			o.logger.Warn("failed to append transcript", "turn_id", s.turnID, "error", err)
		}
	}
}

func (o *Orchestrator) rollback(s *activeSession) {
	if !s.userAppended {
		return
	}
	o.store.RemoveLast(core.RoleUser)
	s.userAppended = false
}

func (o *Orchestrator) report(s *activeSession) {
	err := s.err
	if err == nil {
		err = turnerr.New(turnerr.KindUnknown, "turn failed")
	}

	o.logger.Error("turn failed", "turn_id", s.turnID, "kind", err.Kind, "error", err)
	o.sink.Text.Publish(notify.TextEvent{
		Kind:      notify.TextError,
		TurnID:    s.turnID,
		Text:      err.Error(),
		ErrorKind: err.Kind.String(),
		Hint:      err.Hint(),
	})
}

// abort is the panic path: it rolls back and cleans up without consulting Transition.
func (o *Orchestrator) abort() {
	s := o.session

	if s.cancel != nil {
		s.cancel()
	}
	if s.backend != nil {
		s.backend.Stop()
	}

	o.rollback(s)
	o.report(s)
	o.state = StateFailed
	o.cleanup()
	o.state = StateIdle
}

// cleanup is the single exit of every session.
func (o *Orchestrator) cleanup() {
	s := o.session
	if s == nil {
		return
	}

	outcome := o.state
	o.session = nil
	o.state = StateIdle

	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.cancelFlag = false
	s.stream = nil
	s.guard.Reset()

	errorKind := ""
	if s.err != nil {
		errorKind = s.err.Kind.String()
	}

	backendName := ""
	if s.backend != nil {
		backendName = s.backend.Name()
	}

	o.metrics.ObserveTurn(backendName, outcome.String(), errorKind, s.tokens, o.clock.Now().Sub(s.started))
	o.logger.Debug("turn finished", "turn_id", s.turnID, "outcome", outcome, "tokens", s.tokens)

	// Idle time counts from the end of the turn, not its start.
	o.reclaimer.OnActivity()
	o.sink.Generating.Publish(false)
}

func (o *Orchestrator) publishUsage(b backend.Backend) {
	if b == nil {
		return
	}

	info := b.ContextInfo()
	window := o.settings.WindowSize()

	o.metrics.SetContextUsage(info.UsedTokens, window)
	o.sink.Usage.Publish(core.ContextUsage{
		UsedTokens: info.UsedTokens,
		WindowSize: window,
		SafeLimit:  budget.SafeLimit(window),
	})
}
