package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/docstore/internal/commands"
	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/session"
	"github.com/devrev/pairdb/docstore/internal/transport"
)

const (
	defaultRetryInterval      = 5 * time.Second
	defaultMaxErroneousPeriod = 5 * time.Minute
)

// State of a worker's connection
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateRedirect
	StateRetrying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateStreaming:
		return "Streaming"
	case StateRedirect:
		return "Redirect"
	case StateRetrying:
		return "Retrying"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// WorkerOptions configures a subscription worker
type WorkerOptions struct {
	Name            string
	Strategy        model.SubscriptionOpeningStrategy
	MaxDocsPerBatch int
	// RetryInterval is the pause before reconnecting after a failure
	RetryInterval time.Duration
	// MaxErroneousPeriod bounds how long the worker keeps reconnecting without
	// processing a batch
	MaxErroneousPeriod time.Duration
	// IgnoreSubscriberErrors acknowledges batches whose handler failed
	IgnoreSubscriberErrors bool
	// Revisions consumes a revisions subscription
	Revisions bool
}

// BatchHandler processes one batch. Returning an error stops the worker
// without acknowledging the batch.
type BatchHandler func(ctx context.Context, batch *Batch) error

// TopologyProvider exposes the nodes a worker may connect to
type TopologyProvider interface {
	Topology() *model.Topology
}

// AfterAcknowledgmentEvent fires once per acknowledged position
type AfterAcknowledgmentEvent struct {
	Subscription string
	ChangeVector string
	Batch        *Batch
}

// ConnectionRetryEvent fires before the worker waits to reconnect
type ConnectionRetryEvent struct {
	Subscription string
	Attempt      int
	Err          error
}

// Events are the worker hooks
type Events struct {
	AfterAcknowledgment session.Listeners[AfterAcknowledgmentEvent]
	ConnectionRetry     session.Listeners[ConnectionRetryEvent]
}

// Config wires a worker to its store
type Config struct {
	Dialer      transport.StreamDialer
	Topology    TopologyProvider
	OpenSession SessionOpener
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Worker consumes a subscription: it connects, hands each batch to the
// handler, acknowledges it and reconnects after failures.
type Worker struct {
	id       string
	opts     WorkerOptions
	dialer   transport.StreamDialer
	topology TopologyProvider
	opener   SessionOpener
	logger   *zap.Logger
	metrics  *metrics.Metrics
	events   *Events

	mu             sync.Mutex
	state          State
	running        bool
	closed         bool
	cancel         context.CancelFunc
	stream         transport.Stream
	done           chan struct{}
	lastAcked      string
	erroneousSince time.Time

	// owned by the Run goroutine
	redirectTag string
	nodeIndex   int
}

type redirectError struct {
	tag string
}

func (e *redirectError) Error() string {
	return fmt.Sprintf("subscription redirected to node %s", e.tag)
}

type streamEvent struct {
	batch   *Batch
	confirm bool
}

// NewWorker creates a worker; Run starts it
func NewWorker(opts WorkerOptions, cfg Config) (*Worker, error) {
	if opts.Name == "" {
		return nil, docerrors.InvalidArgument("subscription name cannot be empty", nil)
	}
	if cfg.Dialer == nil || cfg.Topology == nil {
		return nil, docerrors.InvalidArgument("subscription worker requires a dialer and a topology", nil)
	}
	if opts.Strategy == "" {
		opts.Strategy = model.SubscriptionOpenIfFree
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.MaxErroneousPeriod <= 0 {
		opts.MaxErroneousPeriod = defaultMaxErroneousPeriod
	}
	id := uuid.New().String()
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		opts:     opts,
		dialer:   cfg.Dialer,
		topology: cfg.Topology,
		opener:   cfg.OpenSession,
		logger:   logger.With(zap.String("subscription", opts.Name), zap.String("worker_id", id)),
		metrics:  cfg.Metrics,
		events:   &Events{},
		state:    StateConnecting,
	}, nil
}

// ID returns the worker id sent to the server
func (w *Worker) ID() string {
	return w.id
}

// Name returns the subscription name
func (w *Worker) Name() string {
	return w.opts.Name
}

// Events returns the worker hooks
func (w *Worker) Events() *Events {
	return w.events
}

// State returns the current connection state
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// LastAcknowledged returns the last change vector confirmed by the server
func (w *Worker) LastAcknowledged() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastAcked
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateClosed {
		w.state = s
	}
}

// Run processes batches until the worker is closed, ctx is cancelled or a
// non-retryable error occurs. It returns nil after Close.
func (w *Worker) Run(ctx context.Context, handler BatchHandler) error {
	if handler == nil {
		return docerrors.InvalidArgument("batch handler cannot be nil", nil)
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return docerrors.SubscriptionClosed(w.opts.Name, "worker was closed")
	}
	if w.running {
		w.mu.Unlock()
		return docerrors.InvalidOperation("subscription worker is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	defer func() {
		cancel()
		w.mu.Lock()
		w.state = StateClosed
		w.mu.Unlock()
		close(done)
	}()

	w.logger.Info("Starting subscription worker", zap.String("strategy", string(w.opts.Strategy)))
	err := w.loop(ctx, handler)
	if err != nil {
		w.logger.Warn("Subscription worker stopped", zap.Error(err))
	} else {
		w.logger.Info("Subscription worker stopped")
	}
	return err
}

func (w *Worker) loop(ctx context.Context, handler BatchHandler) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return w.exitError(ctx)
		}
		err := w.connectAndProcess(ctx, handler)
		if ctx.Err() != nil {
			return w.exitError(ctx)
		}

		var redirect *redirectError
		if errors.As(err, &redirect) {
			w.logger.Info("Subscription redirected", zap.String("node", redirect.tag))
			w.setState(StateRedirect)
			w.redirectTag = redirect.tag
			if w.metrics != nil {
				w.metrics.RecordSubscriptionReconnect("redirect")
			}
			continue
		}
		if err == nil || isTerminal(err) {
			return err
		}

		w.mu.Lock()
		now := time.Now()
		if w.erroneousSince.IsZero() {
			w.erroneousSince = now
		}
		since := w.erroneousSince
		w.mu.Unlock()
		if now.Sub(since) > w.opts.MaxErroneousPeriod {
			return docerrors.SubscriptionMaxErroneousPeriod(w.opts.Name, w.opts.MaxErroneousPeriod, err)
		}

		attempt++
		w.setState(StateRetrying)
		w.logger.Warn("Subscription connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("retry_interval", w.opts.RetryInterval),
			zap.Error(err))
		if w.metrics != nil {
			w.metrics.RecordSubscriptionReconnect("error")
		}
		if !w.invoke(func() {
			w.events.ConnectionRetry.Fire(ConnectionRetryEvent{Subscription: w.opts.Name, Attempt: attempt, Err: err})
		}) {
			return nil
		}

		select {
		case <-ctx.Done():
			return w.exitError(ctx)
		case <-time.After(w.opts.RetryInterval):
		}
	}
}

// exitError is nil when the worker was closed, the context error otherwise
func (w *Worker) exitError(ctx context.Context) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return nil
	}
	return ctx.Err()
}

func isTerminal(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range []error{
		docerrors.ErrSubscriptionDoesNotExist,
		docerrors.ErrSubscriptionInUse,
		docerrors.ErrSubscriptionClosed,
		docerrors.ErrSubscriptionInvalidState,
		docerrors.ErrSubscriber,
		docerrors.ErrSubscriptionMaxErroneousPeriod,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (w *Worker) pickNode() (*model.ServerNode, error) {
	t := w.topology.Topology()
	if t == nil || len(t.Nodes) == 0 {
		return nil, fmt.Errorf("no nodes available for subscription '%s'", w.opts.Name)
	}
	if w.redirectTag != "" {
		tag := w.redirectTag
		node, _, ok := t.NodeByTag(tag)
		if !ok {
			w.redirectTag = ""
			return nil, fmt.Errorf("redirect target %s is not part of the topology", tag)
		}
		return node, nil
	}
	return t.Nodes[w.nodeIndex%len(t.Nodes)], nil
}

func (w *Worker) connectAndProcess(ctx context.Context, handler BatchHandler) error {
	w.setState(StateConnecting)
	node, err := w.pickNode()
	if err != nil {
		return err
	}

	q := url.Values{}
	q.Set("name", w.opts.Name)
	target := transport.ToWebSocketURL(commands.DatabaseURL(node, "/subscriptions/connect", q))
	header := http.Header{}
	header.Set("Worker-Id", w.id)

	stream, err := w.dialer.Dial(ctx, target, header)
	if err != nil {
		w.nodeIndex++
		w.redirectTag = ""
		return fmt.Errorf("failed to connect to node %s: %w", node.ClusterTag, err)
	}
	if !w.attach(stream) {
		_ = stream.Close()
		return nil
	}
	defer w.detach(stream)

	w.mu.Lock()
	position := w.lastAcked
	w.mu.Unlock()
	if err := writeMessage(stream, model.SubscriptionMessage{
		Type:            model.SubscriptionMessageConnect,
		Name:            w.opts.Name,
		Strategy:        w.opts.Strategy,
		MaxDocsPerBatch: w.opts.MaxDocsPerBatch,
		ChangeVector:    position,
	}); err != nil {
		return fmt.Errorf("failed to send connect message: %w", err)
	}
	if err := w.awaitAccepted(stream); err != nil {
		return err
	}

	w.redirectTag = ""
	w.setState(StateStreaming)
	w.logger.Info("Subscription connected", zap.String("node", node.ClusterTag))

	events := make(chan streamEvent)
	stop := make(chan struct{})
	readErr := make(chan error, 1)
	go func() {
		defer close(events)
		readErr <- w.readStream(stream, events, stop)
	}()

	procErr := w.process(ctx, stream, events, handler)
	close(stop)
	_ = stream.Close()
	rerr := <-readErr
	switch {
	case isTerminal(procErr):
		return procErr
	case isTerminal(rerr):
		// a status sent by the server explains a failed acknowledgment
		return rerr
	case procErr != nil:
		return procErr
	default:
		return rerr
	}
}

func (w *Worker) attach(stream transport.Stream) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.stream = stream
	return true
}

func (w *Worker) detach(stream transport.Stream) {
	w.mu.Lock()
	if w.stream == stream {
		w.stream = nil
	}
	w.mu.Unlock()
	_ = stream.Close()
}

func (w *Worker) awaitAccepted(stream transport.Stream) error {
	for {
		msg, err := readMessage(stream)
		if err != nil {
			return fmt.Errorf("failed to read connection status: %w", err)
		}
		switch msg.Type {
		case model.SubscriptionMessageHeartbeat:
			continue
		case model.SubscriptionMessageConnectionStatus:
			if msg.Status == model.SubscriptionStatusAccepted {
				return nil
			}
			return w.statusError(msg)
		case model.SubscriptionMessageError:
			return fmt.Errorf("server error on subscription '%s': %s", w.opts.Name, msg.Message)
		default:
			return docerrors.BadResponse(fmt.Sprintf("expected connection status, got %s", msg.Type), nil)
		}
	}
}

func (w *Worker) statusError(msg *model.SubscriptionMessage) error {
	switch msg.Status {
	case model.SubscriptionStatusRedirect:
		return &redirectError{tag: msg.RedirectedTag}
	case model.SubscriptionStatusNotFound:
		return docerrors.SubscriptionDoesNotExist(w.opts.Name)
	case model.SubscriptionStatusInUse:
		return docerrors.SubscriptionInUse(w.opts.Name)
	case model.SubscriptionStatusClosed:
		return docerrors.SubscriptionClosed(w.opts.Name, msg.Message)
	case model.SubscriptionStatusInvalid:
		return docerrors.SubscriptionInvalidState(w.opts.Name, msg.Message)
	default:
		return docerrors.BadResponse(fmt.Sprintf("unexpected subscription status %q", msg.Status), nil)
	}
}

// readStream assembles batches from the stream until it fails or stop is closed
func (w *Worker) readStream(stream transport.Stream, out chan<- streamEvent, stop <-chan struct{}) error {
	var pending *Batch
	for {
		msg, err := readMessage(stream)
		if err != nil {
			return fmt.Errorf("subscription stream failed: %w", err)
		}

		var ev streamEvent
		switch msg.Type {
		case model.SubscriptionMessageHeartbeat:
			continue
		case model.SubscriptionMessageData:
			if pending == nil {
				pending = newBatch(w.opts.Name, w.opts.Revisions, w.opener)
			}
			item, err := parseItem(*msg, w.opts.Revisions)
			if err != nil {
				return err
			}
			pending.Items = append(pending.Items, item)
			continue
		case model.SubscriptionMessageIncludes:
			if pending == nil {
				pending = newBatch(w.opts.Name, w.opts.Revisions, w.opener)
			}
			for id, raw := range msg.Includes {
				pending.includes[id] = raw
			}
			continue
		case model.SubscriptionMessageEndOfBatch:
			if pending == nil {
				pending = newBatch(w.opts.Name, w.opts.Revisions, w.opener)
			}
			ev.batch, pending = pending, nil
		case model.SubscriptionMessageConfirm:
			ev.confirm = true
		case model.SubscriptionMessageConnectionStatus:
			if msg.Status == model.SubscriptionStatusAccepted {
				continue
			}
			return w.statusError(msg)
		case model.SubscriptionMessageError:
			return fmt.Errorf("server error on subscription '%s': %s", w.opts.Name, msg.Message)
		default:
			w.logger.Debug("Ignoring unknown subscription message", zap.String("type", string(msg.Type)))
			continue
		}

		select {
		case out <- ev:
		case <-stop:
			return nil
		}
	}
}

func (w *Worker) process(ctx context.Context, stream transport.Stream, events <-chan streamEvent, handler BatchHandler) error {
	for {
		var ev streamEvent
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case ev, ok = <-events:
			if !ok {
				return nil
			}
		}
		if ev.batch == nil {
			continue
		}

		batch := ev.batch
		position := batch.position()
		w.mu.Lock()
		replayed := position != "" && position == w.lastAcked
		w.mu.Unlock()

		if !replayed {
			ran, err := w.handle(ctx, batch, handler)
			if !ran || ctx.Err() != nil {
				return nil
			}
			if err != nil {
				if !w.opts.IgnoreSubscriberErrors {
					return docerrors.Subscriber(w.opts.Name, err)
				}
				w.logger.Warn("Subscriber failed to process batch, acknowledging anyway",
					zap.Int("items", len(batch.Items)),
					zap.Error(err))
			}
			if w.metrics != nil {
				w.metrics.RecordSubscriptionBatch(w.opts.Name)
			}
		}

		if err := w.acknowledge(ctx, stream, events, batch, position); err != nil {
			return err
		}
	}
}

// handle runs the handler and reports whether it ran at all
func (w *Worker) handle(ctx context.Context, batch *Batch, handler BatchHandler) (ran bool, err error) {
	defer batch.release()
	ran = w.invoke(func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("batch handler panicked: %v", r)
			}
		}()
		err = handler(ctx, batch)
	})
	return ran, err
}

// invoke runs a user callback unless the worker is closed
func (w *Worker) invoke(fn func()) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.mu.Unlock()
	fn()
	return true
}

func (w *Worker) acknowledge(ctx context.Context, stream transport.Stream, events <-chan streamEvent, batch *Batch, position string) error {
	if err := writeMessage(stream, model.SubscriptionMessage{
		Type:         model.SubscriptionMessageAcknowledge,
		ChangeVector: position,
	}); err != nil {
		return fmt.Errorf("failed to acknowledge batch: %w", err)
	}

	for confirmed := false; !confirmed; {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.batch != nil {
				return docerrors.BadResponse("received a batch before the acknowledgment was confirmed", nil)
			}
			confirmed = ev.confirm
		}
	}

	w.mu.Lock()
	first := w.lastAcked != position || position == ""
	w.lastAcked = position
	w.erroneousSince = time.Time{}
	w.mu.Unlock()
	if !first {
		return nil
	}

	w.logger.Debug("Subscription batch acknowledged",
		zap.Int("items", len(batch.Items)),
		zap.String("change_vector", position))
	if w.metrics != nil {
		w.metrics.RecordSubscriptionAck()
	}
	w.invoke(func() {
		w.events.AfterAcknowledgment.Fire(AfterAcknowledgmentEvent{
			Subscription: w.opts.Name,
			ChangeVector: position,
			Batch:        batch,
		})
	})
	return nil
}

// Close stops the worker, terminates its stream and waits for Run to return,
// so no handler or hook is running once it returns. Handlers and hooks must
// call Stop instead; Close would wait for themselves.
func (w *Worker) Close() error {
	done, first := w.stop()
	if done != nil {
		<-done
	}
	if first {
		w.logger.Info("Subscription worker closed")
	}
	return nil
}

// Stop signals the worker to close without waiting for Run to return. From
// inside a handler it ends the worker after the handler returns, and the
// batch is not acknowledged.
func (w *Worker) Stop() {
	if _, first := w.stop(); first {
		w.logger.Info("Subscription worker stopping")
	}
}

func (w *Worker) stop() (<-chan struct{}, bool) {
	w.mu.Lock()
	done := w.done
	if w.closed {
		w.mu.Unlock()
		return done, false
	}
	w.closed = true
	w.state = StateClosed
	if w.cancel != nil {
		w.cancel()
	}
	stream := w.stream
	w.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	return done, true
}

func writeMessage(stream transport.Stream, msg model.SubscriptionMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}
	return stream.Write(data)
}

func readMessage(stream transport.Stream) (*model.SubscriptionMessage, error) {
	data, err := stream.Read()
	if err != nil {
		return nil, err
	}
	var msg model.SubscriptionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, docerrors.BadResponse("invalid subscription message", err)
	}
	return &msg, nil
}
