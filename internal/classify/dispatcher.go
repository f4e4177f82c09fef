package classify

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/studyhub/groupchat/internal/model"
	"github.com/studyhub/groupchat/pkg/logger"
	"github.com/studyhub/groupchat/pkg/metrics"
	"github.com/studyhub/groupchat/pkg/tracing"
)

const (
	defaultConcurrency = 4
	defaultTimeout     = 10 * time.Second
)

// Annotator records a message classification at most once per id.
type Annotator interface {
	Annotate(id string, t model.MessageType) bool
}

// Hook is called once per message when its classification is first recorded.
type Hook func(msg model.ChatMessage, t model.MessageType)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConcurrency bounds the number of in-flight classification requests.
func WithConcurrency(n int64) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithTimeout bounds each classification request.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithHook sets the function called after a first annotation.
func WithHook(h Hook) Option {
	return func(d *Dispatcher) {
		d.hook = h
	}
}

// WithGuard sets a check run before a result is applied; results are
// dropped when it returns false.
func WithGuard(current func() bool) Option {
	return func(d *Dispatcher) {
		d.current = current
	}
}

// Dispatcher classifies unclassified messages in the background. Each
// message id is requested at most once; failures are dropped without retry.
type Dispatcher struct {
	classifier Classifier
	store      Annotator
	logger     *logger.Logger
	sem        *semaphore.Weighted
	timeout    time.Duration
	hook       Hook
	current    func() bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	attempted map[string]struct{}
}

// NewDispatcher creates a dispatcher that annotates store.
func NewDispatcher(classifier Classifier, store Annotator, log *logger.Logger, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		classifier: classifier,
		store:      store,
		logger:     log,
		sem:        semaphore.NewWeighted(defaultConcurrency),
		timeout:    defaultTimeout,
		ctx:        ctx,
		cancel:     cancel,
		attempted:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Sweep dispatches every message in msgs that has not been attempted yet.
func (d *Dispatcher) Sweep(msgs []model.ChatMessage) {
	for _, msg := range msgs {
		d.Dispatch(msg)
	}
}

// Dispatch classifies msg asynchronously unless it is pending or was
// already attempted. It reports whether a request was started.
func (d *Dispatcher) Dispatch(msg model.ChatMessage) bool {
	if msg.Pending || msg.ID == "" {
		return false
	}
	d.mu.Lock()
	if d.ctx.Err() != nil {
		d.mu.Unlock()
		return false
	}
	if _, seen := d.attempted[msg.ID]; seen {
		d.mu.Unlock()
		return false
	}
	d.attempted[msg.ID] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.run(msg)
	}()
	return true
}

func (d *Dispatcher) run(msg model.ChatMessage) {
	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		return
	}
	defer d.sem.Release(1)

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	ctx, span := tracing.Tracer().Start(ctx, "classify.message")
	span.SetAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("conversation.id", msg.ConversationID),
	)
	defer span.End()

	res, err := d.classifier.Classify(ctx, msg.Content)
	if err != nil || !res.Success {
		metrics.RecordClassification("unknown", "failed")
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		d.logger.Debug("classification failed",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return
	}
	span.SetAttributes(attribute.String("message.type", string(res.Type)))

	if d.current != nil && !d.current() {
		metrics.RecordClassification(string(res.Type), "stale")
		return
	}
	if res.Type == model.MessageTypeGeneral {
		metrics.RecordClassification(string(res.Type), "skipped")
		return
	}
	if !d.store.Annotate(msg.ID, res.Type) {
		metrics.RecordClassification(string(res.Type), "duplicate")
		return
	}

	metrics.RecordClassification(string(res.Type), "annotated")
	if d.hook != nil {
		d.hook(msg, res.Type)
	}
}

// Attempted reports whether id has been dispatched.
func (d *Dispatcher) Attempted(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.attempted[id]
	return ok
}

// Wait blocks until all dispatched requests have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels in-flight requests and waits for them to return.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
}
