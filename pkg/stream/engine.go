package stream

import (
	"context"
	"io"
	"sync"

	"github.com/go-go-golems/murmur/pkg/conversation"
	"github.com/go-go-golems/murmur/pkg/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const readSize = 4096

type ErrorKind string

const ConnectionFailed ErrorKind = "ConnectionFailed"

var ErrConnectionFailed = errors.New("connection failed")

type DeltaKind int

const (
	DeltaAppend DeltaKind = iota
	DeltaComplete
	DeltaError
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaAppend:
		return "append"
	case DeltaComplete:
		return "complete"
	case DeltaError:
		return "error"
	default:
		return "unknown"
	}
}

// Target addresses the message a stream writes into.
type Target struct {
	ConversationID string
	MessageIndex   int
}

// Delta is one event delivered to the owner of a stream.
// Complete and Error are terminal: nothing follows them for the same handle.
type Delta struct {
	Handle  *Handle
	Kind    DeltaKind
	Text    string
	ErrKind ErrorKind
	Cause   error
}

type DeltaFunc func(Delta)

// Handle is the single in-flight stream started by Engine.Begin.
type Handle struct {
	ID     string
	Target Target

	done chan struct{}

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

// Cancel aborts the stream and suppresses further deltas. A delivery that is
// already running when Cancel is called still completes, so owners must check
// the handle they receive. It is safe to call multiple times.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.cancelled = true
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *Handle) Cancelled() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Done is closed once the reader goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	if h == nil {
		return closedDone
	}
	return h.done
}

// closedDone is what a nil Handle reports: no reader is running.
var closedDone = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Wait blocks until the reader goroutine has exited.
func (h *Handle) Wait() {
	if h == nil {
		return
	}
	<-h.done
}

func (h *Handle) IsActive() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return !h.Cancelled()
	}
}

// deliver calls fn unless the handle was cancelled. fn runs without any
// engine lock held, so it may call back into the engine.
func (h *Handle) deliver(fn DeltaFunc, d Delta) bool {
	if h.Cancelled() {
		return false
	}
	fn(d)
	return true
}

// Engine runs at most one stream at a time.
type Engine struct {
	transport Transport

	mu     sync.Mutex
	active *Handle
}

func NewEngine(transport Transport) *Engine {
	return &Engine{transport: transport}
}

// Begin opens a stream for turns and delivers its deltas to onDelta in arrival
// order from a single goroutine. A still open prior handle is cancelled first.
func (e *Engine) Begin(ctx context.Context, target Target, turns []conversation.Turn, onDelta DeltaFunc) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		ID:     uuid.NewString(),
		Target: target,
		done:   make(chan struct{}),
		cancel: cancel,
	}

	e.mu.Lock()
	prior := e.active
	e.active = h
	e.mu.Unlock()
	if prior != nil {
		log.Debug().Str("handle_id", prior.ID).Msg("Cancelling prior stream")
		prior.Cancel()
	}

	metrics.StreamsStarted.Inc()
	log.Debug().
		Str("handle_id", h.ID).
		Str("conversation_id", target.ConversationID).
		Int("message_index", target.MessageIndex).
		Msg("Beginning stream")

	go func() {
		defer close(h.done)
		defer cancel()
		defer e.release(h)
		outcome := e.run(ctx, h, turns, onDelta)
		metrics.StreamsFinished.WithLabelValues(outcome).Inc()
		log.Debug().Str("handle_id", h.ID).Str("outcome", outcome).Msg("Stream finished")
	}()

	return h
}

// Cancel cancels h and releases it if it is the active handle.
func (e *Engine) Cancel(h *Handle) {
	if h == nil {
		return
	}
	h.Cancel()
	e.release(h)
}

// Active returns the current handle, or nil.
func (e *Engine) Active() *Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) release(h *Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == h {
		e.active = nil
	}
}

func (e *Engine) run(ctx context.Context, h *Handle, turns []conversation.Turn, onDelta DeltaFunc) string {
	fail := func(err error) string {
		if h.Cancelled() {
			return metrics.OutcomeCancelled
		}
		log.Warn().Err(err).Str("handle_id", h.ID).Msg("Stream failed")
		if !h.deliver(onDelta, Delta{Handle: h, Kind: DeltaError, ErrKind: ConnectionFailed, Cause: errors.Wrap(ErrConnectionFailed, err.Error())}) {
			return metrics.OutcomeCancelled
		}
		return metrics.OutcomeError
	}

	body, err := e.transport.Open(ctx, turns)
	if err != nil {
		return fail(err)
	}
	defer func() {
		_ = body.Close()
	}()
	// some transports ignore ctx once the body is handed out
	stop := context.AfterFunc(ctx, func() {
		_ = body.Close()
	})
	defer stop()

	decoder := NewFrameDecoder()
	buf := make([]byte, readSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, frame := range decoder.Write(buf[:n]) {
				payload, err := ParseFrame(frame)
				switch {
				case errors.Is(err, ErrNotDataFrame):
					log.Trace().Str("handle_id", h.ID).Msg("Ignoring non-data frame")
					continue
				case err != nil:
					metrics.FramesDropped.Inc()
					log.Debug().Err(err).Str("handle_id", h.ID).Msg("Dropping malformed frame")
					continue
				}

				if payload.IsFinished() {
					if !h.deliver(onDelta, Delta{Handle: h, Kind: DeltaComplete}) {
						return metrics.OutcomeCancelled
					}
					return metrics.OutcomeComplete
				}
				if payload.Data == "" {
					continue
				}
				log.Trace().Str("handle_id", h.ID).Object("payload", payload).Msg("Stream delta")
				if !h.deliver(onDelta, Delta{Handle: h, Kind: DeltaAppend, Text: payload.Data}) {
					return metrics.OutcomeCancelled
				}
			}
		}

		if readErr == nil {
			continue
		}
		if h.Cancelled() {
			return metrics.OutcomeCancelled
		}
		if readErr != io.EOF {
			return fail(readErr)
		}
		if pending := decoder.Pending(); pending != "" {
			log.Debug().Str("handle_id", h.ID).Int("bytes", len(pending)).Msg("Discarding unterminated frame at end of body")
		}
		if !h.deliver(onDelta, Delta{Handle: h, Kind: DeltaComplete}) {
			return metrics.OutcomeCancelled
		}
		return metrics.OutcomeEOF
	}
}
