// Package session drives one conversation at a time: it turns user intent into
// stream requests, folds stream deltas into the current conversation and
// persists the result at each transition.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/murmur/pkg/conversation"
	"github.com/go-go-golems/murmur/pkg/events"
	"github.com/go-go-golems/murmur/pkg/history"
	"github.com/go-go-golems/murmur/pkg/stream"
	"github.com/go-go-golems/murmur/pkg/title"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptyPrompt  = errors.New("prompt is empty")
	ErrBusy         = errors.New("a response is still streaming")
	ErrNotStreaming = errors.New("no response is streaming")
	ErrEmptyTitle   = errors.New("title is empty")
	ErrClosed       = errors.New("controller is closed")
	ErrNotFound     = history.ErrNotFound
)

type State int

const (
	StateIdle State = iota
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Controller owns the current conversation and at most one active stream.
//
// All methods are safe for concurrent use. Stream deltas arrive on the engine
// goroutine and are applied only while their handle is still the controller's
// active handle. Event sinks and repository listeners are called with the
// controller lock held and must not call back into the controller.
type Controller struct {
	repo   *history.Repository
	engine *stream.Engine
	titles title.Generator
	sinks  []events.EventSink

	systemPrompt      string
	stopMarker        string
	errorMarker       string
	titleTimeout      time.Duration
	interruptOnSubmit bool

	// background context for work that outlives a single call
	ctx context.Context

	mu      sync.Mutex
	current conversation.Conversation
	handle  *stream.Handle
	closed  bool

	// conversations with a title request in flight
	titlePending map[string]bool
	titleWG      sync.WaitGroup
}

// NewController restores the most recent stored conversation, or starts a new
// one that is persisted on its first submit.
func NewController(ctx context.Context, repo *history.Repository, engine *stream.Engine, options ...Option) *Controller {
	ret := &Controller{
		repo:         repo,
		engine:       engine,
		titles:       title.FallbackGenerator{},
		systemPrompt: conversation.DefaultSystemPrompt,
		stopMarker:   DefaultStopMarker,
		errorMarker:  DefaultErrorMarker,
		titleTimeout: DefaultTitleTimeout,
		ctx:          context.WithoutCancel(ctx),
		titlePending: map[string]bool{},
	}
	for _, option := range options {
		option(ret)
	}

	if c, ok := repo.LoadMostRecent(ctx); ok {
		ret.current = c
		log.Debug().Str("conversation_id", c.ID).Msg("Restored most recent conversation")
	} else {
		ret.current = conversation.New(ret.systemPrompt)
		log.Debug().Str("conversation_id", ret.current.ID).Msg("Started new conversation")
	}

	return ret
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != nil {
		return StateStreaming
	}
	return StateIdle
}

// Active returns the handle of the running stream, or nil when idle.
func (c *Controller) Active() *stream.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

func (c *Controller) Conversation() conversation.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

func (c *Controller) Messages() []conversation.Message {
	return c.Conversation().Messages
}

func (c *Controller) VisibleMessages() []conversation.Message {
	return c.Conversation().VisibleMessages()
}

// Catalogue returns the stored conversations, newest first.
func (c *Controller) Catalogue(ctx context.Context) conversation.Catalogue {
	return c.repo.LoadAll(ctx)
}

// Submit appends text as a user message followed by a streaming assistant
// placeholder and starts the request. The stream keeps running after ctx is
// done; use Stop to end it early.
func (c *Controller) Submit(ctx context.Context, text string) error {
	prompt := strings.TrimSpace(text)
	if prompt == "" {
		return ErrEmptyPrompt
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if c.handle != nil {
		if !c.interruptOnSubmit {
			return ErrBusy
		}
		c.stopLocked(ctx, true)
	}

	next, err := c.current.Append(
		conversation.NewChatMessage(conversation.RoleUser, prompt),
		conversation.Message{Role: conversation.RoleAssistant, IsStreaming: true},
	)
	if err != nil {
		return errors.Wrap(err, "could not append prompt")
	}
	c.current = next
	c.persistLocked(ctx, "submit")

	target := stream.Target{
		ConversationID: next.ID,
		MessageIndex:   next.StreamingIndex(),
	}
	c.handle = c.engine.Begin(context.WithoutCancel(ctx), target, next.Turns(), c.onDelta)

	log.Debug().
		Str("conversation_id", next.ID).
		Str("handle_id", c.handle.ID).
		Int("message_index", target.MessageIndex).
		Msg("Submitted prompt")
	events.Publish(c.sinks, events.NewStartEvent(c.metadataLocked()))

	return nil
}

// Stop cancels the running stream and marks the partial answer as stopped.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return ErrNotStreaming
	}
	c.stopLocked(ctx, true)
	return nil
}

// NewConversation makes a fresh conversation current. It is stored on its
// first submit.
func (c *Controller) NewConversation(ctx context.Context) conversation.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != nil {
		c.stopLocked(ctx, true)
	}
	c.current = conversation.New(c.systemPrompt)
	log.Debug().Str("conversation_id", c.current.ID).Msg("Started new conversation")
	return c.current.Clone()
}

// Select makes the stored conversation id current.
func (c *Controller) Select(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == c.current.ID {
		return nil
	}

	next, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.handle != nil {
		c.stopLocked(ctx, true)
	}
	c.current = next
	log.Debug().Str("conversation_id", id).Msg("Selected conversation")
	return nil
}

// Delete removes the conversation id. Deleting the current conversation
// switches to the most recent remaining one, or to a new conversation.
func (c *Controller) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	isCurrent := id == c.current.ID
	if c.handle != nil {
		// no point persisting a stopped answer we are about to delete
		c.stopLocked(ctx, !isCurrent)
	}

	if err := c.repo.Delete(ctx, id); err != nil {
		return err
	}
	if !isCurrent {
		return nil
	}

	if next, ok := c.repo.LoadMostRecent(ctx); ok {
		c.current = next
	} else {
		c.current = conversation.New(c.systemPrompt)
	}
	log.Debug().Str("deleted_id", id).Str("conversation_id", c.current.ID).Msg("Deleted current conversation")
	return nil
}

// Rename sets the title of conversation id. A current conversation that was
// never stored is renamed in memory only.
func (c *Controller) Rename(ctx context.Context, id string, newTitle string) error {
	newTitle = strings.TrimSpace(newTitle)
	if newTitle == "" {
		return ErrEmptyTitle
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renameLocked(ctx, id, newTitle)
}

func (c *Controller) renameLocked(ctx context.Context, id string, newTitle string) error {
	isCurrent := id == c.current.ID
	if isCurrent {
		c.current = c.current.Renamed(newTitle)
	}
	err := c.repo.Rename(ctx, id, newTitle)
	if errors.Is(err, history.ErrNotFound) && isCurrent {
		return nil
	}
	return err
}

// Wait blocks until pending title generations are done.
func (c *Controller) Wait() {
	c.titleWG.Wait()
}

// Close stops a running stream, waits for it and for pending title generations.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	h := c.handle
	if h != nil {
		c.stopLocked(ctx, true)
	}
	c.mu.Unlock()

	h.Wait()
	c.titleWG.Wait()
	return nil
}

func (c *Controller) stopLocked(ctx context.Context, persist bool) {
	h := c.handle
	c.handle = nil
	c.engine.Cancel(h)

	idx := h.Target.MessageIndex
	next, err := c.current.FinishStreaming(idx, c.stopMarker)
	if err != nil {
		log.Error().Err(err).Str("handle_id", h.ID).Msg("Could not finish stopped message")
		return
	}
	c.current = next
	log.Debug().Str("conversation_id", next.ID).Str("handle_id", h.ID).Msg("Stopped stream")
	if persist {
		c.persistLocked(ctx, "stop")
	}
	events.Publish(c.sinks, events.NewInterruptEvent(c.metadataFor(h), next.Messages[idx].Content, c.stopMarker))
}

func (c *Controller) onDelta(d stream.Delta) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d.Handle != c.handle || d.Handle.Target.ConversationID != c.current.ID {
		log.Trace().Str("handle_id", d.Handle.ID).Str("kind", d.Kind.String()).Msg("Ignoring delta from stale handle")
		return
	}
	idx := d.Handle.Target.MessageIndex
	md := c.metadataFor(d.Handle)

	switch d.Kind {
	case stream.DeltaAppend:
		next, err := c.current.AppendContent(idx, d.Text)
		if err != nil {
			log.Error().Err(err).Str("handle_id", d.Handle.ID).Msg("Could not apply delta")
			return
		}
		c.current = next
		events.Publish(c.sinks, events.NewPartialCompletionEvent(md, d.Text, next.Messages[idx].Content))

	case stream.DeltaComplete:
		if !c.finishLocked(idx, "") {
			return
		}
		c.maybeGenerateTitleLocked()
		c.persistLocked(c.ctx, "complete")
		events.Publish(c.sinks, events.NewFinalEvent(md, c.current.Messages[idx].Content))

	case stream.DeltaError:
		if !c.finishLocked(idx, c.errorMarker) {
			return
		}
		log.Warn().Err(d.Cause).Str("kind", string(d.ErrKind)).Str("conversation_id", c.current.ID).Msg("Stream failed")
		c.persistLocked(c.ctx, "error")
		events.Publish(c.sinks, events.NewErrorEvent(md, d.Cause, c.current.Messages[idx].Content, c.errorMarker))
	}
}

func (c *Controller) finishLocked(idx int, marker string) bool {
	h := c.handle
	c.handle = nil
	next, err := c.current.FinishStreaming(idx, marker)
	if err != nil {
		log.Error().Err(err).Str("handle_id", h.ID).Msg("Could not finish message")
		return false
	}
	c.current = next
	return true
}

// maybeGenerateTitleLocked requests a title for the first completed exchange.
// NeedsTitle stays set until a title is applied, and a user rename clears it,
// which makes a late generated title a no-op.
func (c *Controller) maybeGenerateTitleLocked() {
	id := c.current.ID
	if !c.current.NeedsTitle || c.titlePending[id] {
		return
	}
	userTurn, assistantTurn, ok := c.current.LastExchange()
	if !ok {
		return
	}
	c.titlePending[id] = true

	c.titleWG.Add(1)
	go func() {
		defer c.titleWG.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.titleTimeout)
		defer cancel()

		t := c.titles.Generate(ctx, userTurn, assistantTurn)
		c.applyTitle(id, t)
	}()
}

func (c *Controller) applyTitle(id string, t string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.titlePending, id)

	needsTitle, err := c.needsTitleLocked(c.ctx, id)
	switch {
	case errors.Is(err, history.ErrNotFound):
		log.Debug().Str("conversation_id", id).Msg("Conversation gone before its title arrived")
		return
	case err != nil:
		log.Warn().Err(err).Str("conversation_id", id).Msg("Could not check conversation before applying title")
		return
	case !needsTitle:
		log.Debug().Str("conversation_id", id).Msg("Conversation was titled meanwhile, dropping generated title")
		return
	}

	if err := c.renameLocked(c.ctx, id, t); err != nil {
		log.Warn().Err(err).Str("conversation_id", id).Msg("Failed to store generated title")
	}
	log.Debug().Str("conversation_id", id).Str("title", t).Msg("Applied generated title")
	events.Publish(c.sinks, events.NewTitleEvent(events.NewMetadata(id), t))
}

func (c *Controller) needsTitleLocked(ctx context.Context, id string) (bool, error) {
	if id == c.current.ID {
		return c.current.NeedsTitle, nil
	}
	stored, err := c.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return stored.NeedsTitle, nil
}

func (c *Controller) persistLocked(ctx context.Context, reason string) {
	if err := c.repo.Save(ctx, c.current); err != nil {
		log.Warn().Err(err).
			Str("conversation_id", c.current.ID).
			Str("reason", reason).
			Msg("Failed to persist conversation, keeping in-memory state")
	}
}

func (c *Controller) metadataLocked() events.EventMetadata {
	return c.metadataFor(c.handle)
}

func (c *Controller) metadataFor(h *stream.Handle) events.EventMetadata {
	md := events.NewMetadata(c.current.ID)
	if h != nil {
		md.HandleID = h.ID
		md.MessageIndex = h.Target.MessageIndex
	}
	return md
}
