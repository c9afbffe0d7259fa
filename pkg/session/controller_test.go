package session

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/murmur/pkg/conversation"
	"github.com/go-go-golems/murmur/pkg/events"
	"github.com/go-go-golems/murmur/pkg/history"
	"github.com/go-go-golems/murmur/pkg/store"
	"github.com/go-go-golems/murmur/pkg/stream"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeTransport hands out a fresh pipe for every request and publishes the
// write end so tests can feed frames at their own pace.
type pipeTransport struct {
	writers chan *io.PipeWriter

	mu       sync.Mutex
	requests [][]conversation.Turn
	openErr  error
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{writers: make(chan *io.PipeWriter, 8)}
}

func (p *pipeTransport) Open(_ context.Context, turns []conversation.Turn) (io.ReadCloser, error) {
	p.mu.Lock()
	p.requests = append(p.requests, turns)
	err := p.openErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	r, w := io.Pipe()
	p.writers <- w
	return r, nil
}

func (p *pipeTransport) request(i int) []conversation.Turn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func (p *pipeTransport) next(t *testing.T) *io.PipeWriter {
	t.Helper()
	select {
	case w := <-p.writers:
		return w
	case <-time.After(5 * time.Second):
		t.Fatal("no request was opened")
		return nil
	}
}

type countingStore struct {
	*store.MemoryStore

	mu   sync.Mutex
	sets int
	fail bool
}

func (s *countingStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.sets++
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func (s *countingStore) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *countingStore) Sets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets
}

type recordingTitles struct {
	title   string
	release chan struct{}

	mu    sync.Mutex
	calls [][2]string
}

func (r *recordingTitles) Generate(ctx context.Context, userTurn, assistantTurn string) string {
	r.mu.Lock()
	r.calls = append(r.calls, [2]string{userTurn, assistantTurn})
	r.mu.Unlock()
	if r.release != nil {
		<-r.release
	}
	return r.title
}

func (r *recordingTitles) Calls() [][2]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]string(nil), r.calls...)
}

type changeLog struct {
	mu      sync.Mutex
	changes []history.Change
}

func (c *changeLog) listen(change history.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, change)
}

func (c *changeLog) count(typ history.ChangeType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ch := range c.changes {
		if ch.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	ctx     context.Context
	store   *countingStore
	repo    *history.Repository
	changes *changeLog
	tr      *pipeTransport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	repo := history.NewRepository(st)
	changes := &changeLog{}
	unsubscribe := repo.Subscribe(changes.listen)
	t.Cleanup(unsubscribe)
	return &fixture{
		ctx:     context.Background(),
		store:   st,
		repo:    repo,
		changes: changes,
		tr:      newPipeTransport(),
	}
}

func (f *fixture) controller(t *testing.T, options ...Option) *Controller {
	t.Helper()
	c := NewController(f.ctx, f.repo, stream.NewEngine(f.tr), options...)
	t.Cleanup(func() {
		_ = c.Close(context.Background())
	})
	return c
}

func writeFrames(t *testing.T, w io.Writer, data ...string) {
	t.Helper()
	for _, d := range data {
		b, err := stream.EncodeFrame(stream.Payload{Status: stream.StatusProcessing, Data: d})
		require.NoError(t, err)
		_, err = w.Write(b)
		require.NoError(t, err)
	}
}

// answer feeds data followed by the sentinel and waits for the stream to end.
func answer(t *testing.T, f *fixture, c *Controller, data ...string) {
	t.Helper()
	h := c.Active()
	require.NotNil(t, h)
	w := f.tr.next(t)
	writeFrames(t, w, append(data, stream.FinishedSentinel)...)
	h.Wait()
	require.Equal(t, StateIdle, c.State())
}

func waitForContent(t *testing.T, c *Controller, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return msgs[len(msgs)-1].Content == want
	}, 5*time.Second, time.Millisecond)
}

func requireSingleStreamingMessage(t *testing.T, c conversation.Conversation) {
	t.Helper()
	n := 0
	for _, m := range c.Messages {
		if m.IsStreaming {
			n++
		}
	}
	require.LessOrEqual(t, n, 1)
	require.NoError(t, c.Validate())
}

func TestHelloScenario(t *testing.T) {
	f := newFixture(t)
	titles := &recordingTitles{title: "Greeting"}

	var mu sync.Mutex
	var seen []events.EventType
	sink := events.SinkFunc(func(e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type())
		return nil
	})

	c := f.controller(t, WithTitleGenerator(titles), WithEventSinks(sink))
	require.NoError(t, c.Submit(f.ctx, "  Hello \n"))
	require.Equal(t, StateStreaming, c.State())
	require.Equal(t, 1, f.changes.count(history.ChangeSaved))

	msgs := c.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, conversation.NewChatMessage(conversation.RoleUser, "Hello"), msgs[1])
	require.True(t, msgs[2].IsStreaming)
	requireSingleStreamingMessage(t, c.Conversation())

	h := c.Active()
	w := f.tr.next(t)
	writeFrames(t, w, "Hi", " there")
	waitForContent(t, c, "Hi there")
	require.Equal(t, 1, f.changes.count(history.ChangeSaved))

	writeFrames(t, w, stream.FinishedSentinel)
	h.Wait()
	c.Wait()

	require.Equal(t, StateIdle, c.State())
	last := c.Messages()[2]
	require.Equal(t, "Hi there", last.Content)
	require.False(t, last.IsStreaming)
	require.Equal(t, 2, f.changes.count(history.ChangeSaved))

	require.Equal(t, []conversation.Turn{
		{Role: conversation.RoleSystem, Content: conversation.DefaultSystemPrompt},
		{Role: conversation.RoleUser, Content: "Hello"},
	}, f.tr.request(0))

	require.Equal(t, [][2]string{{"Hello", "Hi there"}}, titles.Calls())
	require.Equal(t, "Greeting", c.Conversation().Title)
	stored, err := f.repo.Get(f.ctx, c.Conversation().ID)
	require.NoError(t, err)
	require.Equal(t, "Greeting", stored.Title)
	require.False(t, stored.NeedsTitle)
	require.Equal(t, c.Messages(), stored.Messages)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []events.EventType{
		events.EventTypeStart,
		events.EventTypePartialCompletion,
		events.EventTypePartialCompletion,
		events.EventTypeFinal,
		events.EventTypeTitle,
	}, seen)
}

func TestTitleIsGeneratedOnce(t *testing.T) {
	f := newFixture(t)
	titles := &recordingTitles{title: "First"}
	c := f.controller(t, WithTitleGenerator(titles))

	require.NoError(t, c.Submit(f.ctx, "one"))
	answer(t, f, c, "1")
	require.NoError(t, c.Submit(f.ctx, "two"))
	answer(t, f, c, "2")
	c.Wait()

	require.Len(t, titles.Calls(), 1)
	require.Equal(t, "First", c.Conversation().Title)
	require.Len(t, c.VisibleMessages(), 4)
}

func TestEmptySubmitIsNoop(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t)

	for _, text := range []string{"", "   ", "\n\t"} {
		require.ErrorIs(t, c.Submit(f.ctx, text), ErrEmptyPrompt)
	}
	require.Equal(t, StateIdle, c.State())
	require.Len(t, c.Messages(), 1)
	require.Equal(t, 0, f.store.Sets())
}

func TestSubmitWhileStreamingIsRejected(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t)

	require.NoError(t, c.Submit(f.ctx, "first"))
	require.ErrorIs(t, c.Submit(f.ctx, "second"), ErrBusy)
	require.Len(t, c.Messages(), 3)
	requireSingleStreamingMessage(t, c.Conversation())
}

func TestStopAppendsMarkerOnce(t *testing.T) {
	f := newFixture(t)
	titles := &recordingTitles{title: "unused"}
	c := f.controller(t, WithTitleGenerator(titles))

	require.NoError(t, c.Submit(f.ctx, "Hello"))
	h := c.Active()
	w := f.tr.next(t)
	writeFrames(t, w, "Hi")
	waitForContent(t, c, "Hi")

	require.NoError(t, c.Stop(f.ctx))
	require.Equal(t, StateIdle, c.State())
	require.ErrorIs(t, c.Stop(f.ctx), ErrNotStreaming)
	h.Wait()

	_, err := w.Write([]byte("data: {\"status\":\"processing\",\"data\":\" there\"}\n\n"))
	assert.Error(t, err)

	last := c.Messages()[2]
	require.Equal(t, "Hi"+DefaultStopMarker, last.Content)
	require.False(t, last.IsStreaming)
	require.Equal(t, 1, strings.Count(last.Content, DefaultStopMarker))

	stored, err := f.repo.Get(f.ctx, c.Conversation().ID)
	require.NoError(t, err)
	require.Equal(t, last, stored.Messages[2])

	c.Wait()
	require.Empty(t, titles.Calls())
}

func TestConnectionFailureAppendsErrorMarker(t *testing.T) {
	f := newFixture(t)
	f.tr.openErr = errors.New("connection refused")
	c := f.controller(t)

	require.NoError(t, c.Submit(f.ctx, "Hello"))
	c.Active().Wait()

	require.Equal(t, StateIdle, c.State())
	last := c.Messages()[2]
	require.Equal(t, DefaultErrorMarker, last.Content)
	require.False(t, last.IsStreaming)

	stored, err := f.repo.Get(f.ctx, c.Conversation().ID)
	require.NoError(t, err)
	require.Equal(t, DefaultErrorMarker, stored.Messages[2].Content)

	require.NoError(t, c.Submit(f.ctx, "retry by hand"))
}

func TestInterruptOnSubmit(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t, WithInterruptOnSubmit(true))

	require.NoError(t, c.Submit(f.ctx, "first"))
	h1 := c.Active()
	w1 := f.tr.next(t)
	writeFrames(t, w1, "partial")
	waitForContent(t, c, "partial")

	require.NoError(t, c.Submit(f.ctx, "second"))
	require.True(t, h1.Cancelled())
	h1.Wait()
	requireSingleStreamingMessage(t, c.Conversation())

	_, err := w1.Write([]byte("data: {\"status\":\"processing\",\"data\":\"stale\"}\n\n"))
	assert.Error(t, err)

	h2 := c.Active()
	w2 := f.tr.next(t)

	require.Equal(t, []conversation.Turn{
		{Role: conversation.RoleSystem, Content: conversation.DefaultSystemPrompt},
		{Role: conversation.RoleUser, Content: "first"},
		{Role: conversation.RoleAssistant, Content: "partial" + DefaultStopMarker},
		{Role: conversation.RoleUser, Content: "second"},
	}, f.tr.request(1))

	writeFrames(t, w2, "fresh", stream.FinishedSentinel)
	h2.Wait()
	msgs := c.VisibleMessages()
	require.Len(t, msgs, 4)
	require.Equal(t, "partial"+DefaultStopMarker, msgs[1].Content)
	require.Equal(t, "fresh", msgs[3].Content)
}

func TestSelectWhileStreamingCancelsFirst(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t)
	other := conversation.New("", conversation.WithID("other"), conversation.WithTitle("Other"))
	require.NoError(t, f.repo.Save(f.ctx, other))

	require.NoError(t, c.Submit(f.ctx, "Hello"))
	first := c.Conversation().ID
	h := c.Active()
	writeFrames(t, f.tr.next(t), "Hi")
	waitForContent(t, c, "Hi")

	require.ErrorIs(t, c.Select(f.ctx, "missing"), ErrNotFound)
	require.Equal(t, StateStreaming, c.State())

	require.NoError(t, c.Select(f.ctx, "other"))
	require.Equal(t, StateIdle, c.State())
	require.Equal(t, "other", c.Conversation().ID)
	h.Wait()

	stored, err := f.repo.Get(f.ctx, first)
	require.NoError(t, err)
	require.Equal(t, "Hi"+DefaultStopMarker, stored.Messages[2].Content)
	require.False(t, stored.IsStreaming())
}

func TestNewConversationWhileStreamingCancelsFirst(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t)

	require.NoError(t, c.Submit(f.ctx, "Hello"))
	first := c.Conversation().ID

	fresh := c.NewConversation(f.ctx)
	require.NotEqual(t, first, fresh.ID)
	require.Equal(t, StateIdle, c.State())
	require.Len(t, c.Messages(), 1)

	stored, err := f.repo.Get(f.ctx, first)
	require.NoError(t, err)
	require.Equal(t, DefaultStopMarker, stored.Messages[2].Content)

	// a fresh conversation is stored on its first submit only
	_, err = f.repo.Get(f.ctx, fresh.ID)
	require.ErrorIs(t, err, history.ErrNotFound)
}

func TestDeleteCurrentSwitchesToMostRecent(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.repo.Save(f.ctx, conversation.New("", conversation.WithID("old"), conversation.WithCreatedAt(base))))
	require.NoError(t, f.repo.Save(f.ctx, conversation.New("", conversation.WithID("new"), conversation.WithCreatedAt(base.Add(time.Hour)))))

	c := f.controller(t)
	require.Equal(t, "new", c.Conversation().ID)

	require.NoError(t, c.Submit(f.ctx, "Hello"))
	require.NoError(t, c.Delete(f.ctx, "new"))
	require.Equal(t, StateIdle, c.State())
	require.Equal(t, "old", c.Conversation().ID)

	require.NoError(t, c.Delete(f.ctx, "old"))
	require.NotEqual(t, "old", c.Conversation().ID)
	require.Empty(t, c.Catalogue(f.ctx))

	require.NoError(t, c.Delete(f.ctx, "never-existed"))
}

func saveOther(t *testing.T, f *fixture) {
	t.Helper()
	other := conversation.New("", conversation.WithID("other"),
		conversation.WithCreatedAt(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, f.repo.Save(f.ctx, other))
}

func TestDeleteOtherConversation(t *testing.T) {
	f := newFixture(t)
	saveOther(t, f)
	c := f.controller(t)
	require.Equal(t, "other", c.Conversation().ID)

	current := c.NewConversation(f.ctx).ID
	require.NoError(t, c.Submit(f.ctx, "Hello"))
	answer(t, f, c, "Hi")

	require.NoError(t, c.Delete(f.ctx, "other"))
	require.Equal(t, current, c.Conversation().ID)
	require.Len(t, c.VisibleMessages(), 2)

	cat := c.Catalogue(f.ctx)
	require.Len(t, cat, 1)
	require.Equal(t, current, cat[0].ID)
}

func TestDeleteOtherConversationWhileStreaming(t *testing.T) {
	f := newFixture(t)
	saveOther(t, f)
	c := f.controller(t)

	current := c.NewConversation(f.ctx).ID
	require.NoError(t, c.Submit(f.ctx, "Hello"))
	h := c.Active()
	writeFrames(t, f.tr.next(t), "Hi")
	waitForContent(t, c, "Hi")

	require.NoError(t, c.Delete(f.ctx, "other"))
	require.Equal(t, StateIdle, c.State())
	require.Equal(t, current, c.Conversation().ID)
	h.Wait()

	_, err := f.repo.Get(f.ctx, "other")
	require.ErrorIs(t, err, history.ErrNotFound)
	stored, err := f.repo.Get(f.ctx, current)
	require.NoError(t, err)
	require.Equal(t, "Hi"+DefaultStopMarker, stored.Messages[2].Content)
	require.False(t, stored.IsStreaming())
}

func TestRename(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.repo.Save(f.ctx, conversation.New("", conversation.WithID("stored"),
		conversation.WithCreatedAt(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))))
	c := f.controller(t)
	require.Equal(t, "stored", c.Conversation().ID)

	fresh := c.NewConversation(f.ctx)
	require.NoError(t, c.Rename(f.ctx, fresh.ID, "  Mine "))
	require.Equal(t, "Mine", c.Conversation().Title)

	require.NoError(t, c.Rename(f.ctx, "stored", "Renamed"))
	stored, err := f.repo.Get(f.ctx, "stored")
	require.NoError(t, err)
	require.Equal(t, "Renamed", stored.Title)

	require.ErrorIs(t, c.Rename(f.ctx, "missing", "x"), ErrNotFound)
	require.ErrorIs(t, c.Rename(f.ctx, "stored", "   "), ErrEmptyTitle)
}

func TestRestoreMostRecentAfterRestart(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t)
	require.NoError(t, c.Submit(f.ctx, "Hello"))
	answer(t, f, c, "Hi")
	c.Wait()

	restarted := NewController(f.ctx, f.repo, stream.NewEngine(f.tr))
	want, got := c.Conversation(), restarted.Conversation()
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, "Hello", got.Title)
	require.Equal(t, want.Messages, got.Messages)
	require.True(t, want.CreatedAt.Equal(got.CreatedAt))
}

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	f := newFixture(t)
	f.store.setFail(true)
	c := f.controller(t)

	require.NoError(t, c.Submit(f.ctx, "Hello"))
	answer(t, f, c, "Hi", " there")

	require.Equal(t, "Hi there", c.Messages()[2].Content)
	require.Empty(t, c.Catalogue(f.ctx))
	require.Equal(t, 0, f.changes.count(history.ChangeSaved))
	require.Greater(t, f.store.Sets(), 0)
}

func TestTitleForDeletedConversationIsDropped(t *testing.T) {
	f := newFixture(t)
	titles := &recordingTitles{title: "Late", release: make(chan struct{})}
	c := f.controller(t, WithTitleGenerator(titles))

	require.NoError(t, c.Submit(f.ctx, "Hello"))
	id := c.Conversation().ID
	answer(t, f, c, "Hi")

	require.NoError(t, c.Delete(f.ctx, id))
	close(titles.release)
	c.Wait()

	_, err := f.repo.Get(f.ctx, id)
	require.ErrorIs(t, err, history.ErrNotFound)
	require.NotEqual(t, "Late", c.Conversation().Title)
}

func TestCloseStopsStream(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t)

	require.NoError(t, c.Submit(f.ctx, "Hello"))
	require.NoError(t, c.Close(f.ctx))
	require.Equal(t, StateIdle, c.State())
	require.Equal(t, DefaultStopMarker, c.Messages()[2].Content)
	require.ErrorIs(t, c.Submit(f.ctx, "again"), ErrClosed)
}

func TestUserRenameWhileStreamingSkipsTitleGeneration(t *testing.T) {
	f := newFixture(t)
	titles := &recordingTitles{title: "Generated"}
	c := f.controller(t, WithTitleGenerator(titles))

	require.NoError(t, c.Submit(f.ctx, "Hello"))
	id := c.Conversation().ID
	require.NoError(t, c.Rename(f.ctx, id, "My own title"))
	answer(t, f, c, "Hi")
	c.Wait()

	require.Empty(t, titles.Calls())
	require.Equal(t, "My own title", c.Conversation().Title)
	stored, err := f.repo.Get(f.ctx, id)
	require.NoError(t, err)
	require.Equal(t, "My own title", stored.Title)
	require.False(t, stored.NeedsTitle)
}

func TestUserRenameWinsOverPendingTitle(t *testing.T) {
	f := newFixture(t)
	titles := &recordingTitles{title: "Generated", release: make(chan struct{})}
	c := f.controller(t, WithTitleGenerator(titles))

	require.NoError(t, c.Submit(f.ctx, "Hello"))
	id := c.Conversation().ID
	answer(t, f, c, "Hi")
	require.Eventually(t, func() bool {
		return len(titles.Calls()) == 1
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, c.Rename(f.ctx, id, "Mine"))
	close(titles.release)
	c.Wait()

	require.Equal(t, "Mine", c.Conversation().Title)
	stored, err := f.repo.Get(f.ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Mine", stored.Title)
}

func TestPendingTitleForSwitchedAwayConversationIsApplied(t *testing.T) {
	f := newFixture(t)
	titles := &recordingTitles{title: "Generated", release: make(chan struct{})}
	c := f.controller(t, WithTitleGenerator(titles))

	require.NoError(t, c.Submit(f.ctx, "Hello"))
	id := c.Conversation().ID
	answer(t, f, c, "Hi")

	c.NewConversation(f.ctx)
	close(titles.release)
	c.Wait()

	stored, err := f.repo.Get(f.ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Generated", stored.Title)
	require.False(t, stored.NeedsTitle)
}
