package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ent0n29/lostfound/internal/brain"
	"github.com/ent0n29/lostfound/internal/dialogue"
	"github.com/ent0n29/lostfound/internal/intent"
	"github.com/ent0n29/lostfound/internal/observability"
	"github.com/ent0n29/lostfound/internal/query"
	"github.com/ent0n29/lostfound/internal/records"
	"github.com/ent0n29/lostfound/internal/session"
)

var fixedNow = time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC)

type fakeBrain struct {
	mu      sync.Mutex
	respond func(call int, messages []brain.Message) (string, error)
	calls   int
	last    []brain.Message
}

func (f *fakeBrain) Complete(_ context.Context, messages []brain.Message) (string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.last = append([]brain.Message(nil), messages...)
	respond := f.respond
	f.mu.Unlock()
	return respond(call, messages)
}

func (f *fakeBrain) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func replying(text string) *fakeBrain {
	return &fakeBrain{respond: func(int, []brain.Message) (string, error) { return text, nil }}
}

func classifyAs(in session.Intent) *fakeBrain {
	return replying(`{"intent":"` + string(in) + `"}`)
}

type harness struct {
	svc      *Service
	store    *session.MemoryStore
	repo     *records.MemoryRepository
	classify brain.Adapter
	filing   brain.Adapter
}

func newHarness(t *testing.T, classify, filing brain.Adapter, reports records.ReportCreator) *harness {
	t.Helper()
	store := session.NewMemoryStore(30 * time.Minute)
	repo := records.NewMemoryRepository()
	if reports == nil {
		reports = repo
	}
	metrics := observability.NewMetrics("chat_test", prometheus.NewRegistry())
	router := intent.NewRouter(classify, dialogue.DefaultCategories)
	svc := NewService(store, filing, router, query.FromRepository(repo), reports, metrics, zerolog.Nop(), Options{
		HistoryWindow: 10,
		CallTimeout:   time.Second,
		Now:           func() time.Time { return fixedNow },
	})
	store.SetExpireHook(svc.SessionExpired)
	return &harness{svc: svc, store: store, repo: repo, classify: classify, filing: filing}
}

// atStep stores a session positioned at step with data already collected.
func (h *harness) atStep(t *testing.T, step session.Step, data session.CollectedData) *session.Session {
	t.Helper()
	sess := h.store.Create("alice", "alice@example.com")
	sess.Step = step
	sess.Intent = session.IntentFileReport
	sess.CollectedData = data
	if err := h.store.Update(sess); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	return sess
}

func completeData() session.CollectedData {
	d := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	return session.CollectedData{
		Category:    "ELECTRONICS",
		Description: "black iPhone 14",
		Location:    "city library",
		DateLost:    &d,
	}
}

func TestStartGreets(t *testing.T) {
	h := newHarness(t, classifyAs(session.IntentUnknown), replying("{}"), nil)
	r, err := h.svc.Start(context.Background(), "alice", "alice@example.com")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if r.SessionID == "" || r.Step != session.StepGreeting || r.Intent != session.IntentUnknown {
		t.Fatalf("Start() = %+v", r)
	}
	if r.Reply != dialogue.GreetingMessage {
		t.Fatalf("Reply = %q", r.Reply)
	}
	sess, err := h.svc.Get(r.SessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(sess.Messages) != 1 || sess.Messages[0].Role != session.RoleAssistant {
		t.Fatalf("Messages = %+v", sess.Messages)
	}
}

func TestSendRichFirstMessageJumpsToFeatures(t *testing.T) {
	filing := replying(`{"message":"Sorry to hear that!","extracted":{"category":"electronics","description":"black iPhone 14",` +
		`"location":"city library","date_lost":"yesterday"},"flow":"provide_info"}`)
	h := newHarness(t, classifyAs(session.IntentFileReport), filing, nil)
	start, _ := h.svc.Start(context.Background(), "alice", "alice@example.com")

	r, err := h.svc.Send(context.Background(), start.SessionID, "I lost my phone at the library yesterday", "alice", "alice@example.com")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if r.Step != session.StepCollectingFeatures {
		t.Fatalf("Step = %s, want COLLECTING_FEATURES", r.Step)
	}
	if r.Intent != session.IntentFileReport {
		t.Fatalf("Intent = %s, want FILE_REPORT", r.Intent)
	}
	want := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if r.CollectedData.Category != "ELECTRONICS" || r.CollectedData.DateLost == nil || !r.CollectedData.DateLost.Equal(want) {
		t.Fatalf("CollectedData = %+v", r.CollectedData)
	}
	if len(r.Missing) != 0 {
		t.Fatalf("Missing = %v, want none", r.Missing)
	}
	if !strings.HasPrefix(r.Reply, "Sorry to hear that!") || !strings.Contains(r.Reply, dialogue.StepPrompt(session.StepCollectingFeatures)) {
		t.Fatalf("Reply = %q", r.Reply)
	}
	if sys := filing.last[0]; sys.Role != brain.RoleSystem || !strings.Contains(sys.Content, "Current step: GREETING") {
		t.Fatalf("system message = %+v", sys)
	}
}

func TestSendFirstUnclassifiedMessageEntersFiling(t *testing.T) {
	h := newHarness(t, replying("no idea"), replying("Could you tell me a bit more?"), nil)
	r, err := h.svc.Send(context.Background(), "", "hello there", "alice", "")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if r.Step != session.StepCollectingCategory || r.Intent != session.IntentFileReport {
		t.Fatalf("Step = %s, Intent = %s", r.Step, r.Intent)
	}
	if !strings.HasPrefix(r.Reply, "Could you tell me a bit more?") {
		t.Fatalf("Reply = %q, want raw text kept", r.Reply)
	}
	if !strings.Contains(r.Reply, dialogue.StepPrompt(session.StepCollectingCategory)) {
		t.Fatalf("Reply = %q, want category prompt", r.Reply)
	}
}

func TestConfirmFilesReportAndTerminalIsIdempotent(t *testing.T) {
	filing := replying(`{"message":"Great.","flow":"confirm"}`)
	h := newHarness(t, classifyAs(session.IntentFileReport), filing, nil)
	sess := h.atStep(t, session.StepConfirming, completeData())
	ctx := context.Background()

	r, err := h.svc.Send(ctx, sess.ID, "confirm", "alice", "alice@example.com")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if r.Step != session.StepCompleted || r.ReportID == "" {
		t.Fatalf("Send(confirm) = %+v", r)
	}
	if _, err := h.repo.GetReport(ctx, r.ReportID); err != nil {
		t.Fatalf("GetReport() error = %v", err)
	}
	before, _ := h.store.Get(sess.ID)
	calls := filing.callCount()

	for i := 0; i < 2; i++ {
		again, err := h.svc.Send(ctx, sess.ID, "confirm", "alice", "alice@example.com")
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		if again.Reply != alreadyFiledMessage || again.Step != session.StepCompleted || again.ReportID != r.ReportID {
			t.Fatalf("Send(again) = %+v", again)
		}
	}
	after, _ := h.store.Get(sess.ID)
	if len(after.Messages) != len(before.Messages) || after.CollectedData.Description != before.CollectedData.Description {
		t.Fatalf("terminal session mutated: before %d messages, after %d", len(before.Messages), len(after.Messages))
	}
	if filing.callCount() != calls {
		t.Fatalf("understanding call made on terminal session")
	}
}

func TestCancelIsAbsorbing(t *testing.T) {
	h := newHarness(t, classifyAs(session.IntentFileReport), replying(`{"flow":"cancel"}`), nil)
	sess := h.atStep(t, session.StepCollectingLocation, session.CollectedData{Category: "KEYS", Description: "car keys"})

	r, err := h.svc.Send(context.Background(), sess.ID, "forget it", "alice", "")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if r.Step != session.StepCancelled || r.Reply != cancelledMessage {
		t.Fatalf("Send(cancel) = %+v", r)
	}
	r, _ = h.svc.Send(context.Background(), sess.ID, "actually wait", "alice", "")
	if r.Step != session.StepCancelled || r.Reply != alreadyCancelledMessage {
		t.Fatalf("Send(after cancel) = %+v", r)
	}
}

func TestQueryIntentResetsAndReclassifies(t *testing.T) {
	classify := &fakeBrain{respond: func(call int, _ []brain.Message) (string, error) {
		if call == 1 {
			return `{"intent":"MY_PICKUPS"}`, nil
		}
		return `{"intent":"FILE_REPORT"}`, nil
	}}
	filing := replying(`{"message":"Okay.","extracted":{"category":"keys"}}`)
	h := newHarness(t, classify, filing, nil)
	if err := h.repo.Seed(context.Background(), records.Fixtures{Pickups: []records.Pickup{
		{ID: "p-1", UserID: "alice", ItemTitle: "Blue umbrella", Location: "Front desk", ScheduledAt: fixedNow, Status: "SCHEDULED"},
	}}); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	start, _ := h.svc.Start(context.Background(), "alice", "")

	r, err := h.svc.Send(context.Background(), start.SessionID, "show me my pickups", "alice", "")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if r.QueryResult == nil || r.QueryResult.Type != session.IntentMyPickups || r.QueryResult.Total != 1 {
		t.Fatalf("QueryResult = %+v", r.QueryResult)
	}
	if r.Intent != session.IntentUnknown || r.Step != session.StepGreeting {
		t.Fatalf("Intent = %s, Step = %s, want UNKNOWN and GREETING", r.Intent, r.Step)
	}
	if filing.callCount() != 0 {
		t.Fatalf("filing call made on query path")
	}

	r, err = h.svc.Send(context.Background(), start.SessionID, "I lost my keys", "alice", "")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if classify.callCount() != 2 {
		t.Fatalf("classification calls = %d, want 2", classify.callCount())
	}
	if r.Step != session.StepCollectingDescription || r.CollectedData.Category != "KEYS" {
		t.Fatalf("Send(second) = %+v", r)
	}
}

type brokenQueries struct{}

func (brokenQueries) ListPickups(context.Context, string, records.Page) ([]records.Pickup, int, error) {
	return nil, 0, errors.New("pickup service down")
}

func TestQueryFailureIsApologetic(t *testing.T) {
	h := newHarness(t, classifyAs(session.IntentMyPickups), replying("{}"), nil)
	h.svc.queries = query.NewHandlers(h.repo, h.repo, h.repo, brokenQueries{})

	r, err := h.svc.Send(context.Background(), "", "where are my pickups", "alice", "")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if r.Reply != queryFailedMessage || r.QueryResult != nil || r.Intent != session.IntentUnknown {
		t.Fatalf("Send() = %+v", r)
	}
}

func TestUnderstandingFailureKeepsState(t *testing.T) {
	filing := &fakeBrain{respond: func(int, []brain.Message) (string, error) {
		return "", &brain.StatusError{Code: 503, Body: "overloaded"}
	}}
	h := newHarness(t, classifyAs(session.IntentFileReport), filing, nil)
	data := session.CollectedData{Category: "WALLET"}
	sess := h.atStep(t, session.StepCollectingDescription, data)

	_, err := h.svc.Send(context.Background(), sess.ID, "brown leather", "alice", "")
	if !errors.Is(err, ErrUnderstandingUnavailable) {
		t.Fatalf("Send() error = %v, want ErrUnderstandingUnavailable", err)
	}
	var ue *UnderstandingError
	if !errors.As(err, &ue) || !ue.Retryable {
		t.Fatalf("Send() error = %#v, want retryable UnderstandingError", err)
	}

	got, err := h.store.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Step != session.StepCollectingDescription || got.CollectedData.Category != "WALLET" {
		t.Fatalf("session after failure = %+v", got)
	}
	if n := len(got.Messages); n != 1 || got.Messages[0].Content != "brown leather" {
		t.Fatalf("Messages = %+v, want the user message kept", got.Messages)
	}
}

type failingReports struct{}

func (failingReports) CreateReport(context.Context, records.ReportDraft) (records.Report, error) {
	return records.Report{}, errors.New("insert failed")
}

func TestReportCreationFailureRollsBack(t *testing.T) {
	h := newHarness(t, classifyAs(session.IntentFileReport), replying(`{"flow":"confirm"}`), failingReports{})
	sess := h.atStep(t, session.StepConfirming, completeData())

	r, err := h.svc.Send(context.Background(), sess.ID, "yes, confirm", "alice", "")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if r.Step != session.StepConfirming || r.Reply != reportFailedMessage || r.ReportID != "" {
		t.Fatalf("Send() = %+v", r)
	}
	if r.CollectedData.Description != "black iPhone 14" {
		t.Fatalf("CollectedData lost: %+v", r.CollectedData)
	}
}

func TestUnknownSessionRecovers(t *testing.T) {
	h := newHarness(t, classifyAs(session.IntentFileReport), replying(`{"message":"Hi."}`), nil)
	r, err := h.svc.Send(context.Background(), "does-not-exist", "hello", "alice", "")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !r.Recovered || r.SessionID == "" || r.SessionID == "does-not-exist" {
		t.Fatalf("Send() = %+v, want recovery into a new session", r)
	}
	if _, err := h.store.Get(r.SessionID); err != nil {
		t.Fatalf("Get(new session) error = %v", err)
	}
}

func (l *sessionLocks) queued(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.locks[key]; ok {
		return entry.refs
	}
	return 0
}

func TestQueuedTurnsOnUnknownSessionShareReplacement(t *testing.T) {
	entered := make(chan struct{}, 4)
	proceed := make(chan struct{})
	filing := &fakeBrain{respond: func(int, []brain.Message) (string, error) {
		entered <- struct{}{}
		<-proceed
		return `{"message":"ok"}`, nil
	}}
	h := newHarness(t, classifyAs(session.IntentFileReport), filing, nil)

	replies := make(chan Reply, 2)
	send := func(text string) {
		r, err := h.svc.Send(context.Background(), "gone", text, "alice", "")
		if err != nil {
			t.Errorf("Send() error = %v", err)
		}
		replies <- r
	}
	go send("I lost my keys")
	<-entered
	go send("they are on a blue lanyard")
	deadline := time.Now().Add(2 * time.Second)
	for h.svc.locks.queued("gone") < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("second turn never queued")
		}
		time.Sleep(time.Millisecond)
	}
	close(proceed)

	first, second := <-replies, <-replies
	if !first.Recovered || !second.Recovered {
		t.Fatalf("replies = %+v / %+v, want both recovered", first, second)
	}
	if first.SessionID != second.SessionID {
		t.Fatalf("queued turns landed in %s and %s, want one session", first.SessionID, second.SessionID)
	}
	sess, err := h.store.Get(first.SessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(sess.Messages) != 4 {
		t.Fatalf("len(Messages) = %d, want 4", len(sess.Messages))
	}
	if got := h.store.Len(); got != 1 {
		t.Fatalf("store Len() = %d, want 1", got)
	}
	if h.svc.locks.len() != 0 {
		t.Fatalf("session locks leaked: %d", h.svc.locks.len())
	}
}

func TestUnknownSessionAfterQueueDrainsStartsFresh(t *testing.T) {
	h := newHarness(t, classifyAs(session.IntentFileReport), replying(`{"message":"ok"}`), nil)
	ctx := context.Background()
	first, err := h.svc.Send(ctx, "gone", "I lost my keys", "bob", "")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	h.svc.Delete(first.SessionID)
	second, err := h.svc.Send(ctx, "gone", "hello again", "bob", "")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !second.Recovered || second.SessionID == first.SessionID {
		t.Fatalf("second reply = %+v, want a new session", second)
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	h := newHarness(t, classifyAs(session.IntentFileReport), replying("{}"), nil)
	if _, err := h.svc.Send(context.Background(), "", "   ", "alice", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("Send() error = %v, want ErrEmptyMessage", err)
	}
}

func TestSameSessionTurnsAreSerialized(t *testing.T) {
	var inflight, maxInflight atomic.Int32
	var maxContext atomic.Int32
	filing := &fakeBrain{respond: func(_ int, messages []brain.Message) (string, error) {
		n := inflight.Add(1)
		for {
			cur := maxInflight.Load()
			if n <= cur || maxInflight.CompareAndSwap(cur, n) {
				break
			}
		}
		if l := int32(len(messages)); l > maxContext.Load() {
			maxContext.Store(l)
		}
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)
		return `{"message":"ok"}`, nil
	}}
	h := newHarness(t, classifyAs(session.IntentFileReport), filing, nil)
	start, _ := h.svc.Start(context.Background(), "alice", "")

	const turns = 8
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.Send(context.Background(), start.SessionID, "still thinking", "alice", ""); err != nil {
				t.Errorf("Send() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := maxInflight.Load(); got != 1 {
		t.Fatalf("max concurrent understanding calls = %d, want 1", got)
	}
	if got := maxContext.Load(); got > 11 {
		t.Fatalf("context size = %d, want at most system + 10 history messages", got)
	}
	sess, _ := h.store.Get(start.SessionID)
	if len(sess.Messages) != 1+2*turns {
		t.Fatalf("len(Messages) = %d, want %d", len(sess.Messages), 1+2*turns)
	}
	if h.svc.locks.len() != 0 {
		t.Fatalf("session locks leaked: %d", h.svc.locks.len())
	}
}

func TestFullFilingFlowWithMockAdapter(t *testing.T) {
	mock := brain.NewMockAdapter()
	h := newHarness(t, mock, mock, nil)
	ctx := context.Background()
	start, _ := h.svc.Start(ctx, "alice", "alice@example.com")

	steps := []struct {
		text string
		want session.Step
	}{
		{"I lost my phone at the library yesterday", session.StepCollectingFeatures},
		{"it has a red sticker", session.StepCollectingPhone},
		{"skip", session.StepConfirming},
		{"confirm", session.StepCompleted},
	}
	var last Reply
	for _, st := range steps {
		r, err := h.svc.Send(ctx, start.SessionID, st.text, "alice", "alice@example.com")
		if err != nil {
			t.Fatalf("Send(%q) error = %v", st.text, err)
		}
		if r.Step != st.want {
			t.Fatalf("Send(%q) step = %s, want %s (reply %q)", st.text, r.Step, st.want, r.Reply)
		}
		last = r
	}
	report, err := h.repo.GetReport(ctx, last.ReportID)
	if err != nil {
		t.Fatalf("GetReport() error = %v", err)
	}
	if report.Category != "ELECTRONICS" || report.UserID != "alice" || len(report.IdentifyingFeatures) != 1 {
		t.Fatalf("report = %+v", report)
	}
}

func TestDeleteAndExpiryUpdateMetrics(t *testing.T) {
	h := newHarness(t, classifyAs(session.IntentUnknown), replying("{}"), nil)
	start, _ := h.svc.Start(context.Background(), "alice", "")
	h.svc.Delete(start.SessionID)
	if _, err := h.svc.Get(start.SessionID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Get() after Delete error = %v, want ErrNotFound", err)
	}
	h.svc.Delete(start.SessionID)
}
