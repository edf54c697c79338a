// Package chat runs conversation turns: it resolves the session, routes opening messages,
// drives report filing through the understanding call and files the finished report.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/lostfound/internal/brain"
	"github.com/ent0n29/lostfound/internal/dialogue"
	"github.com/ent0n29/lostfound/internal/intent"
	"github.com/ent0n29/lostfound/internal/observability"
	"github.com/ent0n29/lostfound/internal/policy"
	"github.com/ent0n29/lostfound/internal/query"
	"github.com/ent0n29/lostfound/internal/records"
	"github.com/ent0n29/lostfound/internal/session"
)

const (
	alreadyFiledMessage     = "Your report has already been filed. Start a new conversation if you need anything else."
	alreadyCancelledMessage = "This report was cancelled. Start a new conversation if you want to file another one."
	cancelledMessage        = "No problem, I've cancelled this report. Nothing was filed."
	reportFailedMessage     = "Sorry, I couldn't file your report just now. Your details are saved; reply \"confirm\" to try again."
	queryFailedMessage      = "Sorry, I couldn't look that up right now. Please try again in a moment."
	logPreviewRunes         = 80
)

type Options struct {
	HistoryWindow int
	CallTimeout   time.Duration
	Categories    dialogue.CategorySet
	Now           func() time.Time
}

// Reply is the outcome of one turn.
type Reply struct {
	SessionID     string                `json:"session_id"`
	Reply         string                `json:"reply"`
	Step          session.Step          `json:"step"`
	Intent        session.Intent        `json:"intent"`
	CollectedData session.CollectedData `json:"collected_data"`
	ReportID      string                `json:"report_id,omitempty"`
	QueryResult   *query.Result         `json:"query_result,omitempty"`
	Prompt        string                `json:"prompt,omitempty"`
	Missing       []session.Field       `json:"missing,omitempty"`
	Recovered     bool                  `json:"recovered,omitempty"`
}

type Service struct {
	store      session.Store
	adapter    brain.Adapter
	router     *intent.Router
	queries    *query.Handlers
	reports    records.ReportCreator
	metrics    *observability.Metrics
	log        zerolog.Logger
	opts       Options
	normalizer dialogue.Normalizer
	locks      *sessionLocks
}

func NewService(
	store session.Store,
	adapter brain.Adapter,
	router *intent.Router,
	queries *query.Handlers,
	reports records.ReportCreator,
	metrics *observability.Metrics,
	log zerolog.Logger,
	opts Options,
) *Service {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 10
	}
	if opts.Categories.Len() == 0 {
		opts.Categories = dialogue.DefaultCategories
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if router == nil {
		router = intent.NewRouter(adapter, opts.Categories)
	}
	return &Service{
		store:      store,
		adapter:    adapter,
		router:     router,
		queries:    queries,
		reports:    reports,
		metrics:    metrics,
		log:        log,
		opts:       opts,
		normalizer: dialogue.Normalizer{Categories: opts.Categories, Now: opts.Now},
		locks:      newSessionLocks(),
	}
}

// Start opens a new session and greets the user.
func (s *Service) Start(_ context.Context, userID, userEmail string) (Reply, error) {
	sess := s.store.Create(userID, userEmail)
	s.sessionEvent("created")
	sess.AppendMessage(session.RoleAssistant, dialogue.GreetingMessage, s.opts.Now())
	if err := s.store.Update(sess); err != nil {
		return Reply{}, fmt.Errorf("start session: %w", err)
	}
	s.log.Info().Str("session_id", sess.ID).Str("user_id", userID).Msg("session started")
	return s.reply(sess, dialogue.GreetingMessage), nil
}

// Get returns a snapshot of the session.
func (s *Service) Get(sessionID string) (*session.Session, error) {
	return s.store.Get(sessionID)
}

func (s *Service) Delete(sessionID string) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()
	s.store.Delete(sessionID)
	s.sessionEvent("deleted")
}

// SessionExpired is the store's expiry hook.
func (s *Service) SessionExpired(sess *session.Session) {
	s.sessionEvent("expired")
	s.log.Debug().Str("session_id", sess.ID).Str("step", string(sess.Step)).Msg("session expired")
}

// Send processes one user message. Turns on the same session id run one at a time in
// arrival order.
func (s *Service) Send(ctx context.Context, sessionID, text, userID, userEmail string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, ErrEmptyMessage
	}

	held := s.locks.acquire(sessionID)
	defer s.locks.release(sessionID, held)

	turnStarted := time.Now()
	defer func() { s.metrics.ObserveStage(observability.StageTurnTotal, time.Since(turnStarted)) }()

	stageStarted := time.Now()
	sess, recovered, release := s.resolve(held, sessionID, userID, userEmail)
	defer release()
	s.metrics.ObserveStage(observability.StageResolve, time.Since(stageStarted))

	log := s.log.With().Str("session_id", sess.ID).Str("step", string(sess.Step)).Logger()

	if sess.Step.Terminal() {
		s.turn("terminal")
		msg := alreadyFiledMessage
		if sess.Step == session.StepCancelled {
			msg = alreadyCancelledMessage
		}
		r := s.reply(sess, msg)
		r.Recovered = recovered
		return r, nil
	}

	sess.AppendMessage(session.RoleUser, text, s.opts.Now())
	log.Debug().Str("text", policy.LogPreview(text, logPreviewRunes)).Msg("user message")

	if sess.Step == session.StepGreeting && sess.Intent == session.IntentUnknown {
		stageStarted = time.Now()
		cls := s.router.Classify(ctx, text)
		s.metrics.ObserveStage(observability.StageClassify, time.Since(stageStarted))
		if s.metrics != nil {
			s.metrics.Intents.WithLabelValues(string(cls.Intent)).Inc()
		}

		switch intent.RouteFor(cls.Intent) {
		case intent.RouteQuery:
			r, err := s.answerQuery(ctx, sess, cls, log)
			r.Recovered = recovered
			return r, err
		case intent.RouteSlotFilling:
			sess.Intent = session.IntentFileReport
		}
	}

	r, err := s.fillSlots(ctx, sess, log)
	r.Recovered = recovered
	return r, err
}

// resolve loads the session or, when the id is unknown or expired, starts a new one.
// Turns of a named user queued behind the one that started the new session continue
// in it instead of starting another. The returned func releases any extra lock taken for that session.
func (s *Service) resolve(held *sessionLock, sessionID, userID, userEmail string) (*session.Session, bool, func()) {
	if sessionID != "" {
		sess, err := s.store.Get(sessionID)
		if err == nil {
			return sess, false, func() {}
		}
		if held.replacement != "" && session.IsNamedUser(userID) {
			if sess, release, ok := s.continueReplacement(held.replacement, userID); ok {
				return sess, true, release
			}
		}
	}
	sess := s.store.Create(userID, userEmail)
	held.replacement = sess.ID
	s.sessionEvent("recovered")
	s.metrics.ObserveIndicator("session_recovered")
	s.log.Info().Str("requested_session_id", sessionID).Str("session_id", sess.ID).Msg("started new session for unknown id")
	return sess, true, func() {}
}

func (s *Service) continueReplacement(id, userID string) (*session.Session, func(), bool) {
	release := s.locks.Lock(id)
	sess, err := s.store.Get(id)
	if err != nil || sess.UserID != userID {
		release()
		return nil, nil, false
	}
	return sess, release, true
}

func (s *Service) answerQuery(ctx context.Context, sess *session.Session, cls intent.Classification, log zerolog.Logger) (Reply, error) {
	params := query.Params{
		UserID:   sess.UserID,
		Keyword:  cls.Keyword,
		Category: cls.Category,
		ReportID: cls.ReportID,
	}

	stageStarted := time.Now()
	var (
		result query.Result
		err    error
	)
	if s.queries == nil {
		err = errors.New("query handlers not configured")
	} else {
		result, err = s.queries.Run(ctx, cls.Intent, params)
	}
	s.metrics.ObserveStage(observability.StageQuery, time.Since(stageStarted))

	text := result.Message
	var resultPtr *query.Result
	if err != nil {
		log.Error().Err(err).Str("intent", string(cls.Intent)).Msg("query handler failed")
		text = queryFailedMessage
		s.turn("query_failed")
	} else {
		resultPtr = &result
		s.turn("query")
	}

	sess.Intent = session.IntentUnknown
	sess.AppendMessage(session.RoleAssistant, text, s.opts.Now())
	s.persist(sess, log)

	r := s.reply(sess, text)
	r.QueryResult = resultPtr
	return r, nil
}

func (s *Service) fillSlots(ctx context.Context, sess *session.Session, log zerolog.Logger) (Reply, error) {
	stageStarted := time.Now()
	raw, err := s.understand(ctx, sess)
	s.metrics.ObserveStage(observability.StageUnderstand, time.Since(stageStarted))
	if err != nil {
		retryable := brain.IsRetryable(err)
		if s.metrics != nil {
			s.metrics.UnderstandingErrors.WithLabelValues("filing", "call_error").Inc()
		}
		s.turn("failed")
		log.Warn().Err(err).Bool("retryable", retryable).Msg("understanding call failed")
		s.persist(sess, log)
		return Reply{}, &UnderstandingError{SessionID: sess.ID, Retryable: retryable, Err: err}
	}

	parsed := dialogue.ParseReply(raw)
	if !parsed.Structured && s.metrics != nil {
		s.metrics.UnderstandingErrors.WithLabelValues("filing", "unstructured").Inc()
		s.metrics.ObserveIndicator("unstructured_reply")
	}

	s.normalizer.Merge(&sess.CollectedData, parsed.Extracted)
	next := s.advance(sess.Step, sess.CollectedData, parsed.Signal)
	log.Debug().
		Str("signal", string(parsed.Signal)).
		Str("next_step", string(next)).
		Bool("structured", parsed.Structured).
		Msg("slot filling turn")

	var text string
	switch next {
	case session.StepCompleted:
		text, next = s.finalize(ctx, sess, log)
	case session.StepCancelled:
		text = cancelledMessage
		s.turn("cancelled")
	default:
		text = dialogue.ComposeReply(parsed.Message, next, sess.CollectedData)
		s.turn("filing")
	}

	sess.Step = next
	sess.AppendMessage(session.RoleAssistant, text, s.opts.Now())
	s.persist(sess, log)

	r := s.reply(sess, text)
	r.ReportID = sess.ReportID
	return r, nil
}

// advance applies the step machine, then keeps moving past required-field steps whose
// field the same message already filled.
func (s *Service) advance(current session.Step, data session.CollectedData, signal dialogue.FlowSignal) session.Step {
	next := dialogue.NextStep(current, data, signal)
	for i := 0; i < len(session.RequiredFields); i++ {
		field, ok := requiredFieldOf(next)
		if !ok || !data.Has(field) {
			break
		}
		next = dialogue.NextStep(next, data, dialogue.SignalProvideInfo)
	}
	return next
}

func requiredFieldOf(step session.Step) (session.Field, bool) {
	for _, f := range session.RequiredFields {
		if st, ok := dialogue.StepForField(f); ok && st == step {
			return f, true
		}
	}
	return "", false
}

func (s *Service) understand(ctx context.Context, sess *session.Session) (string, error) {
	if s.adapter == nil {
		return "", errors.New("understanding adapter not configured")
	}
	history := sess.RecentMessages(s.opts.HistoryWindow)
	messages := make([]brain.Message, 0, len(history)+1)
	messages = append(messages, brain.Message{
		Role:    brain.RoleSystem,
		Content: dialogue.FilingInstruction(sess.Step, sess.CollectedData, s.opts.Categories),
	})
	for _, m := range history {
		role := brain.RoleUser
		if m.Role == session.RoleAssistant {
			role = brain.RoleAssistant
		}
		messages = append(messages, brain.Message{Role: role, Content: m.Content})
	}

	callCtx := ctx
	if s.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.opts.CallTimeout)
		defer cancel()
	}
	return s.adapter.Complete(callCtx, messages)
}

// finalize files the report. On failure the dialogue returns to confirmation with the
// collected data intact.
func (s *Service) finalize(ctx context.Context, sess *session.Session, log zerolog.Logger) (string, session.Step) {
	data := sess.CollectedData
	if missing := data.Missing(); len(missing) > 0 {
		step, _ := dialogue.StepForField(missing[0])
		s.turn("filing")
		return dialogue.ComposeReply("", step, data), step
	}
	if s.reports == nil {
		log.Error().Msg("report creator not configured")
		s.turn("finalize_failed")
		return reportFailedMessage, session.StepConfirming
	}

	stageStarted := time.Now()
	report, err := s.reports.CreateReport(ctx, records.ReportDraft{
		UserID:              sess.UserID,
		UserEmail:           sess.UserEmail,
		Category:            data.Category,
		Description:         data.Description,
		Location:            data.Location,
		DateLost:            *data.DateLost,
		IdentifyingFeatures: data.IdentifyingFeatures,
		ContactPhone:        data.ContactPhone,
	})
	s.metrics.ObserveStage(observability.StageFinalize, time.Since(stageStarted))
	if err != nil {
		log.Error().Err(err).Msg("report creation failed")
		s.turn("finalize_failed")
		return reportFailedMessage, session.StepConfirming
	}

	sess.ReportID = report.ID
	s.turn("completed")
	log.Info().Str("report_id", report.ID).Str("category", report.Category).Msg("report filed")
	return fmt.Sprintf("Your report has been filed. Your reference is %s. "+
		"We'll compare it with items that are handed in and let you know about any match.", report.ID), session.StepCompleted
}

func (s *Service) persist(sess *session.Session, log zerolog.Logger) {
	if err := s.store.Update(sess); err != nil {
		log.Warn().Err(err).Msg("session vanished during turn")
	}
}

func (s *Service) reply(sess *session.Session, text string) Reply {
	r := Reply{
		SessionID:     sess.ID,
		Reply:         text,
		Step:          sess.Step,
		Intent:        sess.Intent,
		CollectedData: sess.CollectedData.Clone(),
		ReportID:      sess.ReportID,
		Prompt:        dialogue.StepPrompt(sess.Step),
	}
	if !sess.Step.Terminal() {
		r.Missing = sess.CollectedData.Missing()
	}
	return r
}

func (s *Service) turn(outcome string) {
	if s.metrics != nil {
		s.metrics.Turns.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) sessionEvent(event string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SessionEvents.WithLabelValues(event).Inc()
	s.metrics.ActiveSessions.Set(float64(s.store.Len()))
}
