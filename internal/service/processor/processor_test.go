package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntsagui/neocortex/internal/analysis/qualification"
	"github.com/ntsagui/neocortex/internal/broker"
	"github.com/ntsagui/neocortex/internal/model/chat"
	"github.com/ntsagui/neocortex/internal/model/signal"
	"github.com/ntsagui/neocortex/internal/service/ai"
	"github.com/ntsagui/neocortex/internal/service/conversation"
)

type published struct {
	Topic  string
	Key    string
	Signal signal.Signal
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
	fail map[string]error
}

func (r *recordingPublisher) Publish(_ context.Context, topic, key string, sig signal.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.fail[topic]; ok {
		return err
	}
	r.sent = append(r.sent, published{Topic: topic, Key: key, Signal: sig})
	return nil
}

func (r *recordingPublisher) on(topic string) []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []published
	for _, p := range r.sent {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (r *recordingPublisher) all() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.sent...)
}

type fakeGenerator struct {
	reply   string
	report  string
	err     error
	delay   time.Duration
	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32

	mu          sync.Mutex
	lastHistory []chat.Message
}

func (f *fakeGenerator) Generate(_ context.Context, history []chat.Message, _ chat.ProspectInfo, _ string) (string, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.lastHistory = append([]chat.Message(nil), history...)
	f.mu.Unlock()

	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeGenerator) GenerateReport(_ context.Context, _ []chat.Message, _ chat.ProspectInfo) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.report, nil
}

type fixture struct {
	store *conversation.Store
	gen   *fakeGenerator
	pub   *recordingPublisher
	proc  *Processor
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		store: conversation.NewStore(rdb),
		gen:   &fakeGenerator{reply: "Bonjour, parlons de votre projet."},
		pub:   &recordingPublisher{},
	}
	f.proc = New(f.store, f.gen, f.pub, nil, opts)
	return f
}

func leadSignal(t *testing.T, sessionID, message string, prospect chat.ProspectInfo, opts ...signal.Option) signal.Signal {
	t.Helper()
	sig, err := signal.New(signal.LeadMessageReceived, signal.SourceSensoriel, signal.LeadMessagePayload{
		SessionID:    sessionID,
		Message:      message,
		ProspectInfo: prospect,
		Language:     "fr",
	}, opts...)
	require.NoError(t, err)
	return sig
}

func (f *fixture) seedHistory(t *testing.T, sessionID string, contents ...string) {
	t.Helper()
	for i, content := range contents {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		require.NoError(t, f.store.AppendMessage(context.Background(), sessionID, role, content))
	}
}

func TestHandleFirstMessage(t *testing.T) {
	f := newFixture(t, Options{})
	sig := leadSignal(t, "s1", "Quel est votre prix ?", chat.ProspectInfo{Name: "Ada", Email: "ada@x.io", Company: "X"},
		signal.WithCorrelationID("c-1"))

	res := f.proc.Handle(context.Background(), sig)
	require.NoError(t, res.Err)
	assert.Equal(t, StageDone, res.Stage)
	assert.Equal(t, "c-1", res.CorrelationID)

	sent := f.pub.all()
	require.Len(t, sent, 2)
	assert.Equal(t, signal.TopicIntelligence, sent[0].Topic)
	assert.Equal(t, signal.TopicOutputChat, sent[1].Topic)

	var detected signal.IntentDetectedPayload
	require.NoError(t, sent[0].Signal.DecodePayload(&detected))
	assert.Equal(t, "budget", detected.Intent)
	assert.Equal(t, []string{"prix"}, detected.KeywordsMatched)
	assert.InDelta(t, 0.8, sent[0].Signal.Confidence, 1e-9)

	var response signal.ResponsePayload
	require.NoError(t, sent[1].Signal.DecodePayload(&response))
	assert.Equal(t, "s1", response.SessionID)
	assert.Equal(t, f.gen.reply, response.Response)
	assert.Equal(t, 2, response.MessageCount)
	assert.InDelta(t, ResponseConfidence, sent[1].Signal.Confidence, 1e-9)
	assert.Equal(t, signal.PriorityNormal, sent[1].Signal.Metadata.Priority)

	for _, p := range sent {
		assert.Equal(t, "c-1", p.Signal.CorrelationID)
		assert.Equal(t, "s1", p.Key)
		assert.Equal(t, signal.SourceNLP, p.Signal.Source)
	}

	history, err := f.store.GetHistory(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, chat.RoleUser, history[0].Role)
	assert.Equal(t, chat.RoleAssistant, history[1].Role)

	info, ok, err := f.store.GetProspectInfo(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Ada", info.Name)
	assert.Equal(t, "fr", info.Language)
}

func TestHandleGeneratesMissingCorrelationID(t *testing.T) {
	f := newFixture(t, Options{})
	sig := leadSignal(t, "s1", "hello", chat.ProspectInfo{})
	sig.CorrelationID = ""

	res := f.proc.Handle(context.Background(), sig)
	require.NoError(t, res.Err)
	require.NotEmpty(t, res.CorrelationID)
	for _, p := range f.pub.all() {
		assert.Equal(t, res.CorrelationID, p.Signal.CorrelationID)
	}
}

func TestHandleQualifiesFromSixMessages(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedHistory(t, "s1", "Bonjour", "Bonjour !", "We have a budget", "Noted", "We are interested")
	prospect := chat.ProspectInfo{Name: "Ada", Phone: "+33600000000"}

	res := f.proc.Handle(context.Background(), leadSignal(t, "s1", "Next steps?", prospect, signal.WithCorrelationID("c-q")))
	require.NoError(t, res.Err)

	assert.Len(t, f.gen.lastHistory, 6)

	quals := f.pub.on(signal.TopicQualification)
	require.Len(t, quals, 1)
	q := quals[0].Signal
	assert.Equal(t, signal.LeadQualified, q.Type)
	assert.Equal(t, "c-q", q.CorrelationID)
	assert.Equal(t, signal.PriorityHigh, q.Metadata.Priority)
	assert.InDelta(t, 0.8, q.Confidence, 1e-9)

	var payload signal.QualificationPayload
	require.NoError(t, q.DecodePayload(&payload))
	assert.Equal(t, 80, payload.Score)
	assert.Equal(t, 6, payload.MessageCount)
	assert.Equal(t, string(qualification.GenerateReport), payload.RecommendedAction)
	assert.True(t, payload.QualificationCriteria[qualification.CriterionPhone])

	responses := f.pub.on(signal.TopicOutputChat)
	require.Len(t, responses, 1)
	var response signal.ResponsePayload
	require.NoError(t, responses[0].Signal.DecodePayload(&response))
	assert.Equal(t, 7, response.MessageCount)
}

func TestHandleSkipsQualificationBelowSixMessages(t *testing.T) {
	f := newFixture(t, Options{})
	f.seedHistory(t, "s1", "a", "b", "c", "d")

	res := f.proc.Handle(context.Background(), leadSignal(t, "s1", "e", chat.ProspectInfo{Phone: "0600"}))
	require.NoError(t, res.Err)

	assert.Len(t, f.gen.lastHistory, 5)
	assert.Empty(t, f.pub.on(signal.TopicQualification))
}

func TestHandleGeneratorFailureEmitsOneError(t *testing.T) {
	f := newFixture(t, Options{})
	f.gen.err = fmt.Errorf("%w: status 500", ai.ErrUpstream)
	sig := leadSignal(t, "s1", "hello", chat.ProspectInfo{}, signal.WithCorrelationID("c-err"))

	res := f.proc.Handle(context.Background(), sig)
	assert.Equal(t, StageFailed, res.Stage)
	assert.True(t, errors.Is(res.Err, ai.ErrUpstream))

	assert.Len(t, f.pub.on(signal.TopicIntelligence), 1)
	assert.Empty(t, f.pub.on(signal.TopicOutputChat))
	assert.Empty(t, f.pub.on(signal.TopicQualification))

	errs := f.pub.on(signal.TopicErrors)
	require.Len(t, errs, 1)
	e := errs[0].Signal
	assert.Equal(t, signal.ErrorProcessingFailed, e.Type)
	assert.Equal(t, "c-err", e.CorrelationID)
	assert.Equal(t, signal.PriorityHigh, e.Metadata.Priority)
	assert.InDelta(t, 1.0, e.Confidence, 1e-9)

	var payload signal.ProcessingErrorPayload
	require.NoError(t, e.DecodePayload(&payload))
	assert.Equal(t, sig.ID, payload.OriginalSignalID)
	assert.Equal(t, "s1", payload.SessionID)
	assert.Contains(t, payload.Error, "status 500")

	history, err := f.store.GetHistory(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestHandleMalformedPayload(t *testing.T) {
	f := newFixture(t, Options{})
	sig := leadSignal(t, "", "no session", chat.ProspectInfo{})

	res := f.proc.Handle(context.Background(), sig)
	assert.Equal(t, StageFailed, res.Stage)
	assert.True(t, errors.Is(res.Err, ErrIngestion))
	assert.Zero(t, f.gen.calls.Load())

	sent := f.pub.all()
	require.Len(t, sent, 1)
	assert.Equal(t, signal.TopicErrors, sent[0].Topic)
	assert.Equal(t, sig.CorrelationID, sent[0].Key)
}

func TestHandleIntentPublishFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.pub.fail = map[string]error{signal.TopicIntelligence: errors.New("broker down")}

	res := f.proc.Handle(context.Background(), leadSignal(t, "s1", "hello", chat.ProspectInfo{}))
	assert.Equal(t, StageFailed, res.Stage)
	assert.Zero(t, f.gen.calls.Load())
	assert.Len(t, f.pub.on(signal.TopicErrors), 1)
}

func TestHandleErrorSinkFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, Options{})
	f.gen.err = ai.ErrTimeout
	f.pub.fail = map[string]error{signal.TopicErrors: errors.New("broker down")}

	res := f.proc.Handle(context.Background(), leadSignal(t, "s1", "hello", chat.ProspectInfo{}))
	assert.Equal(t, StageFailed, res.Stage)
	assert.True(t, errors.Is(res.Err, ai.ErrTimeout))
}

func TestHandleReplayRunsTwice(t *testing.T) {
	f := newFixture(t, Options{})
	sig := leadSignal(t, "s1", "hello", chat.ProspectInfo{})

	f.proc.Handle(context.Background(), sig)
	f.proc.Handle(context.Background(), sig)

	assert.Len(t, f.pub.on(signal.TopicOutputChat), 2)
	history, err := f.store.GetHistory(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestHandleExpiredSignal(t *testing.T) {
	old := signal.WithTimestamp(time.Now().Add(-2 * time.Minute))

	t.Run("processed by default", func(t *testing.T) {
		f := newFixture(t, Options{})
		res := f.proc.Handle(context.Background(), leadSignal(t, "s1", "hello", chat.ProspectInfo{}, old))
		assert.False(t, res.Skipped)
		assert.Len(t, f.pub.on(signal.TopicOutputChat), 1)
	})

	t.Run("dropped when configured", func(t *testing.T) {
		f := newFixture(t, Options{DropExpired: true})
		res := f.proc.Handle(context.Background(), leadSignal(t, "s1", "hello", chat.ProspectInfo{}, old))
		assert.True(t, res.Skipped)
		assert.Empty(t, f.pub.all())
	})
}

func TestHandleIgnoresOtherTypes(t *testing.T) {
	f := newFixture(t, Options{})
	sig, err := signal.New(signal.AssistantResponse, signal.SourceNLP, signal.ResponsePayload{SessionID: "s1"})
	require.NoError(t, err)

	res := f.proc.Handle(context.Background(), sig)
	assert.True(t, res.Skipped)
	assert.Empty(t, f.pub.all())
}

func TestHandleSerializesSameSession(t *testing.T) {
	f := newFixture(t, Options{})
	f.gen.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.proc.Handle(context.Background(), leadSignal(t, "same", fmt.Sprintf("msg %d", i), chat.ProspectInfo{}))
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.gen.maxSeen.Load())
	history, err := f.store.GetHistory(context.Background(), "same")
	require.NoError(t, err)
	assert.Len(t, history, 10)
	for i := 0; i < len(history); i += 2 {
		assert.Equal(t, chat.RoleUser, history[i].Role)
		assert.Equal(t, chat.RoleAssistant, history[i+1].Role)
	}
	assert.Zero(t, f.proc.locks.size())
}

func TestHandleSessionWaitHonoursDeadline(t *testing.T) {
	f := newFixture(t, Options{})
	f.gen.delay = 300 * time.Millisecond

	firstDone := make(chan Result, 1)
	go func() {
		firstDone <- f.proc.Handle(context.Background(), leadSignal(t, "busy", "first", chat.ProspectInfo{}))
	}()
	require.Eventually(t, func() bool { return f.gen.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	second := leadSignal(t, "busy", "second", chat.ProspectInfo{}, signal.WithCorrelationID("c-busy"))
	start := time.Now()
	res := f.proc.Handle(ctx, second)

	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, StageFailed, res.Stage)
	assert.ErrorIs(t, res.Err, ErrSessionBusy)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)

	first := <-firstDone
	assert.Equal(t, StageDone, first.Stage)
	assert.EqualValues(t, 1, f.gen.calls.Load())

	errs := f.pub.on(signal.TopicErrors)
	require.Len(t, errs, 1)
	assert.Equal(t, "c-busy", errs[0].Signal.CorrelationID)

	history, err := f.store.GetHistory(context.Background(), "busy")
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Zero(t, f.proc.locks.size())
}

func TestReportMalformedPublishesError(t *testing.T) {
	f := newFixture(t, Options{})

	f.proc.ReportMalformed(context.Background(), broker.MalformedEntry{
		Topic:         signal.TopicInputChat,
		EntryID:       "1700000000000-0",
		SignalID:      "sig-bad",
		CorrelationID: "c-bad",
		SessionID:     "s1",
		Err:           fmt.Errorf("%w: confidence 1.5 out of range", signal.ErrInvalidSignal),
	})

	errs := f.pub.on(signal.TopicErrors)
	require.Len(t, errs, 1)
	e := errs[0].Signal
	assert.Equal(t, signal.ErrorProcessingFailed, e.Type)
	assert.Equal(t, signal.PriorityHigh, e.Metadata.Priority)
	assert.Equal(t, "c-bad", e.CorrelationID)
	assert.Equal(t, "s1", errs[0].Key)

	var payload signal.ProcessingErrorPayload
	require.NoError(t, e.DecodePayload(&payload))
	assert.Equal(t, "sig-bad", payload.OriginalSignalID)
	assert.Contains(t, payload.Error, "out of range")
	assert.Zero(t, f.gen.calls.Load())
}

func TestConsumedMalformedEntryReachesErrorsChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	streams := broker.NewStreams(rdb, 0)
	gen := &fakeGenerator{reply: "ok"}
	proc := New(conversation.NewStore(rdb), gen, streams, nil, Options{})
	consumer := broker.NewConsumer(rdb, broker.ConsumerConfig{
		Topic:           signal.TopicInputChat,
		Group:           "nlp",
		Name:            "worker-1",
		Block:           50 * time.Millisecond,
		HandlerTimeout:  time.Second,
		ShutdownTimeout: time.Second,
		OnMalformed:     proc.ReportMalformed,
	}, nil)
	require.NoError(t, consumer.EnsureGroup(ctx))

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: signal.TopicInputChat,
		Values: map[string]any{
			"key":    "s1",
			"signal": `{"id":"sig-bad","type":"LEAD_MESSAGE_RECEIVED","payload":{"session_id":"s1","message":"hi"},"confiance":1.5}`,
		},
	}).Err())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- consumer.Run(runCtx, proc.Consume) }()

	require.Eventually(t, func() bool {
		n, err := rdb.XLen(ctx, signal.TopicErrors).Result()
		return err == nil && n == 1
	}, 3*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	entries, err := rdb.XRange(ctx, signal.TopicErrors, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	raw, _ := entries[0].Values["signal"].(string)
	e, err := signal.Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, signal.ErrorProcessingFailed, e.Type)

	var payload signal.ProcessingErrorPayload
	require.NoError(t, e.DecodePayload(&payload))
	assert.Equal(t, "sig-bad", payload.OriginalSignalID)
	assert.Zero(t, gen.calls.Load())

	history, err := conversation.NewStore(rdb).GetHistory(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestHandleRunsSessionsInParallel(t *testing.T) {
	f := newFixture(t, Options{})
	f.gen.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.proc.Handle(context.Background(), leadSignal(t, fmt.Sprintf("s%d", i), "hello", chat.ProspectInfo{}))
		}(i)
	}
	wg.Wait()

	assert.Greater(t, f.gen.maxSeen.Load(), int32(1))
	assert.Len(t, f.pub.on(signal.TopicOutputChat), 4)
}
