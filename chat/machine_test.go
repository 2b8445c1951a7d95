package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nexus/gate"
	"nexus/research"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type call struct {
	op     string
	topic  string
	resume research.ResumeRequest
}

type fakeBackend struct {
	mu        sync.Mutex
	calls     []call
	start     []research.Reply
	resume    []research.Reply
	startErr  error
	resumeErr error
	resetErr  error
	// block, when set, holds StartResearch until it is closed or ctx ends.
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeBackend) StartResearch(ctx context.Context, topic string) (research.Reply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{op: "start", topic: topic})
	block, entered := f.block, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return research.Reply{}, &research.Error{Kind: research.KindUnavailable, Op: "start_research", Cause: ctx.Err()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return research.Reply{}, f.startErr
	}
	return pop(&f.start), nil
}

func (f *fakeBackend) Resume(ctx context.Context, req research.ResumeRequest) (research.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "resume", resume: req})
	if f.resumeErr != nil {
		return research.Reply{}, f.resumeErr
	}
	return pop(&f.resume), nil
}

func (f *fakeBackend) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "reset"})
	return f.resetErr
}

func (f *fakeBackend) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.op)
	}
	return out
}

func (f *fakeBackend) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func pop(q *[]research.Reply) research.Reply {
	if len(*q) == 0 {
		return research.Reply{}
	}
	r := (*q)[0]
	*q = (*q)[1:]
	return r
}

var plan = research.Reply{BotMessage: "Plan ready", ApprovalRequired: true}

func newMachine(b *fakeBackend) *Machine {
	return New(b, gate.New(), time.Second)
}

func lastMessage(m *Machine) Message {
	msgs := m.Snapshot().Messages
	return msgs[len(msgs)-1]
}

// pendingMachine returns a machine in StageFeedback with approval pending.
func pendingMachine(t *testing.T, b *fakeBackend) *Machine {
	t.Helper()
	b.start = append(b.start, plan)
	m := newMachine(b)
	require.NoError(t, m.Submit(context.Background(), "quantum batteries"))
	require.True(t, m.Snapshot().CanApprove())
	return m
}

func TestNewMachineGreets(t *testing.T) {
	m := newMachine(&fakeBackend{})
	snap := m.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, SenderAgent, snap.Messages[0].Sender)
	assert.Equal(t, Greeting, snap.Messages[0].Text)
	assert.Equal(t, StageStart, snap.Session.Stage)
	assert.NotEmpty(t, snap.Session.ID)
	assert.False(t, snap.Busy)
}

func TestSubmitTopic(t *testing.T) {
	b := &fakeBackend{start: []research.Reply{plan}}
	m := newMachine(b)

	require.NoError(t, m.Submit(context.Background(), "quantum batteries"))

	assert.Equal(t, []string{"start"}, b.ops())
	assert.Equal(t, "quantum batteries", b.last().topic)

	snap := m.Snapshot()
	assert.Equal(t, StageFeedback, snap.Session.Stage)
	assert.True(t, snap.Session.ApprovalPending)
	assert.Equal(t, "quantum batteries", snap.Session.Topic)
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, Message{Sender: SenderUser, Text: "quantum batteries"}, withoutTime(snap.Messages[1]))
	assert.Equal(t, SenderAgent, snap.Messages[2].Sender)
	assert.Contains(t, snap.Messages[2].Text, "Plan ready")
	assert.True(t, snap.Messages[2].ApprovalRequired)
}

func TestSubmitTopicEmptyReply(t *testing.T) {
	m := newMachine(&fakeBackend{})
	require.NoError(t, m.Submit(context.Background(), "x"))
	assert.Equal(t, "No report plan generated.", lastMessage(m).Text)
	assert.False(t, m.Snapshot().Session.ApprovalPending)
}

func TestSubmitRejectsBlankText(t *testing.T) {
	b := &fakeBackend{}
	m := newMachine(b)

	err := m.Submit(context.Background(), "  \n\t")
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Empty(t, b.ops())
	assert.Len(t, m.Snapshot().Messages, 1)
}

func TestRejectPromptsForFeedback(t *testing.T) {
	b := &fakeBackend{}
	m := pendingMachine(t, b)
	before := len(m.Snapshot().Messages)

	require.NoError(t, m.Reject())

	snap := m.Snapshot()
	assert.Equal(t, StageFeedback, snap.Session.Stage)
	assert.False(t, snap.Session.ApprovalPending)
	assert.Len(t, snap.Messages, before+1)
	assert.Equal(t, FeedbackPrompt, lastMessage(m).Text)
	assert.Equal(t, []string{"start"}, b.ops(), "reject must not call the backend")
}

func TestFeedbackAccumulates(t *testing.T) {
	b := &fakeBackend{}
	m := pendingMachine(t, b)
	require.NoError(t, m.Reject())

	b.resume = []research.Reply{
		{BotMessage: "Revised plan 1"},
		{BotMessage: "Revised plan 2"},
		{BotMessage: "Revised plan 3", ApprovalRequired: true},
	}
	feedback := []string{"add more sources", "focus on Europe", "shorter"}
	for i, f := range feedback {
		require.NoError(t, m.Submit(context.Background(), f))
		want := "\n" + strings.Join(feedback[:i+1], "\n")
		assert.Equal(t, want, b.last().resume.Feedback)
		assert.False(t, b.last().resume.Approved)
		assert.Equal(t, "quantum batteries", b.last().resume.Topic)
		assert.Equal(t, want, m.Snapshot().Session.CumulativeFeedback)
	}

	assert.Equal(t, "\nadd more sources\nfocus on Europe\nshorter", m.Snapshot().Session.CumulativeFeedback)
	assert.Equal(t, "Revised plan 3", lastMessage(m).Text)
	assert.True(t, m.Snapshot().Session.ApprovalPending)
}

func TestFeedbackFirstRound(t *testing.T) {
	b := &fakeBackend{start: []research.Reply{{BotMessage: "Plan"}}}
	m := newMachine(b)
	require.NoError(t, m.Submit(context.Background(), "solar"))
	require.False(t, m.Snapshot().Session.ApprovalPending)

	b.resume = []research.Reply{{BotMessage: "Updated", ApprovalRequired: true}}
	require.NoError(t, m.Submit(context.Background(), "add more sources"))

	assert.Equal(t, "\nadd more sources", b.last().resume.Feedback)
	assert.Equal(t, "Updated", lastMessage(m).Text)
	assert.True(t, m.Snapshot().Session.ApprovalPending)
}

func TestSubmitWhilePending(t *testing.T) {
	b := &fakeBackend{}
	m := pendingMachine(t, b)
	before := m.Snapshot()

	err := m.Submit(context.Background(), "more detail please")
	assert.ErrorIs(t, err, ErrApprovalPending)
	after := m.Snapshot()
	assert.Equal(t, before.Messages, after.Messages)
	assert.Equal(t, before.Session, after.Session)
	assert.Equal(t, []string{"start"}, b.ops())
}

func TestApproveFinalReport(t *testing.T) {
	b := &fakeBackend{resume: []research.Reply{{Report: "Final text"}}}
	m := pendingMachine(t, b)
	oldID := m.SessionID()

	require.NoError(t, m.Approve(context.Background()))

	assert.Equal(t, []string{"start", "resume", "reset"}, b.ops())
	req := b.calls[1].resume
	assert.True(t, req.Approved)
	assert.Equal(t, "yes", req.Feedback)

	snap := m.Snapshot()
	assert.Equal(t, StageStart, snap.Session.Stage)
	assert.Equal(t, "Final text", snap.Session.FinalReport)
	assert.Empty(t, snap.Session.Topic)
	assert.NotEqual(t, oldID, snap.Session.ID)
	assert.False(t, snap.Busy)

	n := len(snap.Messages)
	report := snap.Messages[n-2]
	assert.True(t, report.IsFinalReport)
	assert.Equal(t, "Here is the final report:\nFinal text", report.Text)
	assert.Equal(t, NextTopic, snap.Messages[n-1].Text)
}

func TestApproveEmptyReply(t *testing.T) {
	b := &fakeBackend{}
	m := pendingMachine(t, b)
	require.NoError(t, m.Approve(context.Background()))

	snap := m.Snapshot()
	assert.Equal(t, "No final report generated.", snap.Session.FinalReport)
	assert.Equal(t, StageStart, snap.Session.Stage)
}

func TestApproveNonTerminalReply(t *testing.T) {
	b := &fakeBackend{resume: []research.Reply{{BotMessage: "One more question", ApprovalRequired: false}}}
	m := pendingMachine(t, b)

	require.NoError(t, m.Approve(context.Background()))

	snap := m.Snapshot()
	assert.Equal(t, StageFeedback, snap.Session.Stage)
	assert.False(t, snap.Session.ApprovalPending)
	assert.Equal(t, "quantum batteries", snap.Session.Topic)
	assert.Equal(t, "One more question", lastMessage(m).Text)
	assert.Equal(t, []string{"start", "resume"}, b.ops())
}

func TestApproveRequiresPending(t *testing.T) {
	b := &fakeBackend{start: []research.Reply{{BotMessage: "Plan"}}}
	m := newMachine(b)

	assert.ErrorIs(t, m.Approve(context.Background()), ErrInvalidEvent)
	assert.ErrorIs(t, m.Reject(), ErrInvalidEvent)

	require.NoError(t, m.Submit(context.Background(), "solar"))
	before := m.Snapshot()
	assert.ErrorIs(t, m.Approve(context.Background()), ErrInvalidEvent)
	assert.ErrorIs(t, m.Reject(), ErrInvalidEvent)
	assert.Equal(t, before.Messages, m.Snapshot().Messages)
	assert.Equal(t, []string{"start"}, b.ops())
}

func TestDuplicateApproveIgnored(t *testing.T) {
	b := &fakeBackend{resume: []research.Reply{{Report: "Final text"}}}
	m := pendingMachine(t, b)

	require.NoError(t, m.Approve(context.Background()))
	before := m.Snapshot()
	assert.ErrorIs(t, m.Approve(context.Background()), ErrInvalidEvent)
	assert.Equal(t, before, m.Snapshot())
	assert.Equal(t, []string{"start", "resume", "reset"}, b.ops())
}

func TestStartFailureLeavesState(t *testing.T) {
	b := &fakeBackend{startErr: &research.Error{Kind: research.KindUnavailable, Op: "start_research"}}
	m := newMachine(b)
	before := m.Snapshot().Session

	require.NoError(t, m.Submit(context.Background(), "quantum batteries"))

	snap := m.Snapshot()
	assert.Equal(t, before, snap.Session)
	assert.False(t, snap.Busy)
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, SenderUser, snap.Messages[1].Sender)
	agent := 0
	for _, msg := range snap.Messages[1:] {
		if msg.Sender == SenderAgent {
			agent++
			assert.Equal(t, ErrorReply, msg.Text)
		}
	}
	assert.Equal(t, 1, agent)
}

func TestFeedbackFailureKeepsCumulative(t *testing.T) {
	b := &fakeBackend{resume: []research.Reply{{BotMessage: "Revised"}}}
	m := pendingMachine(t, b)
	require.NoError(t, m.Reject())
	require.NoError(t, m.Submit(context.Background(), "first"))

	b.resumeErr = &research.Error{Kind: research.KindBackend, Op: "resume", Status: 500}
	require.NoError(t, m.Submit(context.Background(), "second"))

	snap := m.Snapshot()
	assert.Equal(t, "\nfirst", snap.Session.CumulativeFeedback)
	assert.Equal(t, StageFeedback, snap.Session.Stage)
	assert.Equal(t, ErrorReply, lastMessage(m).Text)

	b.resumeErr = nil
	b.resume = []research.Reply{{BotMessage: "Revised again"}}
	require.NoError(t, m.Submit(context.Background(), "second"))
	assert.Equal(t, "\nfirst\nsecond", b.last().resume.Feedback)
}

func TestApproveFailureKeepsPending(t *testing.T) {
	b := &fakeBackend{resumeErr: errors.New("connection refused")}
	m := pendingMachine(t, b)

	require.NoError(t, m.Approve(context.Background()))

	snap := m.Snapshot()
	assert.True(t, snap.Session.ApprovalPending)
	assert.Equal(t, StageFeedback, snap.Session.Stage)
	assert.Equal(t, ErrorReply, lastMessage(m).Text)
}

func TestResetClearsSession(t *testing.T) {
	b := &fakeBackend{resume: []research.Reply{{Report: "Final text"}}}
	m := pendingMachine(t, b)
	require.NoError(t, m.Approve(context.Background()))

	b.start = []research.Reply{{BotMessage: "Plan"}}
	require.NoError(t, m.Submit(context.Background(), "new topic"))
	b.resume = []research.Reply{{BotMessage: "Revised"}}
	require.NoError(t, m.Submit(context.Background(), "feedback"))
	oldID := m.SessionID()

	require.NoError(t, m.Reset(context.Background()))

	s := m.Snapshot().Session
	assert.Equal(t, StageStart, s.Stage)
	assert.Empty(t, s.Topic)
	assert.Empty(t, s.CumulativeFeedback)
	assert.False(t, s.ApprovalPending)
	assert.Equal(t, "Final text", s.FinalReport)
	assert.NotEqual(t, oldID, s.ID)
	assert.Equal(t, NextTopic, lastMessage(m).Text)
}

func TestResetSurvivesBackendFailure(t *testing.T) {
	b := &fakeBackend{resetErr: errors.New("backend down")}
	m := pendingMachine(t, b)

	require.NoError(t, m.Reset(context.Background()))

	s := m.Snapshot().Session
	assert.Equal(t, StageStart, s.Stage)
	assert.Empty(t, s.Topic)
	assert.Equal(t, NextTopic, lastMessage(m).Text)
}

func TestBusyRejectsSecondRequest(t *testing.T) {
	b := &fakeBackend{
		start:   []research.Reply{plan},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	m := newMachine(b)

	done := make(chan error, 1)
	go func() { done <- m.Submit(context.Background(), "quantum batteries") }()
	<-b.entered

	assert.True(t, m.Snapshot().Busy)
	assert.ErrorIs(t, m.Submit(context.Background(), "another"), ErrBusy)
	assert.ErrorIs(t, m.Reset(context.Background()), ErrBusy)
	assert.ErrorIs(t, m.Approve(context.Background()), ErrBusy)
	assert.ErrorIs(t, m.Reject(), ErrBusy)

	close(b.block)
	require.NoError(t, <-done)
	assert.False(t, m.Snapshot().Busy)
	assert.Equal(t, []string{"start"}, b.ops())
	assert.Equal(t, "Plan ready", lastMessage(m).Text)
}

func TestRequestTimeout(t *testing.T) {
	b := &fakeBackend{block: make(chan struct{})}
	defer close(b.block)
	m := New(b, gate.New(), 20*time.Millisecond)

	require.NoError(t, m.Submit(context.Background(), "slow topic"))
	assert.Equal(t, ErrorReply, lastMessage(m).Text)
	assert.Equal(t, StageStart, m.Snapshot().Session.Stage)
}

func TestOnChangeSeesEveryStep(t *testing.T) {
	b := &fakeBackend{start: []research.Reply{plan}}
	m := newMachine(b)

	var snaps []Snapshot
	m.OnChange(func(s Snapshot) { snaps = append(snaps, s) })
	require.NoError(t, m.Submit(context.Background(), "quantum batteries"))

	require.GreaterOrEqual(t, len(snaps), 3)
	assert.True(t, snaps[0].Busy, "user message is shown while the request runs")
	assert.Len(t, snaps[0].Messages, 2)
	final := snaps[len(snaps)-1]
	assert.False(t, final.Busy)
	assert.Len(t, final.Messages, 3)
}

func TestSnapshotIsCopy(t *testing.T) {
	m := newMachine(&fakeBackend{})
	snap := m.Snapshot()
	snap.Messages[0].Text = "changed"
	assert.Equal(t, Greeting, m.Snapshot().Messages[0].Text)
}

func TestStageString(t *testing.T) {
	tests := []struct {
		s    Stage
		want string
	}{
		{StageStart, "start"},
		{StageFeedback, "feedback"},
		{StageFinal, "final"},
		{Stage(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("Stage(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func withoutTime(m Message) Message {
	m.Time = time.Time{}
	return m
}

// legacyServer answers like backends that predate approval_required: plans
// come back as bot_message or result, resume needs feedback, and "yes" ends
// the workflow.
func legacyServer(t *testing.T) (*research.Client, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var feedback []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Topic    string `json:"topic"`
			Feedback string `json:"feedback"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		switch r.URL.Path {
		case "/api/start_research":
			w.Write([]byte(`{"bot_message":"plan v1"}`))
		case "/api/resume":
			if strings.TrimSpace(body.Feedback) == "" {
				w.WriteHeader(http.StatusUnprocessableEntity)
				w.Write([]byte(`{"detail":"feedback missing"}`))
				return
			}
			mu.Lock()
			feedback = append(feedback, body.Feedback)
			mu.Unlock()
			if body.Feedback == "yes" {
				w.Write([]byte(`{"result":"final text"}`))
				return
			}
			w.Write([]byte(`{"result":"revised plan"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	client := research.NewClient(srv.URL)
	t.Cleanup(func() {
		client.Close()
		srv.Close()
	})
	return client, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), feedback...)
	}
}

func TestLegacyBackendReachesFinalReport(t *testing.T) {
	client, feedback := legacyServer(t)
	m := New(client, gate.New(), 5*time.Second)
	ctx := context.Background()

	require.NoError(t, m.Submit(ctx, "quantum batteries"))
	require.True(t, m.Snapshot().CanApprove(), "a plan without approval_required awaits approval")

	require.NoError(t, m.Reject())
	require.NoError(t, m.Submit(ctx, "add more sources"))
	assert.Equal(t, "revised plan", lastMessage(m).Text)
	require.True(t, m.Snapshot().CanApprove())

	require.NoError(t, m.Approve(ctx))

	snap := m.Snapshot()
	assert.Equal(t, "final text", snap.Session.FinalReport)
	assert.Equal(t, StageStart, snap.Session.Stage)
	assert.Equal(t, []string{"\nadd more sources", "yes"}, feedback())
}
