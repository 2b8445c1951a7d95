// Package chat owns the research conversation: stage, topic, accumulated
// feedback and the message log. It is the only caller of the backend's
// start, resume and reset operations.
package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"nexus/gate"
	"nexus/log"
	"nexus/research"
)

const (
	Greeting       = "Hi, I am Nexus, your deep research partner.\nTo start the research, please provide a topic."
	NextTopic      = "Let's do another topic. What would you like to research?"
	FeedbackPrompt = "Please share your feedback on the plan."
	ErrorReply     = "Error processing your request."
	FinalPrefix    = "Here is the final report:\n"

	noPlan        = "No report plan generated."
	noUpdatedPlan = "No updated report plan generated."
	noReport      = "No final report generated."

	// approvalText is the user's turn when the plan is approved. It is also
	// sent as feedback, which older backends read as the approval.
	approvalText = "yes"
)

type Backend interface {
	StartResearch(ctx context.Context, topic string) (research.Reply, error)
	Resume(ctx context.Context, req research.ResumeRequest) (research.Reply, error)
	Reset(ctx context.Context) error
}

type Machine struct {
	backend Backend
	gate    *gate.Gate
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	session  Session
	messages []Message
	onChange func(Snapshot)
}

// New returns a machine in StageStart holding the greeting. timeout bounds
// every backend call; zero means no bound beyond the caller's context.
func New(backend Backend, g *gate.Gate, timeout time.Duration) *Machine {
	m := &Machine{
		backend: backend,
		gate:    g,
		timeout: timeout,
		now:     time.Now,
		session: newSession(""),
	}
	m.messages = []Message{{Sender: SenderAgent, Text: Greeting, Time: m.now()}}
	return m
}

// OnChange registers fn to receive a snapshot after every applied change.
// fn runs on the goroutine that made the change and must not call back into
// the machine's mutating methods.
func (m *Machine) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	msgs := make([]Message, len(m.messages))
	copy(msgs, m.messages)
	return Snapshot{Session: m.session, Messages: msgs, Busy: m.gate.Busy()}
}

func (m *Machine) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.ID
}

// Submit sends free text: the topic in StageStart, feedback in StageFeedback.
// Backend failures are reported in the message log, not returned.
func (m *Machine) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return &ValidationError{Field: "message"}
	}
	if !m.gate.TryAcquire() {
		return ErrBusy
	}
	defer m.release()

	m.mu.Lock()
	s := m.session
	m.mu.Unlock()

	switch {
	case s.Stage == StageStart:
		m.startTopic(ctx, text)
		return nil
	case s.Stage == StageFeedback && s.ApprovalPending:
		return ErrApprovalPending
	case s.Stage == StageFeedback:
		m.sendFeedback(ctx, s, text)
		return nil
	default:
		return ErrInvalidEvent
	}
}

func (m *Machine) startTopic(ctx context.Context, topic string) {
	m.appendMessage(Message{Sender: SenderUser, Text: topic})

	callCtx, cancel := m.callContext(ctx)
	defer cancel()
	reply, err := m.backend.StartResearch(callCtx, topic)
	if err != nil {
		log.Errorf("start research: %v", err)
		m.appendMessage(Message{Sender: SenderAgent, Text: ErrorReply})
		return
	}

	m.mu.Lock()
	m.session.Topic = topic
	m.mu.Unlock()
	m.applyReply(ctx, reply, noPlan)
}

func (m *Machine) sendFeedback(ctx context.Context, s Session, feedback string) {
	m.appendMessage(Message{Sender: SenderUser, Text: feedback})

	candidate := s.CumulativeFeedback + "\n" + feedback
	callCtx, cancel := m.callContext(ctx)
	defer cancel()
	reply, err := m.backend.Resume(callCtx, research.ResumeRequest{Topic: s.Topic, Feedback: candidate})
	if err != nil {
		log.Errorf("resume with feedback: %v", err)
		m.appendMessage(Message{Sender: SenderAgent, Text: ErrorReply})
		return
	}

	m.mu.Lock()
	m.session.CumulativeFeedback = candidate
	m.mu.Unlock()
	m.applyReply(ctx, reply, noUpdatedPlan)
}

// Approve accepts the pending plan. A final report ends the session and
// starts a new one.
func (m *Machine) Approve(ctx context.Context) error {
	if !m.gate.TryAcquire() {
		return ErrBusy
	}
	defer m.release()

	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s.Stage != StageFeedback || !s.ApprovalPending {
		return ErrInvalidEvent
	}

	m.appendMessage(Message{Sender: SenderUser, Text: approvalText})

	callCtx, cancel := m.callContext(ctx)
	defer cancel()
	reply, err := m.backend.Resume(callCtx, research.ResumeRequest{Topic: s.Topic, Approved: true, Feedback: approvalText})
	if err != nil {
		log.Errorf("resume with approval: %v", err)
		m.appendMessage(Message{Sender: SenderAgent, Text: ErrorReply})
		return nil
	}
	if !reply.Final() && reply.BotMessage == "" {
		m.finish(ctx, "")
		return nil
	}
	m.applyReply(ctx, reply, noUpdatedPlan)
	return nil
}

// Reject declines the pending plan and asks for feedback. The backend is not
// contacted; the next Submit carries the feedback.
func (m *Machine) Reject() error {
	if !m.gate.TryAcquire() {
		return ErrBusy
	}
	defer m.release()

	m.mu.Lock()
	if m.session.Stage != StageFeedback || !m.session.ApprovalPending {
		m.mu.Unlock()
		return ErrInvalidEvent
	}
	m.session.ApprovalPending = false
	id := m.session.ID
	m.messages = append(m.messages, Message{Sender: SenderAgent, Text: FeedbackPrompt, Time: m.now()})
	m.mu.Unlock()

	log.Stage(id, StageFeedback.String(), StageFeedback.String(), false)
	m.notify()
	return nil
}

// Reset abandons the current topic. The final report, if any, is kept.
func (m *Machine) Reset(ctx context.Context) error {
	if !m.gate.TryAcquire() {
		return ErrBusy
	}
	defer m.release()
	m.reset(ctx)
	return nil
}

// reset requires the gate to be held.
func (m *Machine) reset(ctx context.Context) {
	ctx, cancel := m.callContext(ctx)
	defer cancel()
	if err := m.backend.Reset(ctx); err != nil {
		log.Warnf("backend reset failed, resetting locally: %v", err)
	}

	m.mu.Lock()
	from := m.session.Stage
	m.session = newSession(m.session.FinalReport)
	m.messages = append(m.messages, Message{Sender: SenderAgent, Text: NextTopic, Time: m.now()})
	id := m.session.ID
	m.mu.Unlock()

	log.Stage(id, from.String(), StageStart.String(), false)
	m.notify()
}

// applyReply records a successful start/resume answer. It requires the gate.
func (m *Machine) applyReply(ctx context.Context, reply research.Reply, fallback string) {
	if reply.Final() {
		m.finish(ctx, reply.Report)
		return
	}

	text := reply.BotMessage
	if text == "" {
		text = fallback
	}

	m.mu.Lock()
	from := m.session.Stage
	m.session.Stage = StageFeedback
	m.session.ApprovalPending = reply.ApprovalRequired
	m.messages = append(m.messages, Message{
		Sender:           SenderAgent,
		Text:             text,
		ApprovalRequired: reply.ApprovalRequired,
		Time:             m.now(),
	})
	id := m.session.ID
	m.mu.Unlock()

	log.Stage(id, from.String(), StageFeedback.String(), reply.ApprovalRequired)
	m.notify()
}

func (m *Machine) finish(ctx context.Context, report string) {
	if strings.TrimSpace(report) == "" {
		report = noReport
	}

	m.mu.Lock()
	from := m.session.Stage
	m.session.Stage = StageFinal
	m.session.ApprovalPending = false
	m.session.FinalReport = report
	m.messages = append(m.messages, Message{
		Sender:        SenderAgent,
		Text:          FinalPrefix + report,
		IsFinalReport: true,
		Time:          m.now(),
	})
	id := m.session.ID
	m.mu.Unlock()

	log.Stage(id, from.String(), StageFinal.String(), false)
	m.notify()

	m.reset(ctx)
}

func (m *Machine) appendMessage(msg Message) {
	msg.Time = m.now()
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
	m.notify()
}

func (m *Machine) release() {
	m.gate.Release()
	m.notify()
}

func (m *Machine) notify() {
	m.mu.Lock()
	fn := m.onChange
	snap := m.snapshotLocked()
	m.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

func (m *Machine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}
