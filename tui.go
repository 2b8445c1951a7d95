package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"nexus/chat"
	"nexus/log"
	"nexus/recorder"
	"nexus/settings"
)

type conversation interface {
	Snapshot() chat.Snapshot
	Submit(ctx context.Context, text string) error
	Approve(ctx context.Context) error
	Reject() error
	Reset(ctx context.Context) error
}

type voice interface {
	Toggle(ctx context.Context) error
	Status() recorder.Status
}

type shellDeps struct {
	chat conversation
	// voice is nil when no microphone could be opened; voiceErr says why.
	voice    voice
	voiceErr error
	export   func(ctx context.Context, report string) (string, error)
	copy     func(text string) error
	settings settings.Store
	theme    string
	device   string
	modeLine string
}

// Shell messages.
type (
	snapshotMsg   struct{ snap chat.Snapshot }
	actionDoneMsg struct {
		intent string
		text   string
		err    error
	}
	toggleDoneMsg struct{ err error }
	exportDoneMsg struct {
		path string
		err  error
	}
	copyDoneMsg  struct{ err error }
	themeSaveMsg struct{ err error }
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

type model struct {
	ctx  context.Context
	deps shellDeps

	st       styles
	md       *glamour.TermRenderer
	input    textinput.Model
	vp       viewport.Model
	spin     spinner.Model
	snap     chat.Snapshot
	cache    []string // rendered messages, valid for the current width and theme
	inFlight string   // intent awaiting its result, "" when none

	recStatus recorder.Status
	recSecs   float64
	level     float64
	noVoice   bool
	device    string

	status     string
	statusKind statusKind

	width, height int
}

func newModel(ctx context.Context, deps shellDeps) model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.CharLimit = 4096
	ti.Width = 76
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := model{
		ctx:    ctx,
		deps:   deps,
		input:  ti,
		vp:     viewport.New(80, 20),
		spin:   sp,
		snap:   deps.chat.Snapshot(),
		device: deps.device,
		width:  80,
		height: 24,
	}
	m.applyTheme(deps.theme)
	m.refresh(true)
	return m
}

func (m *model) applyTheme(theme string) {
	m.st = newStyles(theme)
	m.input.PromptStyle = m.st.prompt
	m.input.TextStyle = m.st.body
	m.input.PlaceholderStyle = m.st.help.Italic(true)
	m.spin.Style = m.st.spinner
	m.rebuildMarkdown()
}

func (m *model) rebuildMarkdown() {
	md, err := newMarkdown(m.st.name, m.vp.Width-2)
	if err != nil {
		log.Warnf("markdown renderer: %v", err)
		md = nil
	}
	m.md = md
	m.cache = nil
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spin.Tick)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case snapshotMsg:
		m.snap = msg.snap
		m.refresh(false)
		return m, nil

	case actionDoneMsg:
		m.inFlight = ""
		m.snap = m.deps.chat.Snapshot()
		m.refresh(false)
		m.actionResult(msg)
		return m, nil

	case toggleDoneMsg:
		switch {
		case errors.Is(msg.err, recorder.ErrBusy):
			m.setStatus(statusWarn, "busy: wait for the research request before recording")
		case errors.Is(msg.err, recorder.ErrTranscribing):
			m.setStatus(statusWarn, "still transcribing the last recording")
		}
		// other failures arrive as recErrorMsg
		return m, nil

	case exportDoneMsg:
		m.inFlight = ""
		if msg.err != nil {
			m.setStatus(statusError, "export failed: "+msg.err.Error())
		} else {
			m.setStatus(statusOK, "report exported to "+msg.path)
		}
		return m, nil

	case copyDoneMsg:
		if msg.err != nil {
			m.setStatus(statusError, "copy failed: "+msg.err.Error())
		} else {
			m.setStatus(statusOK, "final report copied to clipboard")
		}
		return m, nil

	case themeSaveMsg:
		if msg.err != nil {
			log.Warnf("saving theme: %v", msg.err)
		}
		return m, nil

	case recStatusMsg:
		m.recStatus = msg.status
		if msg.status != recorder.StatusRecording {
			m.level = 0
			m.noVoice = false
		}
		return m, nil

	case recStartMsg:
		m.recSecs, m.level, m.noVoice = 0, 0, false
		m.device = msg.device
		m.setStatus(statusInfo, "")
		return m, nil

	case recTickMsg:
		m.recSecs = msg.secs
		return m, nil

	case audioLevelMsg:
		m.level = m.level*0.6 + msg.level*0.4
		return m, nil

	case noVoiceMsg:
		m.noVoice = true
		return m, nil

	case voiceClearedMsg:
		m.noVoice = false
		return m, nil

	case autoStopMsg:
		m.setStatus(statusWarn, "recording stopped after a long silence")
		return m, nil

	case transcriptMsg:
		m.input.SetValue(strings.TrimSpace(msg.text))
		m.input.CursorEnd()
		m.setStatus(statusOK, "transcribed: review and press Enter to send")
		return m, nil

	case recErrorMsg:
		switch {
		case errors.Is(msg.err, recorder.ErrNoSpeech):
			m.setStatus(statusWarn, "no speech detected")
		case msg.capture:
			m.setStatus(statusError, "microphone error: "+msg.err.Error())
		default:
			m.setStatus(statusError, "transcription failed: "+msg.err.Error())
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit

	case "enter":
		return m.submit()

	case "ctrl+a":
		return m.approve()

	case "ctrl+r":
		return m.reject()

	case "ctrl+n":
		if m.busy() {
			return m.rejectBusy()
		}
		return m.dispatch("reset", "", m.deps.chat.Reset)

	case "ctrl+t":
		if m.deps.voice == nil {
			reason := "no microphone"
			if m.deps.voiceErr != nil {
				reason = m.deps.voiceErr.Error()
			}
			m.setStatus(statusError, "recording unavailable: "+reason)
			return m, nil
		}
		v, ctx := m.deps.voice, m.ctx
		return m, func() tea.Msg { return toggleDoneMsg{err: v.Toggle(ctx)} }

	case "ctrl+e":
		report := m.snap.Session.FinalReport
		if report == "" {
			m.setStatus(statusWarn, "no final report to export yet")
			return m, nil
		}
		if m.busy() {
			return m.rejectBusy()
		}
		m.inFlight = "export"
		m.setStatus(statusInfo, "")
		export, ctx := m.deps.export, m.ctx
		return m, func() tea.Msg {
			path, err := export(ctx, report)
			return exportDoneMsg{path: path, err: err}
		}

	case "ctrl+y":
		report := m.snap.Session.FinalReport
		if report == "" {
			m.setStatus(statusWarn, "no final report to copy yet")
			return m, nil
		}
		cp := m.deps.copy
		return m, func() tea.Msg { return copyDoneMsg{err: cp(report)} }

	case "ctrl+l":
		theme := nextTheme(m.st.name)
		m.applyTheme(theme)
		m.refresh(false)
		store := m.deps.settings
		if store == nil {
			return m, nil
		}
		return m, func() tea.Msg { return themeSaveMsg{err: store.Save(settings.Settings{Theme: theme})} }

	case "pgup", "pgdown", "up", "down":
		var cmd tea.Cmd
		m.vp, cmd = m.vp.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit sends the input line. While a plan awaits approval, "yes"/"y" and
// "no"/"n" are the approve and reject intents.
func (m model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		m.setStatus(statusWarn, m.emptyHint())
		return m, nil
	}
	if m.busy() {
		return m.rejectBusy()
	}
	if m.snap.Session.ApprovalPending {
		switch strings.ToLower(text) {
		case "yes", "y":
			m.input.Reset()
			return m.dispatch("approve", text, m.deps.chat.Approve)
		case "no", "n":
			m.input.Reset()
			return m.dispatch("reject", text, func(context.Context) error { return m.deps.chat.Reject() })
		}
	}
	m.input.Reset()
	c := m.deps.chat
	return m.dispatch("submit", text, func(ctx context.Context) error { return c.Submit(ctx, text) })
}

func (m model) approve() (tea.Model, tea.Cmd) {
	if m.busy() {
		return m.rejectBusy()
	}
	if !m.snap.CanApprove() {
		m.setStatus(statusWarn, "there is no plan waiting for approval")
		return m, nil
	}
	return m.dispatch("approve", "", m.deps.chat.Approve)
}

func (m model) reject() (tea.Model, tea.Cmd) {
	if m.busy() {
		return m.rejectBusy()
	}
	if !m.snap.CanApprove() {
		m.setStatus(statusWarn, "there is no plan waiting for approval")
		return m, nil
	}
	c := m.deps.chat
	return m.dispatch("reject", "", func(context.Context) error { return c.Reject() })
}

func (m model) dispatch(intent, text string, fn func(context.Context) error) (tea.Model, tea.Cmd) {
	m.inFlight = intent
	m.setStatus(statusInfo, "")
	ctx := m.ctx
	return m, func() tea.Msg {
		return actionDoneMsg{intent: intent, text: text, err: fn(ctx)}
	}
}

func (m model) rejectBusy() (tea.Model, tea.Cmd) {
	m.setStatus(statusWarn, "busy: wait for the current request to finish")
	return m, nil
}

// actionResult reports intents the machine refused. Backend failures are
// already in the message log.
func (m *model) actionResult(msg actionDoneMsg) {
	if msg.err == nil {
		return
	}
	var verr *chat.ValidationError
	switch {
	case errors.Is(msg.err, chat.ErrBusy):
		m.setStatus(statusWarn, "busy: wait for the current request to finish")
	case errors.Is(msg.err, chat.ErrApprovalPending):
		m.setStatus(statusWarn, "approve (ctrl+a / yes) or reject (ctrl+r / no) the plan first")
	case errors.Is(msg.err, chat.ErrInvalidEvent):
		m.setStatus(statusWarn, "there is no plan waiting for approval")
	case errors.As(msg.err, &verr):
		m.setStatus(statusWarn, m.emptyHint())
	default:
		m.setStatus(statusError, msg.err.Error())
	}
	if msg.intent == "submit" && msg.text != "" && m.input.Value() == "" {
		m.input.SetValue(msg.text)
		m.input.CursorEnd()
	}
}

func (m *model) setStatus(kind statusKind, text string) {
	m.statusKind = kind
	m.status = text
}

func (m model) busy() bool {
	return m.inFlight != "" || m.snap.Busy || m.recStatus == recorder.StatusTranscribing
}

func (m model) emptyHint() string {
	if m.snap.Session.Stage == chat.StageStart {
		return "type a research topic first"
	}
	return "type your feedback first"
}

func (m *model) layout() {
	vpHeight := m.height - 4
	if vpHeight < 3 {
		vpHeight = 3
	}
	widthChanged := m.vp.Width != m.width
	m.vp.Width = m.width
	m.vp.Height = vpHeight
	m.input.Width = max(m.width-len(m.input.Prompt)-1, 10)
	if widthChanged {
		m.rebuildMarkdown()
	}
	m.refresh(false)
}

// refresh re-renders the message log into the viewport, following new
// messages when the view was already at the bottom.
func (m *model) refresh(force bool) {
	atBottom := m.vp.AtBottom()
	grew := len(m.snap.Messages) > len(m.cache)
	if len(m.cache) > len(m.snap.Messages) {
		m.cache = nil
	}
	for i := len(m.cache); i < len(m.snap.Messages); i++ {
		m.cache = append(m.cache, m.renderMessage(m.snap.Messages[i]))
	}
	m.vp.SetContent(strings.Join(m.cache, "\n\n"))
	if force || atBottom || grew {
		m.vp.GotoBottom()
	}
	m.input.Placeholder = m.placeholder()
}

func (m model) placeholder() string {
	s := m.snap.Session
	switch {
	case s.Stage == chat.StageStart:
		return "Enter a research topic..."
	case s.ApprovalPending:
		return "Type yes to approve or no to reject the plan..."
	default:
		return "Share feedback on the plan..."
	}
}

func (m model) renderMessage(msg chat.Message) string {
	width := max(m.vp.Width-2, 20)
	name := m.st.agentName.Render(msg.Sender.String())
	if msg.Sender == chat.SenderUser {
		name = m.st.userName.Render(msg.Sender.String())
	}
	header := name
	if !msg.Time.IsZero() {
		header += " " + m.st.timestamp.Render(msg.Time.Format("15:04"))
	}

	var body string
	switch {
	case msg.Sender == chat.SenderUser:
		body = m.st.body.Width(width).Render(msg.Text)
	default:
		body = m.renderMarkdown(msg.Text)
	}
	if msg.IsFinalReport {
		body = m.st.final.Width(width - 2).Render(body)
	}
	if msg.ApprovalRequired {
		body += "\n" + m.st.pending.Render("Approve the plan? ctrl+a / yes to approve, ctrl+r / no to reject")
	}
	return header + "\n" + body
}

func (m model) renderMarkdown(text string) string {
	if m.md == nil {
		return m.st.body.Width(max(m.vp.Width-2, 20)).Render(text)
	}
	out, err := m.md.Render(text)
	if err != nil {
		return m.st.body.Render(text)
	}
	return strings.Trim(out, "\n")
}

func (m model) View() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.headerView(),
		m.vp.View(),
		m.statusView(),
		m.input.View(),
		m.helpView(),
	)
}

func (m model) headerView() string {
	s := m.snap.Session
	parts := []string{m.st.title.Render("Nexus"), m.st.badge.Render("stage: " + s.Stage.String())}
	if s.Topic != "" {
		parts = append(parts, m.st.badge.Render("topic: "+truncateRunes(s.Topic, 40)))
	}
	if s.ApprovalPending {
		parts = append(parts, m.st.pending.Render("awaiting approval"))
	}
	if m.deps.modeLine != "" {
		parts = append(parts, m.st.help.Render(m.deps.modeLine))
	}
	return strings.Join(parts, m.st.help.Render(" | "))
}

func (m model) statusView() string {
	switch {
	case m.recStatus == recorder.StatusRecording:
		line := m.st.rec.Render(fmt.Sprintf("● REC %.1fs", m.recSecs)) + " " + levelBar(m.level)
		if m.device != "" {
			line += " " + m.st.help.Render(m.device)
		}
		if m.noVoice {
			line += " " + m.st.warn.Render("⚠ no voice detected")
		}
		return line + m.st.help.Render("  ctrl+t to stop")
	case m.recStatus == recorder.StatusTranscribing:
		return m.spin.View() + m.st.status.Render(" transcribing...")
	case m.inFlight != "" || m.snap.Busy:
		return m.spin.View() + m.st.status.Render(" "+workingLabel(m.inFlight))
	}

	switch m.statusKind {
	case statusOK:
		return m.st.ok.Render(m.status)
	case statusWarn:
		return m.st.warn.Render(m.status)
	case statusError:
		return m.st.err.Render(m.status)
	}
	if m.status != "" {
		return m.st.status.Render(m.status)
	}
	return m.st.status.Render(m.stageHint())
}

func (m model) stageHint() string {
	s := m.snap.Session
	switch {
	case s.Stage == chat.StageStart && s.FinalReport != "":
		return "Enter a new topic, or export (ctrl+e) / copy (ctrl+y) the last report"
	case s.Stage == chat.StageStart:
		return "Enter a research topic"
	case s.ApprovalPending:
		return "Review the plan, then approve or reject it"
	default:
		return "Type feedback to revise the plan"
	}
}

func workingLabel(intent string) string {
	switch intent {
	case "submit":
		return "researching..."
	case "approve":
		return "writing the final report..."
	case "reset":
		return "starting a new topic..."
	case "export":
		return "exporting PDF..."
	default:
		return "working..."
	}
}

func (m model) helpView() string {
	s := m.snap.Session
	keys := [][2]string{{"enter", "send"}}
	if s.ApprovalPending {
		keys = append(keys, [2]string{"ctrl+a", "approve"}, [2]string{"ctrl+r", "reject"})
	}
	keys = append(keys, [2]string{"ctrl+t", "record"})
	if s.FinalReport != "" {
		keys = append(keys, [2]string{"ctrl+e", "export"}, [2]string{"ctrl+y", "copy"})
	}
	keys = append(keys, [2]string{"ctrl+n", "new topic"}, [2]string{"ctrl+l", "theme"}, [2]string{"ctrl+c", "quit"})

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = m.st.helpKey.Render(k[0]) + " " + m.st.help.Render(k[1])
	}
	return strings.Join(parts, m.st.help.Render(" · "))
}

func levelBar(level float64) string {
	const bars = "▁▂▃▄▅▆▇█"
	runes := []rune(bars)
	n := int(level * 40)
	if n >= len(runes) {
		n = len(runes) - 1
	}
	if n < 0 {
		n = 0
	}
	return string(runes[:n+1])
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
