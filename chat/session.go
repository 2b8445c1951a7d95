package chat

import (
	"time"

	"github.com/google/uuid"
)

type Stage int

const (
	StageStart Stage = iota
	StageFeedback
	// StageFinal is transient; a final report resets the session to StageStart.
	StageFinal
)

func (s Stage) String() string {
	switch s {
	case StageStart:
		return "start"
	case StageFeedback:
		return "feedback"
	case StageFinal:
		return "final"
	default:
		return "unknown"
	}
}

type Sender int

const (
	SenderUser Sender = iota
	SenderAgent
)

func (s Sender) String() string {
	if s == SenderUser {
		return "You"
	}
	return "Nexus"
}

type Message struct {
	Sender           Sender
	Text             string
	IsFinalReport    bool
	ApprovalRequired bool
	Time             time.Time
}

// Session is the per-topic conversation state. It is replaced, never
// cleared field by field, when the conversation resets.
type Session struct {
	ID                 string
	Stage              Stage
	Topic              string
	CumulativeFeedback string
	FinalReport        string
	ApprovalPending    bool
}

func newSession(finalReport string) Session {
	return Session{
		ID:          uuid.NewString(),
		Stage:       StageStart,
		FinalReport: finalReport,
	}
}

// Snapshot is a copy of the machine state safe to hand to renderers.
type Snapshot struct {
	Session  Session
	Messages []Message
	Busy     bool
}

// CanApprove reports whether Approve and Reject are currently accepted.
func (s Snapshot) CanApprove() bool {
	return s.Session.Stage == StageFeedback && s.Session.ApprovalPending
}
