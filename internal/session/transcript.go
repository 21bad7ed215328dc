package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stellavoice/voicecore/internal/tools"
)

// Speaker identifies who contributed a turn.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
	SpeakerTool  Speaker = "tool"
)

// ToolRecord is the resolved tool call carried by a tool turn. Immutable once
// appended.
type ToolRecord struct {
	Name      string
	Arguments string
	Status    tools.Status
	Result    string
}

// Turn is one contribution to the conversation.
type Turn struct {
	ID        string
	Speaker   Speaker
	Content   string
	ToolCall  *ToolRecord
	Timestamp time.Time
}

func newTurn(speaker Speaker, content string) Turn {
	return Turn{
		ID:        uuid.NewString(),
		Speaker:   speaker,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// Transcript is the durable, append-only record of a session's conversation.
// It is never trimmed; the bounded history window handed to the model is the
// orchestrator's concern.
type Transcript struct {
	mu    sync.Mutex
	turns []Turn
}

func NewTranscript() *Transcript {
	return &Transcript{}
}

func (t *Transcript) Append(turn Turn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = append(t.turns, turn)
}

// Turns returns a point-in-time copy of the full transcript.
func (t *Transcript) Turns() []Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Turn(nil), t.turns...)
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.turns)
}
