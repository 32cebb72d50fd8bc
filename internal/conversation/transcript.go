package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"voicebook/engine/internal/transport"
)

type Author string

const (
	AuthorUser      Author = "user"
	AuthorAssistant Author = "assistant"
)

// Message is an append-only transcript entry; never mutated after creation.
type Message struct {
	ID        string           `json:"id"`
	Author    Author           `json:"author"`
	Content   string           `json:"content"`
	AudioURL  string           `json:"audioUrl,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Status    transport.Status `json:"status,omitempty"`
}

// Transcript is the append log driving the UI, bounded to avoid unbounded
// growth over a long session.
type Transcript struct {
	mu   sync.RWMutex
	max  int
	msgs []Message
}

func newTranscript(max int) *Transcript {
	return &Transcript{max: max}
}

func (t *Transcript) Append(author Author, content, audioURL string, status transport.Status) Message {
	msg := Message{
		ID:        uuid.New().String(),
		Author:    author,
		Content:   content,
		AudioURL:  audioURL,
		Timestamp: time.Now().UTC(),
		Status:    status,
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append(t.msgs, msg)
	if t.max > 0 && len(t.msgs) > t.max {
		kept := make([]Message, t.max)
		copy(kept, t.msgs[len(t.msgs)-t.max:])
		t.msgs = kept
	}
	return msg
}

// Messages returns a copy so callers cannot mutate the log.
func (t *Transcript) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

func (t *Transcript) Last() (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.msgs) == 0 {
		return Message{}, false
	}
	return t.msgs[len(t.msgs)-1], true
}

func (t *Transcript) Reset() {
	t.mu.Lock()
	t.msgs = nil
	t.mu.Unlock()
}
