// Package floor tracks who holds the audio floor: the assistant (playback)
// or the user (capture). Starting capture while the assistant is speaking
// is a barge-in and must stop playback first.
package floor

// Decision is the action the floor manager wants taken.
type Decision struct {
	StopPlayback bool
	AudioURL     string
	Reason       string // e.g. "barge_in"
}

type Manager struct {
	assistantSpeaking bool
	activeURL         string
}

func New() *Manager { return &Manager{} }

func (m *Manager) OnPlaybackStarted(url string) {
	m.assistantSpeaking = true
	m.activeURL = url
}

// OnPlaybackStopped clears the floor regardless of which URL finished.
func (m *Manager) OnPlaybackStopped(url string, reason string) {
	m.assistantSpeaking = false
	m.activeURL = ""
}

// OnCaptureStart decides whether the user's mic press barges in on the
// assistant's speech.
func (m *Manager) OnCaptureStart() Decision {
	if m.assistantSpeaking {
		return Decision{StopPlayback: true, AudioURL: m.activeURL, Reason: "barge_in"}
	}
	return Decision{}
}

func (m *Manager) AssistantSpeaking() bool { return m.assistantSpeaking }
