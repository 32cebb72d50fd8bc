package floor

import "testing"

func TestBargeInStopsPlayback(t *testing.T) {
	f := New()
	f.OnPlaybackStarted("https://x/a.mp3")
	d := f.OnCaptureStart()
	if !d.StopPlayback || d.Reason != "barge_in" || d.AudioURL != "https://x/a.mp3" {
		t.Fatalf("expected barge-in stop, got %+v", d)
	}
}

func TestCaptureWhileIdleDoesNothing(t *testing.T) {
	f := New()
	d := f.OnCaptureStart()
	if d.StopPlayback {
		t.Fatalf("should not stop when nothing is playing")
	}
}

func TestPlaybackStoppedClearsFloor(t *testing.T) {
	f := New()
	f.OnPlaybackStarted("https://x/a.mp3")
	f.OnPlaybackStopped("https://x/a.mp3", "completed")
	if f.AssistantSpeaking() {
		t.Fatalf("floor should be clear after playback stops")
	}
	if d := f.OnCaptureStart(); d.StopPlayback {
		t.Fatalf("should not request stop after playback stopped")
	}
}
