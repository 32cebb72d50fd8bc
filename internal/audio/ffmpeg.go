package audio

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FFmpegDevice implements Device with ffmpeg for capture and ffplay for
// playback. Capture streams PCM16 on stdout for metering while a second
// output muxes the same audio into an m4a file that becomes the clip.
type FFmpegDevice struct {
	log        *zap.Logger
	micInput   string
	sampleRate int
}

func NewFFmpegDevice(micInput string, sampleRate int, log *zap.Logger) *FFmpegDevice {
	return &FFmpegDevice{log: log, micInput: micInput, sampleRate: sampleRate}
}

func (d *FFmpegDevice) SetMode(ctx context.Context, m Mode) error {
	// Exclusivity is handled by subprocess lifecycle; the call exists so
	// callers can sequence the mode-switch settle around it.
	return nil
}

func (d *FFmpegDevice) AcquireRecorder(ctx context.Context) (Recorder, error) {
	outPath := filepath.Join(os.TempDir(), "voicebook_"+uuid.New().String()+".m4a")
	cmd := exec.Command("ffmpeg", d.micArgs(outPath)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	r := &ffmpegRecorder{
		log:       d.log,
		cmd:       cmd,
		outPath:   outPath,
		startedAt: time.Now(),
	}
	r.level.Store(int64(Floor * 1000))
	go r.meterLoop(stdout, d.sampleRate)
	d.log.Debug("recorder acquired", zap.String("out", outPath))
	return r, nil
}

func (d *FFmpegDevice) micArgs(outPath string) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	switch runtime.GOOS {
	case "darwin":
		args = append(args, "-f", "avfoundation", "-i", ":"+d.micInput)
	default:
		args = append(args, "-f", "pulse", "-i", d.micInput)
	}
	rate := fmt.Sprint(d.sampleRate)
	args = append(args,
		"-map", "0:a", "-ac", "1", "-ar", rate, "-f", "s16le", "pipe:1",
		"-map", "0:a", "-ac", "1", "-ar", rate, "-c:a", "aac", "-y", outPath,
	)
	return args
}

type ffmpegRecorder struct {
	log       *zap.Logger
	cmd       *exec.Cmd
	outPath   string
	startedAt time.Time

	level atomic.Int64 // milli-dBFS

	mu   sync.Mutex
	done bool
}

// meterLoop reads 100ms PCM frames and keeps the metering level current.
func (r *ffmpegRecorder) meterLoop(pcm io.Reader, sampleRate int) {
	frame := make([]byte, sampleRate/10*2)
	for {
		if _, err := io.ReadFull(pcm, frame); err != nil {
			return
		}
		r.level.Store(int64(DBFS(frame) * 1000))
	}
}

func (r *ffmpegRecorder) Level() Level {
	return Level(r.level.Load()) / 1000
}

func (r *ffmpegRecorder) Stop() (Clip, error) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return Clip{}, ErrReleased
	}
	r.done = true
	r.mu.Unlock()

	// SIGINT lets ffmpeg finalize the m4a container before exiting.
	_ = r.cmd.Process.Signal(os.Interrupt)
	r.waitOrKill(3 * time.Second)

	data, err := os.ReadFile(r.outPath)
	_ = os.Remove(r.outPath)
	if err != nil {
		return Clip{}, fmt.Errorf("read capture: %w", err)
	}
	return Clip{
		Data:     data,
		MIME:     "audio/m4a",
		Filename: fmt.Sprintf("voice_%d.m4a", time.Now().UnixMilli()),
		Duration: time.Since(r.startedAt),
	}, nil
}

func (r *ffmpegRecorder) Release() error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return ErrReleased
	}
	r.done = true
	r.mu.Unlock()

	_ = r.cmd.Process.Kill()
	r.waitOrKill(time.Second)
	_ = os.Remove(r.outPath)
	return nil
}

func (r *ffmpegRecorder) waitOrKill(timeout time.Duration) {
	waited := make(chan error, 1)
	go func() { waited <- r.cmd.Wait() }()
	select {
	case <-waited:
	case <-time.After(timeout):
		_ = r.cmd.Process.Kill()
		<-waited
	}
}

func (d *FFmpegDevice) Play(ctx context.Context, url string) (Playback, error) {
	cmd := exec.CommandContext(ctx, "ffplay",
		"-hide_banner", "-loglevel", "error", "-autoexit", "-nodisp", url)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffplay: %w", err)
	}
	p := &ffplayPlayback{cmd: cmd, done: make(chan error, 1)}
	go func() {
		err := cmd.Wait()
		if p.stopped.Load() {
			err = ErrStopped
		}
		p.done <- err
		close(p.done)
	}()
	return p, nil
}

type ffplayPlayback struct {
	cmd     *exec.Cmd
	done    chan error
	stopped atomic.Bool
	once    sync.Once
}

func (p *ffplayPlayback) Done() <-chan error { return p.done }

func (p *ffplayPlayback) Stop() error {
	p.once.Do(func() {
		p.stopped.Store(true)
		_ = p.cmd.Process.Kill()
	})
	return nil
}
