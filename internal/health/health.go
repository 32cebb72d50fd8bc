package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"time"

	"voicebook/engine/internal/config"
)

type CheckResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency_ms"`
	Error   string        `json:"error,omitempty"`
}

type HealthStatus struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (h HealthStatus) String() string {
	status := "OK"
	if !h.OK {
		status = "FAIL"
	}
	s := fmt.Sprintf("Health: %s\n", status)
	for _, c := range h.Checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		s += fmt.Sprintf("  %s %s (%dms)", mark, c.Name, c.Latency.Milliseconds())
		if c.Error != "" {
			s += fmt.Sprintf(" - %s", c.Error)
		}
		s += "\n"
	}
	return s
}

// CheckAll runs all health checks and returns combined status
func CheckAll(ctx context.Context, cfg config.Config) HealthStatus {
	checks := []CheckResult{
		checkBackend(ctx, cfg),
		checkAudioTools(ctx, cfg),
	}

	allOK := true
	for _, c := range checks {
		if !c.OK {
			allOK = false
		}
	}

	return HealthStatus{
		OK:        allOK,
		Checks:    checks,
		CheckedAt: time.Now().UTC(),
	}
}

func checkBackend(ctx context.Context, cfg config.Config) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "backend"}

	if cfg.Backend.BaseURL == "" {
		result.Error = "VOICE_API_BASE_URL not set"
		result.Latency = time.Since(start)
		return result
	}

	// The status endpoint is the cheapest call the voice service exposes.
	req, err := http.NewRequestWithContext(ctx, "GET", cfg.Backend.BaseURL+"/status", nil)
	if err != nil {
		result.Error = fmt.Sprintf("request build failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	if cfg.Backend.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Backend.AuthToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	defer resp.Body.Close()

	result.Latency = time.Since(start)

	if resp.StatusCode == 401 {
		result.Error = "invalid API token (401)"
		return result
	}
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		result.Error = fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, string(body))
		return result
	}

	result.OK = true
	return result
}

func checkAudioTools(ctx context.Context, cfg config.Config) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "audio"}

	if cfg.Audio.Driver != "ffmpeg" {
		result.OK = true
		result.Latency = time.Since(start)
		return result
	}

	for _, tool := range []string{"ffmpeg", "ffplay"} {
		if _, err := exec.LookPath(tool); err != nil {
			result.Error = fmt.Sprintf("%s not found in PATH", tool)
			result.Latency = time.Since(start)
			return result
		}
	}

	result.OK = true
	result.Latency = time.Since(start)
	return result
}
