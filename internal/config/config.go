package config

import (
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port     string
		LogLevel string
	}
	Backend struct {
		BaseURL          string
		PushURL          string
		AuthToken        string
		VoiceTimeoutMs   int
		RequestTimeoutMs int
	}
	Capture struct {
		SilenceThresholdDB float64
		SilenceDurationMs  int
		MinUtteranceMs     int
		PollIntervalMs     int
		MaxDurationMs      int
		ReleaseSettleMs    int
		ModeSettleMs       int
	}
	Playback struct {
		ResumeDelayMs int
	}
	Conversation struct {
		ResetGraceMs        int
		MaxTranscript       int
		CancelSuccessWords  []string
		ConfirmSuccessWords []string
	}
	Audio struct {
		Driver     string // "ffmpeg" | "none"
		MicInput   string
		SampleRate int
	}
}

func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("backend.base_url", "http://localhost:3000/voice")
	v.SetDefault("backend.push_url", "ws://localhost:3000/voice/events")
	v.SetDefault("backend.voice_timeout_ms", 90000)
	v.SetDefault("backend.request_timeout_ms", 15000)

	v.SetDefault("capture.silence_threshold_db", -40.0)
	v.SetDefault("capture.silence_duration_ms", 2000)
	v.SetDefault("capture.min_utterance_ms", 1500)
	v.SetDefault("capture.poll_interval_ms", 200)
	v.SetDefault("capture.max_duration_ms", 60000)
	v.SetDefault("capture.release_settle_ms", 500)
	v.SetDefault("capture.mode_settle_ms", 200)

	v.SetDefault("playback.resume_delay_ms", 300)

	v.SetDefault("conversation.reset_grace_ms", 3000)
	v.SetDefault("conversation.max_transcript", 200)
	v.SetDefault("conversation.cancel_success_words", []string{"hủy", "cancelled"})
	v.SetDefault("conversation.confirm_success_words", []string{"thành công", "confirmed"})

	v.SetDefault("audio.driver", "ffmpeg")
	v.SetDefault("audio.mic_input", "default")
	v.SetDefault("audio.sample_rate", 16000)

	// Map envs
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.log_level", "LOG_LEVEL")

	v.BindEnv("backend.base_url", "VOICE_API_BASE_URL")
	v.BindEnv("backend.push_url", "VOICE_PUSH_URL")
	v.BindEnv("backend.auth_token", "VOICE_API_TOKEN")
	v.BindEnv("backend.voice_timeout_ms", "VOICE_TIMEOUT_MS")
	v.BindEnv("backend.request_timeout_ms", "REQUEST_TIMEOUT_MS")

	v.BindEnv("capture.silence_threshold_db", "CAPTURE_SILENCE_THRESHOLD_DB")
	v.BindEnv("capture.silence_duration_ms", "CAPTURE_SILENCE_DURATION_MS")
	v.BindEnv("capture.min_utterance_ms", "CAPTURE_MIN_UTTERANCE_MS")
	v.BindEnv("capture.poll_interval_ms", "CAPTURE_POLL_INTERVAL_MS")
	v.BindEnv("capture.max_duration_ms", "CAPTURE_MAX_DURATION_MS")
	v.BindEnv("capture.release_settle_ms", "CAPTURE_RELEASE_SETTLE_MS")
	v.BindEnv("capture.mode_settle_ms", "CAPTURE_MODE_SETTLE_MS")

	v.BindEnv("playback.resume_delay_ms", "PLAYBACK_RESUME_DELAY_MS")

	v.BindEnv("conversation.reset_grace_ms", "CONVERSATION_RESET_GRACE_MS")
	v.BindEnv("conversation.max_transcript", "CONVERSATION_MAX_TRANSCRIPT")

	v.BindEnv("audio.driver", "AUDIO_DRIVER")
	v.BindEnv("audio.mic_input", "AUDIO_MIC_INPUT")
	v.BindEnv("audio.sample_rate", "AUDIO_SAMPLE_RATE")

	var c Config
	c.Server.Port = v.GetString("server.port")
	c.Server.LogLevel = v.GetString("server.log_level")

	c.Backend.BaseURL = v.GetString("backend.base_url")
	c.Backend.PushURL = v.GetString("backend.push_url")
	c.Backend.AuthToken = v.GetString("backend.auth_token")
	c.Backend.VoiceTimeoutMs = v.GetInt("backend.voice_timeout_ms")
	c.Backend.RequestTimeoutMs = v.GetInt("backend.request_timeout_ms")

	c.Capture.SilenceThresholdDB = v.GetFloat64("capture.silence_threshold_db")
	c.Capture.SilenceDurationMs = v.GetInt("capture.silence_duration_ms")
	c.Capture.MinUtteranceMs = v.GetInt("capture.min_utterance_ms")
	c.Capture.PollIntervalMs = v.GetInt("capture.poll_interval_ms")
	c.Capture.MaxDurationMs = v.GetInt("capture.max_duration_ms")
	c.Capture.ReleaseSettleMs = v.GetInt("capture.release_settle_ms")
	c.Capture.ModeSettleMs = v.GetInt("capture.mode_settle_ms")

	c.Playback.ResumeDelayMs = v.GetInt("playback.resume_delay_ms")

	c.Conversation.ResetGraceMs = v.GetInt("conversation.reset_grace_ms")
	c.Conversation.MaxTranscript = v.GetInt("conversation.max_transcript")
	c.Conversation.CancelSuccessWords = v.GetStringSlice("conversation.cancel_success_words")
	c.Conversation.ConfirmSuccessWords = v.GetStringSlice("conversation.confirm_success_words")

	c.Audio.Driver = v.GetString("audio.driver")
	c.Audio.MicInput = v.GetString("audio.mic_input")
	c.Audio.SampleRate = v.GetInt("audio.sample_rate")

	return c
}
