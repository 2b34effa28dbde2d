package config

import (
	"time"

	"github.com/spf13/viper"

	"livecap/internal/caption"
	"livecap/internal/session"
)

// Settings is the viper-backed configuration for the livecap binary.
type Settings struct {
	Endpoint        string
	ChunkDurationMs int
	ModelHint       string
	FontSizePx      int
	OverlayPosition string

	Source            string // "ffmpeg" or "discord"
	FFmpegBinary      string
	FFmpegInputFormat string
	FFmpegDevice      string

	DiscordToken     string
	DiscordGuildID   string
	DiscordChannelID string
	SignalWaitMs     int

	DatabaseURL string
	HTTPPort    int
}

// SetDefaults installs defaults into viper. Call before Load.
func SetDefaults() {
	viper.SetDefault("endpoint", "ws://localhost:8000/ws/translate")
	viper.SetDefault("chunk_duration_ms", 5000)
	viper.SetDefault("font_size_px", 24)
	viper.SetDefault("overlay_position", string(caption.PositionBottom))
	viper.SetDefault("source", "ffmpeg")
	viper.SetDefault("http_port", 8787)
}

// Load reads the settings out of viper.
func Load() Settings {
	return Settings{
		Endpoint:        viper.GetString("endpoint"),
		ChunkDurationMs: viper.GetInt("chunk_duration_ms"),
		ModelHint:       viper.GetString("model_hint"),
		FontSizePx:      viper.GetInt("font_size_px"),
		OverlayPosition: viper.GetString("overlay_position"),

		Source:            viper.GetString("source"),
		FFmpegBinary:      viper.GetString("ffmpeg_binary"),
		FFmpegInputFormat: viper.GetString("ffmpeg_input_format"),
		FFmpegDevice:      viper.GetString("ffmpeg_device"),

		DiscordToken:     viper.GetString("discord_token"),
		DiscordGuildID:   viper.GetString("discord_guild_id"),
		DiscordChannelID: viper.GetString("discord_channel_id"),
		SignalWaitMs:     viper.GetInt("signal_wait_ms"),

		DatabaseURL: viper.GetString("database_url"),
		HTTPPort:    viper.GetInt("http_port"),
	}
}

// SessionConfig maps the settings onto a capture session configuration.
func (s Settings) SessionConfig() session.Config {
	return session.Config{
		ChunkDuration: time.Duration(s.ChunkDurationMs) * time.Millisecond,
		Endpoint:      s.Endpoint,
		ModelHint:     s.ModelHint,
		Display: caption.DisplayConfig{
			FontSizePx: s.FontSizePx,
			Position:   caption.Position(s.OverlayPosition),
		},
	}
}
