package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/arzzra/p2p_voice/pkg/logging"
	"github.com/arzzra/p2p_voice/pkg/media"
	"github.com/arzzra/p2p_voice/pkg/opus_codec"
	"github.com/arzzra/p2p_voice/pkg/peer"
	"github.com/arzzra/p2p_voice/pkg/rtc_engine"
	"github.com/arzzra/p2p_voice/pkg/rtp"
)

// Config настройки процесса из переменных окружения. Флаги командной строки
// перекрывают значения окружения.
type Config struct {
	LogLevel string `env:"VOICEPEER_LOG_LEVEL" env-default:"info" env-description:"trace, debug, info, warn, error"`
	LogJSON  bool   `env:"VOICEPEER_LOG_JSON" env-default:"false"`

	RelayAddr    string `env:"VOICEPEER_RELAY_ADDR" env-default:":3000" env-description:"адрес ретранслятора (relay)"`
	MetricsAddr  string `env:"VOICEPEER_METRICS_ADDR" env-default:":9100" env-description:"адрес /metrics, пусто = выключено"`
	SignalingURL string `env:"VOICEPEER_SIGNALING_URL" env-default:"ws://127.0.0.1:3000/ws"`

	ICEServers  []string `env:"VOICEPEER_ICE_SERVERS" env-default:"stun:stun.l.google.com:19302" env-separator:","`
	PayloadType uint8    `env:"VOICEPEER_PAYLOAD_TYPE" env-default:"111"`
	SSRC        uint32   `env:"VOICEPEER_SSRC" env-default:"2"`
	Bitrate     int      `env:"VOICEPEER_BITRATE" env-default:"48000"`
	Trickle     bool     `env:"VOICEPEER_TRICKLE" env-default:"false"`

	ToneHz          float64       `env:"VOICEPEER_TONE_HZ" env-default:"440" env-description:"частота тестового сигнала, 0 = тишина"`
	PlaybackDepth   time.Duration `env:"VOICEPEER_PLAYBACK_DEPTH" env-default:"200ms"`
	NegotiationWait time.Duration `env:"VOICEPEER_NEGOTIATION_TIMEOUT" env-default:"30s"`
}

// loadConfig читает конфигурацию из окружения
func loadConfig() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("чтение окружения: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет значения, которые не проверяют сами пакеты
func (c *Config) Validate() error {
	if c.NegotiationWait < 0 {
		return fmt.Errorf("VOICEPEER_NEGOTIATION_TIMEOUT: отрицательное значение %v", c.NegotiationWait)
	}
	return nil
}

func (c *Config) logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.LogLevel
	cfg.JSON = c.LogJSON
	return cfg
}

func (c *Config) format() media.AudioFormat {
	return media.DefaultAudioFormat()
}

func (c *Config) peer() peer.Config {
	cfg := peer.DefaultConfig()
	cfg.Format = c.format()
	cfg.Framer.PayloadType = rtp.PayloadType(c.PayloadType)
	cfg.Framer.SSRC = c.SSRC
	cfg.PlaybackQueue.Format = c.format()
	cfg.PlaybackQueue.MaxDepth = c.PlaybackDepth
	cfg.TrickleCandidates = c.Trickle
	return cfg
}

func (c *Config) engine() rtc_engine.Config {
	cfg := rtc_engine.DefaultConfig()
	cfg.ICEServers = nil
	for _, s := range c.ICEServers {
		if s = strings.TrimSpace(s); s != "" {
			cfg.ICEServers = append(cfg.ICEServers, s)
		}
	}
	cfg.PayloadType = rtp.PayloadType(c.PayloadType)
	cfg.Bitrate = c.Bitrate
	return cfg
}

func (c *Config) opus() opus_codec.Config {
	cfg := opus_codec.DefaultConfig()
	cfg.Format = c.format()
	cfg.Bitrate = c.Bitrate
	return cfg
}
