// Package opus_codec подключает libopus (через cgo) к адаптеру кодека media.
//
// Вынесен в отдельный пакет, чтобы остальные пакеты и их тесты
// собирались без libopus.
package opus_codec

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"

	"github.com/arzzra/p2p_voice/pkg/media"
)

// DefaultBitrate целевой битрейт кодера, бит/с
const DefaultBitrate = 48000

// Config параметры Opus кодера
type Config struct {
	Format  media.AudioFormat
	Bitrate int // 0 = решает libopus
}

// DefaultConfig возвращает конфигурацию по умолчанию: 48 кГц моно, 48 кбит/с
func DefaultConfig() Config {
	return Config{
		Format:  media.DefaultAudioFormat(),
		Bitrate: DefaultBitrate,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if err := c.Format.Validate(); err != nil {
		return err
	}
	if c.Bitrate < 0 {
		return fmt.Errorf("отрицательный битрейт: %d", c.Bitrate)
	}
	return nil
}

// NewEncoder создает Opus кодер в режиме VoIP
func NewEncoder(cfg Config) (media.Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	enc, err := opus.NewEncoder(int(cfg.Format.SampleRate), cfg.Format.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать opus encoder: %w", err)
	}
	if cfg.Bitrate > 0 {
		if err := enc.SetBitrate(cfg.Bitrate); err != nil {
			return nil, fmt.Errorf("не удалось установить битрейт %d: %w", cfg.Bitrate, err)
		}
	}
	return enc, nil
}

// NewDecoder создает Opus декодер
func NewDecoder(format media.AudioFormat) (media.Decoder, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	dec, err := opus.NewDecoder(int(format.SampleRate), format.Channels)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать opus decoder: %w", err)
	}
	return dec, nil
}

// NewCaptureCodec адаптер для конвейера захвата (только кодирование)
func NewCaptureCodec(cfg Config) (*media.CodecAdapter, error) {
	enc, err := NewEncoder(cfg)
	if err != nil {
		return nil, err
	}
	return media.NewCodecAdapter(cfg.Format, enc, nil)
}

// DecoderFactory возвращает фабрику декодеров для сессий
func DecoderFactory() media.DecoderFactory {
	return NewDecoder
}
