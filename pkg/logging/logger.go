// Package logging настраивает структурированный логгер на базе logrus.
//
// Каждый компонент получает *logrus.Entry с полем component, сессии
// дополнительно добавляют peer_id. Уровни:
//   - Debug: потеря отдельных кадров
//   - Info: переходы состояний сессий
//   - Warn: отклоненные сигнальные сообщения
//   - Error: сбои согласования
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Стандартные имена полей
const (
	FieldComponent = "component"
	FieldPeerID    = "peer_id"
	FieldState     = "state"
	FieldEvent     = "event"
)

// Config конфигурация логгера
type Config struct {
	Level  string    // trace, debug, info, warn, error
	JSON   bool      // JSON формат вместо текстового
	Output io.Writer // По умолчанию os.Stderr
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		JSON:   false,
		Output: os.Stderr,
	}
}

// New создает logrus.Logger по конфигурации
func New(cfg Config) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("некорректный уровень логирования %q: %w", cfg.Level, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	if cfg.Output != nil {
		logger.SetOutput(cfg.Output)
	}
	if cfg.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// WithComponent возвращает entry с полем component.
// nil entry заменяется стандартным логгером logrus.
func WithComponent(entry *logrus.Entry, component string) *logrus.Entry {
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	return entry.WithField(FieldComponent, component)
}

// WithPeer добавляет идентификатор удаленного участника
func WithPeer(entry *logrus.Entry, peerID string) *logrus.Entry {
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	return entry.WithField(FieldPeerID, peerID)
}

// Discard возвращает entry, который ничего не пишет. Используется в тестах.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}
