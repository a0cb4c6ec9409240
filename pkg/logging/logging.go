// Package logging создает logrus логгеры для компонентов медиа ядра.
//
// Каждый компонент получает собственный *logrus.Entry с полем component.
// Вывод идет в консоль и, если задан файл, в файл с ротацией lumberjack.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config параметры логирования
type Config struct {
	Level      string // trace, debug, info, warn, error
	Format     string // text или json
	Console    bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "text",
		Console:    true,
		MaxSizeMB:  100,
		MaxBackups: 1,
	}
}

// Factory выдает логгеры компонентов поверх общего logrus.Logger
type Factory struct {
	logger *logrus.Logger
	file   *lumberjack.Logger
}

// New создает фабрику логгеров
func New(cfg Config) (*Factory, error) {
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("неизвестный уровень логирования %q: %w", cfg.Level, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(io.Discard)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("неизвестный формат логов %q", cfg.Format)
	}

	f := &Factory{logger: logger}

	if cfg.Console {
		logger.AddHook(&writerHook{Writer: os.Stdout, LogLevels: availableLevels(level)})
	}
	if cfg.File != "" {
		f.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // megabytes
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		logger.AddHook(&writerHook{Writer: f.file, LogLevels: availableLevels(level)})
	}

	return f, nil
}

// Component возвращает логгер компонента
func (f *Factory) Component(name string) *logrus.Entry {
	return f.logger.WithField("component", name)
}

// Close закрывает файл логов
func (f *Factory) Close() error {
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

// Discard логгер, который ничего не пишет. Используется в тестах и когда
// вызывающий код не передал логгер.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// OrDiscard возвращает entry или Discard() для nil
func OrDiscard(entry *logrus.Entry) *logrus.Entry {
	if entry == nil {
		return Discard()
	}
	return entry
}

// writerHook пишет записи в writer для заданных уровней
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	line, err := e.Logger.Formatter.Format(e)
	if err != nil {
		return err
	}
	_, err = h.Writer.Write(line)
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}
