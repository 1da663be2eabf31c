package main

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weatherfav/internal/bot"
	"weatherfav/internal/config"
	"weatherfav/internal/storage"
)

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"text", "TEXT", "Text"} {
		log := newLogger(config.Config{LogFormat: format, LogLevel: "debug"})
		assert.IsType(t, &logrus.TextFormatter{}, log.Formatter, format)
		assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	}

	log := newLogger(config.Config{LogFormat: "json", LogLevel: "loud"})
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}

func TestRun_BotFailureClosesDatabase(t *testing.T) {
	errBot := errors.New("bad token")
	orig := newBotHandler
	newBotHandler = func(string, bot.Gate, logrus.FieldLogger) (*bot.Handler, error) {
		return nil, errBot
	}
	t.Cleanup(func() { newBotHandler = orig })

	log := logrus.New()
	log.SetOutput(io.Discard)

	dir := t.TempDir()
	cfg := config.Config{
		ListenAddr:       "127.0.0.1:0",
		BadgerDBPath:     dir,
		TelegramBotToken: "123:abc",
	}
	err := run(context.Background(), cfg, log)
	require.ErrorIs(t, err, errBot)

	// Badger holds a directory lock while open; reopening only works if run closed it.
	repo, err := storage.NewBadgerRepository(dir, log)
	require.NoError(t, err)
	assert.NoError(t, repo.Close())
}
