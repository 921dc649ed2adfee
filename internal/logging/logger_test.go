package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/edvin/vmbackup/internal/config"
)

func TestNewLogger_Level(t *testing.T) {
	cfg := &config.Config{ServiceName: "vmbackup", LogLevel: "debug"}
	logger := NewLogger(cfg)
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())
}

func TestNewLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	cfg := &config.Config{LogLevel: "chatty"}
	logger := NewLogger(cfg)
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}
