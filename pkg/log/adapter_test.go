package log

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestBadgerAdapter_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", &buf)
	adapter := NewBadgerAdapter(logger.WithField("component", "badgerdb"))

	adapter.Infof("compaction %d done\n", 3)
	adapter.Debugf("level %d\n", 1)
	assert.Empty(t, buf.String(), "info and debug are demoted below info")

	adapter.Warningf("value log %s\n", "rotated")
	adapter.Errorf("failed: %v\n", "disk")
	out := buf.String()
	assert.Contains(t, out, "level=warning")
	assert.Contains(t, out, "value log rotated")
	assert.Contains(t, out, "level=error")
	assert.NotContains(t, out, "rotated\n\n")
	assert.Contains(t, out, "component=badgerdb")

	buf.Reset()
	logger.SetLevel(logrus.DebugLevel)
	adapter.Infof("compaction %d done", 4)
	assert.Contains(t, buf.String(), "compaction 4 done")
}

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		input    string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{" WARN ", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"nonsense", logrus.InfoLevel},
		{"", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			logger := New(tt.input, &bytes.Buffer{})
			assert.Equal(t, tt.expected, logger.GetLevel())
		})
	}
}

func TestNew_WritesToOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", &buf)
	logger.WithField("component", "test").Info("hello")

	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "component=test")
}
