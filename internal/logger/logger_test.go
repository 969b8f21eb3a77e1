package logger

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tmp := t.TempDir()

	tests := []struct {
		name      string
		config    Config
		wantLevel logrus.Level
	}{
		{
			name: "file output",
			config: Config{
				Level:      "info",
				File:       filepath.Join(tmp, "miaubot.log"),
				MaxSize:    1,
				MaxBackups: 1,
				MaxAge:     1,
			},
			wantLevel: logrus.InfoLevel,
		},
		{
			name:      "stdout only",
			config:    Config{Level: "debug", EnableStdout: true},
			wantLevel: logrus.DebugLevel,
		},
		{
			name:      "invalid level defaults to info",
			config:    Config{Level: "loud"},
			wantLevel: logrus.InfoLevel,
		},
		{
			name:      "no writers",
			config:    Config{Level: "warn"},
			wantLevel: logrus.WarnLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.config)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLevel, l.GetLevel())
		})
	}
}

func TestNew_CreatesLogDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")

	_, err := New(Config{Level: "info", File: filepath.Join(dir, "bot.log")})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNew_Formatter(t *testing.T) {
	l, err := New(Config{Level: "debug"})
	require.NoError(t, err)
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)

	l, err = New(Config{Level: "info"})
	require.NoError(t, err)
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
}

func TestSetLogger_Restore(t *testing.T) {
	original := GetLogger()

	replacement := logrus.New()
	restore := SetLogger(replacement)
	assert.Same(t, replacement, GetLogger())

	restore()
	assert.Same(t, original, GetLogger())
}

func TestGetLogger_ReturnsSameInstance(t *testing.T) {
	assert.Same(t, GetLogger(), GetLogger())
}

func TestLogFunctions(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.InfoLevel)
	defer SetLogger(l)()

	Debug("debug message")
	Info("info message")
	Warnf("warn %s", "message")
	Errorf("error %s", "message")

	output := buf.String()
	assert.Contains(t, output, "info message")
	assert.Contains(t, output, "warn message")
	assert.Contains(t, output, "error message")
	assert.NotContains(t, output, "debug message")
}

func TestWithFields(t *testing.T) {
	l, hook := test.NewNullLogger()
	defer SetLogger(l)()

	WithFields(logrus.Fields{"chat": "123@g.us", "code": 428}).Info("connection-closed")
	WithComponent("connection").Warn("unknown-disconnect-reason")

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "123@g.us", entries[0].Data["chat"])
	assert.Equal(t, 428, entries[0].Data["code"])
	assert.Equal(t, "connection", entries[1].Data["component"])
	assert.Equal(t, logrus.WarnLevel, entries[1].Level)
}

func TestInitLogger_StdoutAndFile(t *testing.T) {
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	file := filepath.Join(t.TempDir(), "multi.log")
	err = InitLogger(Config{Level: "info", File: file, EnableStdout: true})
	require.NoError(t, err)

	Info("both-writers")

	w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	assert.Contains(t, buf.String(), "both-writers")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "both-writers")

	SetLogger(nil)
}
