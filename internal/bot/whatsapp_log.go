package bot

import (
	"github.com/keepmind9/miaubot/internal/logger"
	"github.com/sirupsen/logrus"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// waLogger routes whatsmeow's internal logging through logrus.
type waLogger struct {
	module string
}

func newWALogger(module string) waLog.Logger {
	return &waLogger{module: module}
}

func (l *waLogger) entry() *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"component": "whatsmeow",
		"module":    l.module,
	})
}

func (l *waLogger) Errorf(msg string, args ...interface{}) { l.entry().Errorf(msg, args...) }
func (l *waLogger) Warnf(msg string, args ...interface{})  { l.entry().Warnf(msg, args...) }
func (l *waLogger) Infof(msg string, args ...interface{})  { l.entry().Infof(msg, args...) }
func (l *waLogger) Debugf(msg string, args ...interface{}) { l.entry().Debugf(msg, args...) }

func (l *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{module: l.module + "/" + module}
}
