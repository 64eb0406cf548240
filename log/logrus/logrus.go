package logrus

import (
	"github.com/sirupsen/logrus"

	tinymldelta "github.com/felixgalindo/TinyMLDelta"
)

type LogrusLogger struct{ E *logrus.Entry }

func (l LogrusLogger) Debug(msg string, f tinymldelta.Fields) {
	l.E.WithFields(logrus.Fields(f)).Debug(msg)
}
func (l LogrusLogger) Info(msg string, f tinymldelta.Fields) {
	l.E.WithFields(logrus.Fields(f)).Info(msg)
}
func (l LogrusLogger) Warn(msg string, f tinymldelta.Fields) {
	l.E.WithFields(logrus.Fields(f)).Warn(msg)
}
func (l LogrusLogger) Error(msg string, f tinymldelta.Fields) {
	l.E.WithFields(logrus.Fields(f)).Error(msg)
}
