package zap

import (
	"go.uber.org/zap"

	tinymldelta "github.com/felixgalindo/TinyMLDelta"
)

type ZapLogger struct{ L *zap.Logger }

func (z ZapLogger) Debug(msg string, f tinymldelta.Fields) { z.L.Debug(msg, zf(f)...) }
func (z ZapLogger) Info(msg string, f tinymldelta.Fields)  { z.L.Info(msg, zf(f)...) }
func (z ZapLogger) Warn(msg string, f tinymldelta.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z ZapLogger) Error(msg string, f tinymldelta.Fields) { z.L.Error(msg, zf(f)...) }

func zf(f tinymldelta.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}
