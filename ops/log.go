package ops

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Log emits one structured record at `level`, merging the context Scope
// with `fields`. Fields must be pairs of a string key followed by a
// JSON-encodable value. Log panics if `fields` are odd or a key isn't a
// string, because incorrect fields are a developer implementation error
// and not a user or input error.
func Log(ctx context.Context, level logrus.Level, message string, fields ...interface{}) {
	if !logrus.IsLevelEnabled(level) {
		return
	}

	if len(fields)%2 != 0 {
		panic(fmt.Sprintf("fields must be of even length: %#v", fields))
	}

	var out = make(logrus.Fields, len(fields)/2+6)
	for i := 0; i != len(fields); i += 2 {
		var key = fields[i].(string)
		var value = fields[i+1]

		// Errors typically have JSON struct marshalling behavior and appear
		// as '{}', so explicitly cast them to their displayed string.
		if err, ok := value.(error); ok {
			value = err.Error()
		}
		out[key] = value
	}
	mergeScope(out, ScopeOf(ctx))

	logrus.StandardLogger().WithFields(out).Log(level, message)
}

// Convenience wrappers over Log.

func Debug(ctx context.Context, message string, fields ...interface{}) {
	Log(ctx, logrus.DebugLevel, message, fields...)
}

func Info(ctx context.Context, message string, fields ...interface{}) {
	Log(ctx, logrus.InfoLevel, message, fields...)
}

func Warn(ctx context.Context, message string, fields ...interface{}) {
	Log(ctx, logrus.WarnLevel, message, fields...)
}

func Error(ctx context.Context, message string, fields ...interface{}) {
	Log(ctx, logrus.ErrorLevel, message, fields...)
}

// Logger returns a logrus Entry pre-bound with the context Scope, for call
// sites that prefer the logrus API directly.
func Logger(ctx context.Context) *logrus.Entry {
	var fields = make(logrus.Fields, 6)
	mergeScope(fields, ScopeOf(ctx))
	return logrus.StandardLogger().WithFields(fields)
}

func mergeScope(into logrus.Fields, scope Scope) {
	for k, v := range scope.Tags {
		into[k] = v
	}
	if scope.TraceID != "" {
		into["traceId"] = scope.TraceID
	}
	if scope.JobID != "" {
		into["jobId"] = scope.JobID
	}
	if scope.EntityID != "" {
		into["entityId"] = scope.EntityID
	}
	if scope.TaskKind != "" {
		into["taskKind"] = scope.TaskKind
	}
}
