package logger

import (
	"context"

	"github.com/sirupsen/logrus"
)

type ctxKey int

const (
	ctxKeyLog ctxKey = iota
)

// Entry returns the entry stored on ctx, or one on the standard logger.
func Entry(ctx context.Context) *logrus.Entry {
	if e, ok := ctx.Value(ctxKeyLog).(*logrus.Entry); ok && e != nil {
		return e
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func WithLogEntry(ctx context.Context, e *logrus.Entry) context.Context {
	return context.WithValue(ctx, ctxKeyLog, e)
}

// WithFields stores a child of the current entry on ctx.
func WithFields(ctx context.Context, fields logrus.Fields) context.Context {
	return WithLogEntry(ctx, Entry(ctx).WithFields(fields))
}
