package logger

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestEntry(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, logrus.StandardLogger(), Entry(ctx).Logger)

	l := logrus.New()
	ctx = WithLogEntry(ctx, logrus.NewEntry(l).WithField("pid", 7))
	ctx = WithFields(ctx, logrus.Fields{"op": "equalize"})

	e := Entry(ctx)
	require.Equal(t, l, e.Logger)
	require.Equal(t, 7, e.Data["pid"])
	require.Equal(t, "equalize", e.Data["op"])
}
