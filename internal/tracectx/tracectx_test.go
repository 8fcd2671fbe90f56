package tracectx_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mickamy/sqlcapture/internal/tracectx"
)

func TestWithCopiesOnWrite(t *testing.T) {
	t.Parallel()

	parent := tracectx.With(context.Background(), tracectx.TraceID, "t-1")
	child := tracectx.With(parent, tracectx.Operator, "alice")

	assert.Equal(t, tracectx.Fields{tracectx.TraceID: "t-1"}, tracectx.From(parent))
	assert.Equal(t, tracectx.Fields{tracectx.TraceID: "t-1", tracectx.Operator: "alice"}, tracectx.From(child))
	assert.Equal(t, "alice", tracectx.Get(child, tracectx.Operator))
	assert.Empty(t, tracectx.Get(context.Background(), tracectx.Operator))
}

func TestWrapInstallsFieldsOnWorker(t *testing.T) {
	t.Parallel()

	submitter := tracectx.With(context.Background(), tracectx.TraceID, "t-42")
	worker := context.Background()

	var seen tracectx.Fields
	task := tracectx.Wrap(submitter, func(ctx context.Context) {
		seen = tracectx.From(ctx)
	})
	task(worker)

	require.Equal(t, "t-42", seen[tracectx.TraceID])
	assert.Nil(t, tracectx.From(worker), "worker context must stay clean after the task")
}

func TestWrapClearsAfterPanic(t *testing.T) {
	t.Parallel()

	submitter := tracectx.With(context.Background(), tracectx.TraceID, "t-panic")
	worker := context.Background()

	task := tracectx.Wrap(submitter, func(ctx context.Context) {
		panic("boom")
	})
	func() {
		defer func() { _ = recover() }()
		task(worker)
	}()

	assert.Nil(t, tracectx.From(worker))
}

func TestWrapWithoutFieldsIsNoop(t *testing.T) {
	t.Parallel()

	ran := false
	task := tracectx.Wrap(context.Background(), func(ctx context.Context) {
		ran = true
		assert.Nil(t, tracectx.From(ctx))
	})
	task(context.Background())
	assert.True(t, ran)
}

func TestLogger(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	ctx := tracectx.With(context.Background(), tracectx.TraceID, "t-7")
	ctx = tracectx.With(ctx, tracectx.Operator, "bob")

	tracectx.Logger(ctx, zap.New(core)).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "t-7", fields[tracectx.TraceID])
	assert.Equal(t, "bob", fields[tracectx.Operator])
}
