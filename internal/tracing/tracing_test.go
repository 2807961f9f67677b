package tracing

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"omnidesk/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRequestContextHelpers(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Zero(t, Duration(ctx))

	id := GenerateRequestID()
	assert.True(t, strings.HasPrefix(id, "req_"))
	assert.NotEqual(t, id, GenerateRequestID())

	start := time.Now().Add(-time.Second)
	ctx = WithStartTime(WithSpanID(WithTraceID(WithRequestID(ctx, id), "t1"), "s1"), start)
	info := GetRequestInfo(ctx)
	assert.Equal(t, id, info.RequestID)
	assert.Equal(t, "t1", info.TraceID)
	assert.Equal(t, "s1", info.SpanID)
	assert.Equal(t, start, info.StartTime)
	assert.GreaterOrEqual(t, Duration(ctx), time.Second)
}

func TestStartSpan_RecordsAttributesAndErrors(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(previous)

	ctx, span := StartSpan(context.Background(), "outbound.send", AttrCompany.String("acme"), AttrChannel.String("slack"))
	assert.NotEmpty(t, GetTraceID(ctx))
	assert.NotEmpty(t, GetSpanID(ctx))

	AddSpanAttributes(ctx, AttrOperation.String("send_message"))
	EndSpan(span, errors.New("rate limited"))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "outbound.send", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)

	attrs := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "acme", attrs["omnidesk.company_id"])
	assert.Equal(t, "send_message", attrs["omnidesk.operation"])
}

func TestTracingManager_Disabled(t *testing.T) {
	tm := NewTracingManager(models.TracingConfig{Enabled: false}, "test", quietLogger())
	require.NoError(t, tm.Initialize(context.Background()))
	require.NoError(t, tm.Shutdown(context.Background()))
}

func TestTracingManager_Stdout(t *testing.T) {
	previous := otel.GetTracerProvider()
	defer otel.SetTracerProvider(previous)

	tm := NewTracingManager(models.TracingConfig{
		Enabled: true, ServiceName: "omnidesk", Environment: "test", SampleRate: 1, UseStdout: true,
	}, "test", quietLogger())
	require.NoError(t, tm.Initialize(context.Background()))
	require.NoError(t, tm.Shutdown(context.Background()))
}
