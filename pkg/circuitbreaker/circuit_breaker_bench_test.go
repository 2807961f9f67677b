package circuitbreaker

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func BenchmarkCircuitBreaker_Success(b *testing.B) {
	cb := New("bench", 5, 30*time.Second, WithLogger(quietLogger()))
	ctx := context.Background()
	op := func(context.Context) error { return nil }

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cb.Execute(ctx, op)
	}
}

func BenchmarkGroup_ParallelTenants(b *testing.B) {
	g := NewGroup(5, 30*time.Second, WithLogger(quietLogger()))
	ctx := context.Background()
	op := func(context.Context) error { return nil }

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_ = g.Get("tenant-"+strconv.Itoa(i%64)+"/whatsapp").Execute(ctx, op)
			i++
		}
	})
}
