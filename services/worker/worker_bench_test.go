package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
	"github.com/zianncupcake/myfoods-backend/internal/scraper"
	"github.com/zianncupcake/myfoods-backend/internal/testutil"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// BenchmarkWorker_ProcessMessage measures the overhead of processMessage with
// an executor that succeeds immediately, i.e. the record bookkeeping and
// supervision around an attempt, excluding real I/O.
func BenchmarkWorker_ProcessMessage(b *testing.B) {
	store := testutil.NewMemoryStore()
	w := NewWorker("bench-worker", nil, store, &testutil.RetryQueue{}, &testutil.Producer{},
		domain.DefaultRetryPolicy(), discardLogger)

	exec := succeedWith(&scraper.ScrapeResult{Desc: "bench", Creator: "x"})
	msg := itemMsg(b, "bench-task", "https://youtu.be/bench", 1)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// Re-seed so the terminal guard doesn't short-circuit.
		store.Seed(domain.NewTask("bench-task", "https://youtu.be/bench", now))
		_ = w.processMessage(ctx, exec, msg)
	}
}

// BenchmarkWorker_ProcessMessage_Parallel measures throughput with one
// worker per goroutine, as with several lanes.
func BenchmarkWorker_ProcessMessage_Parallel(b *testing.B) {
	exec := succeedWith(&scraper.ScrapeResult{Desc: "bench", Creator: "x"})
	msg := itemMsg(b, "bench-task", "https://youtu.be/bench", 1)

	b.RunParallel(func(pb *testing.PB) {
		store := testutil.NewMemoryStore()
		w := NewWorker("bench-worker", nil, store, &testutil.RetryQueue{}, &testutil.Producer{},
			domain.DefaultRetryPolicy(), discardLogger)
		ctx := context.Background()

		for pb.Next() {
			store.Seed(domain.NewTask("bench-task", "https://youtu.be/bench", now))
			_ = w.processMessage(ctx, exec, msg)
		}
	})
}
