package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/hush/internal/triage/pgstore.(*Store).Get", "(*Store).Get"},
		{"already short", "(*Store).Get", "Get"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Store).Get", "(*Store).Get"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := shortenFuncName(tt.in)
			if got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestReqDBStats_AddQuery(t *testing.T) {
	t.Parallel()

	s := &ReqDBStats{}

	s.AddQuery(10*time.Millisecond, nil)
	s.AddQuery(20*time.Millisecond, errors.New("timeout"))
	s.AddQuery(5*time.Millisecond, nil)

	if s.QueryCount != 3 {
		t.Errorf("QueryCount = %d, want 3", s.QueryCount)
	}
	if s.TotalDuration != 35*time.Millisecond {
		t.Errorf("TotalDuration = %v, want 35ms", s.TotalDuration)
	}
	if s.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", s.ErrorCount)
	}
}

func TestReqDBStatsContext_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := NewReqDBStatsContext(context.Background())
	got, ok := ReqDBStatsFromContext(ctx)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if got == nil {
		t.Fatal("expected non-nil stats")
	}

	// Verify it's the same pointer
	got.AddQuery(time.Millisecond, nil)
	got2, _ := ReqDBStatsFromContext(ctx)
	if got2.QueryCount != 1 {
		t.Errorf("QueryCount = %d, want 1 (same pointer)", got2.QueryCount)
	}
}

func TestReqDBStatsFromContext_Missing(t *testing.T) {
	t.Parallel()

	_, ok := ReqDBStatsFromContext(context.Background())
	if ok {
		t.Error("expected ok=false for plain context")
	}
}

func TestWithHTTPMethod_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithHTTPMethod(context.Background(), "POST")
	got := httpMethodFromContext(ctx)
	if got != "POST" {
		t.Errorf("httpMethodFromContext = %q, want %q", got, "POST")
	}
}

func TestWithHTTPMethod_Empty(t *testing.T) {
	t.Parallel()

	ctx := WithHTTPMethod(context.Background(), "")
	got := httpMethodFromContext(ctx)
	if got != "" {
		t.Errorf("httpMethodFromContext = %q, want empty", got)
	}
}

// The observer is process-global, so these tests do not run in parallel.
func TestSetQueryObserver(t *testing.T) {
	defer SetQueryObserver(nil)

	called := false
	obs := QueryObserverFunc(func(_ context.Context, _, _, _ string, _ time.Duration) {
		called = true
	})

	SetQueryObserver(obs)
	got := getQueryObserver()
	if got == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	got.ObserveQuery(context.Background(), "GET", "/test", "ok", time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	got = getQueryObserver()
	if got != nil {
		t.Errorf("expected nil observer after Set(nil), got %v", got)
	}
}

type recordingTracer struct {
	mu     sync.Mutex
	starts int
	ends   int
}

func (r *recordingTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryStartData) context.Context {
	r.mu.Lock()
	r.starts++
	r.mu.Unlock()
	return ctx
}

func (r *recordingTracer) TraceQueryEnd(_ context.Context, _ *pgx.Conn, _ pgx.TraceQueryEndData) {
	r.mu.Lock()
	r.ends++
	r.mu.Unlock()
}

func TestLoggingTracer_DelegatesAndRecords(t *testing.T) {
	defer SetQueryObserver(nil)

	var (
		outcomes []string
		methods  []string
	)
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, method, _, outcome string, _ time.Duration) {
		methods = append(methods, method)
		outcomes = append(outcomes, outcome)
	}))

	inner := &recordingTracer{}
	tr := wrapQueryTracer(inner, 0)

	ctx := NewReqDBStatsContext(WithHTTPMethod(context.Background(), "POST"))
	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	time.Sleep(time.Millisecond)
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	qctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "INSERT INTO x VALUES (1)"})
	time.Sleep(time.Millisecond)
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: errors.New("boom")})

	if inner.starts != 2 || inner.ends != 2 {
		t.Errorf("inner starts=%d ends=%d, want 2/2", inner.starts, inner.ends)
	}
	stats, _ := ReqDBStatsFromContext(ctx)
	count, total, errs := stats.Snapshot()
	if count != 2 || errs != 1 || total <= 0 {
		t.Errorf("stats count=%d errs=%d total=%v", count, errs, total)
	}
	if len(outcomes) != 2 || outcomes[0] != "ok" || outcomes[1] != "error" {
		t.Errorf("outcomes = %v", outcomes)
	}
	if len(methods) != 2 || methods[0] != "POST" {
		t.Errorf("methods = %v", methods)
	}
}

func TestLoggingTracer_NoRequestContext(t *testing.T) {
	defer SetQueryObserver(nil)

	var method, route string
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, m, r, _ string, _ time.Duration) {
		method, route = m, r
	}))

	tr := wrapQueryTracer(nil, time.Hour)
	qctx := tr.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	time.Sleep(time.Millisecond)
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{})

	if method != "NONE" || route != "none" {
		t.Errorf("method=%q route=%q, want NONE/none", method, route)
	}
}

func TestCompactSQL(t *testing.T) {
	t.Parallel()

	got := compactSQL("SELECT id,\n\t\tapp\n  FROM notifications\n WHERE id = $1")
	want := "SELECT id, app FROM notifications WHERE id = $1"
	if got != want {
		t.Errorf("compactSQL = %q, want %q", got, want)
	}
}

func TestFindDBCallerAndHandler(t *testing.T) {
	t.Parallel()

	var caller string
	func() {
		// Callers(3) skips runtime.Callers, findDBCallerAndHandler and this
		// closure, so the caller is the test function itself.
		caller, _ = findDBCallerAndHandler()
	}()
	if caller == "" {
		t.Fatal("expected a caller frame")
	}
}
