package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func Test_Queue_Runs_Jobs_In_Submission_Order(t *testing.T) {
	t.Parallel()

	q := newQueue()
	defer q.close()

	var (
		mu  sync.Mutex
		got []int
	)

	results := make([]<-chan error, 0, 10)

	for i := range 10 {
		res, err := q.submit(t.Context(), func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()

			got = append(got, i)

			return nil
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}

		results = append(results, res)
	}

	for _, res := range results {
		if err := <-res; err != nil {
			t.Fatalf("job: %v", err)
		}
	}

	want := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func Test_Queue_Rejects_Jobs_When_Closed(t *testing.T) {
	t.Parallel()

	q := newQueue()

	ran := false

	err := q.do(t.Context(), func(context.Context) error {
		ran = true

		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}

	q.close()
	q.close()

	if !ran {
		t.Fatal("job did not run before close")
	}

	if err := q.do(t.Context(), func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want %v", err, ErrClosed)
	}
}

func Test_Queue_Do_Returns_When_Context_Ends_Before_Job(t *testing.T) {
	t.Parallel()

	q := newQueue()
	defer q.close()

	release := make(chan struct{})

	if _, err := q.submit(t.Context(), func(context.Context) error {
		<-release

		return nil
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	err := q.do(ctx, func(context.Context) error { return nil })
	close(release)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want %v", err, context.DeadlineExceeded)
	}
}

func Test_Metrics_Count_Outcomes_When_Registered(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.observeOpen(OutcomeReady, time.Second)
	m.observeOpen(OutcomeReady, time.Second)
	m.observeOpen(OutcomeCancelled, time.Millisecond)
	m.observeSave(errors.New("disk full"), time.Second)
	m.observeMigration("import-legacy-schema", true, nil)
	m.ObserveWatchEvent("rename")

	if got := testutil.ToFloat64(m.opens.WithLabelValues(OutcomeReady)); got != 2 {
		t.Fatalf("ready opens=%v, want 2", got)
	}

	if got := testutil.ToFloat64(m.saves.WithLabelValues("error")); got != 1 {
		t.Fatalf("failed saves=%v, want 1", got)
	}

	if got := testutil.ToFloat64(m.migrations.WithLabelValues("import-legacy-schema", "changed")); got != 1 {
		t.Fatalf("changed migrations=%v, want 1", got)
	}

	if n := testutil.CollectAndCount(m.opens); n != 2 {
		t.Fatalf("open series=%d, want 2", n)
	}

	var nilMetrics *Metrics

	nilMetrics.observeOpen(OutcomeFailed, time.Second)
	nilMetrics.ObserveWatchEvent("delete")
}

func Test_OutcomeOf_Maps_Sentinels(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err       error
		recovered bool
		want      string
	}{
		{nil, false, OutcomeReady},
		{nil, true, OutcomeRecovered},
		{&Error{Err: ErrMigrationCancelled}, false, OutcomeCancelled},
		{&Error{Err: ErrVersionMismatch}, false, OutcomeMismatch},
		{&Error{Err: ErrCorrupt}, true, OutcomeCorrupt},
		{&Error{Err: ErrInUse}, false, OutcomeInUse},
		{errors.New("boom"), false, OutcomeFailed},
	}

	for _, tc := range cases {
		if got := outcomeOf(tc.err, tc.recovered); got != tc.want {
			t.Errorf("outcomeOf(%v, %v)=%q, want %q", tc.err, tc.recovered, got, tc.want)
		}
	}
}
