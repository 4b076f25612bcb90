// Tests for task.go

package threadly_internal

import (
	"errors"
	"testing"
	"time"
)

func TestTaskWrapperCancelIdempotent(t *testing.T) {
	ran := 0
	w := &taskWrapper{priority: PriorityHigh, action: func() { ran++ }}

	w.Cancel()
	w.Cancel()
	if !w.Canceled() {
		t.Fatal("Canceled: want true")
	}
	w.run()
	if ran != 0 {
		t.Fatalf("cancelled task ran %d times, want 0", ran)
	}
}

func TestFutureTaskResult(t *testing.T) {
	ft := newFutureTask(func() (any, error) { return 42, nil })
	ft.run()

	if !ft.Done() {
		t.Fatal("Done: want true")
	}
	result, err := ft.AwaitResult(-1)
	if err != nil {
		t.Fatal(err)
	}
	if result != 42 {
		t.Fatalf("result: want 42, got %v", result)
	}
}

func TestFutureTaskFailure(t *testing.T) {
	wantErr := errors.New("task failed")
	ft := newFutureTask(func() (any, error) { return nil, wantErr })
	ft.run()

	if _, err := ft.AwaitResult(-1); !errors.Is(err, wantErr) {
		t.Fatalf("err: want %v, got %v", wantErr, err)
	}
}

func TestFutureTaskPanicCaptured(t *testing.T) {
	ft := newFutureTask(func() (any, error) { panic("boom") })
	// Must not propagate:
	ft.run()

	if _, err := ft.AwaitResult(-1); err == nil {
		t.Fatal("err: want non-nil for a panicking task")
	}
}

func TestFutureTaskCancelBeforeStart(t *testing.T) {
	ran := false
	ft := newFutureTask(func() (any, error) { ran = true; return nil, nil })

	if !ft.Cancel() {
		t.Fatal("Cancel before start: want true")
	}
	// Idempotent:
	if !ft.Cancel() {
		t.Fatal("second Cancel: want true")
	}

	ft.run()
	if ran {
		t.Fatal("cancelled future task must not run")
	}
	if _, err := ft.AwaitResult(-1); !errors.Is(err, ErrFutureCanceled) {
		t.Fatalf("err: want %v, got %v", ErrFutureCanceled, err)
	}
}

func TestFutureTaskCancelAfterStart(t *testing.T) {
	startedCh := make(chan struct{})
	releaseCh := make(chan struct{})
	ft := newFutureTask(func() (any, error) {
		close(startedCh)
		<-releaseCh
		return "done", nil
	})
	go ft.run()
	<-startedCh

	if ft.Cancel() {
		t.Fatal("Cancel after start: want false")
	}
	close(releaseCh)

	result, err := ft.AwaitResult(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if result != "done" {
		t.Fatalf("result: want done, got %v", result)
	}
}

func TestFutureTaskAwaitResultTimeout(t *testing.T) {
	ft := newFutureTask(func() (any, error) { return nil, nil })
	// Never run, the wait must lapse:
	if _, err := ft.AwaitResult(20 * time.Millisecond); !errors.Is(err, ErrResultWait) {
		t.Fatalf("err: want %v, got %v", ErrResultWait, err)
	}
}

func TestParsePriority(t *testing.T) {
	for _, tc := range []struct {
		name    string
		want    Priority
		wantErr bool
	}{
		{"high", PriorityHigh, false},
		{"low", PriorityLow, false},
		{"medium", PriorityHigh, true},
		{"", PriorityHigh, true},
	} {
		got, err := ParsePriority(tc.name)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParsePriority(%q): want error", tc.name)
			}
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Fatalf("ParsePriority(%q): want %v, got %v", tc.name, tc.want, got)
		}
	}
}
