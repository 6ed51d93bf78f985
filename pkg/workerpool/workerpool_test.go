package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmit_RunsJobAndReturnsValue(t *testing.T) {
	p := New[int](2)
	out, err := p.Submit(context.Background(), func() (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	select {
	case res := <-out:
		if res.Err != nil {
			t.Fatalf("job returned error: %v", res.Err)
		}
		if res.Value != 42 {
			t.Errorf("Value = %d, want 42", res.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job result")
	}
}

func TestSubmit_PropagatesJobError(t *testing.T) {
	p := New[int](1)
	wantErr := errors.New("boom")
	out, err := p.Submit(context.Background(), func() (int, error) {
		return 0, wantErr
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	res := <-out
	if !errors.Is(res.Err, wantErr) {
		t.Errorf("Err = %v, want %v", res.Err, wantErr)
	}
}

func TestSubmit_BlocksAtCapacity(t *testing.T) {
	p := New[int](1)
	release := make(chan struct{})
	started := make(chan struct{})

	if _, err := p.Submit(context.Background(), func() (int, error) {
		close(started)
		<-release
		return 0, nil
	}); err != nil {
		t.Fatalf("first Submit returned error: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := p.Submit(ctx, func() (int, error) { return 0, nil }); err == nil {
		t.Error("expected second Submit to block until the slot frees up")
	}

	close(release)
}

func TestResize_AdmitsMoreConcurrentJobs(t *testing.T) {
	p := New[int](1)
	p.Resize(2)

	release := make(chan struct{})
	var running atomic.Int32

	job := func() (int, error) {
		running.Add(1)
		<-release
		return 0, nil
	}

	if _, err := p.Submit(context.Background(), job); err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := p.Submit(ctx, job); err != nil {
		t.Fatalf("Submit 2: %v", err)
	}

	deadline := time.After(time.Second)
	for running.Load() != 2 {
		select {
		case <-deadline:
			t.Fatal("expected both jobs to be running concurrently after resize")
		case <-time.After(10 * time.Millisecond):
		}
	}
	close(release)
}

func TestOutstanding_TracksRunningJobs(t *testing.T) {
	p := New[int](2)
	release := make(chan struct{})

	if _, err := p.Submit(context.Background(), func() (int, error) {
		<-release
		return 0, nil
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.After(time.Second)
	for p.Outstanding() != 1 {
		select {
		case <-deadline:
			t.Fatalf("Outstanding() = %d, want 1", p.Outstanding())
		case <-time.After(10 * time.Millisecond):
		}
	}
	close(release)
	p.Wait()

	if p.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d, want 0 after Wait", p.Outstanding())
	}
}

func TestWait_BlocksUntilAllJobsFinish(t *testing.T) {
	p := New[int](3)
	var completed atomic.Int32

	for i := 0; i < 3; i++ {
		if _, err := p.Submit(context.Background(), func() (int, error) {
			time.Sleep(10 * time.Millisecond)
			completed.Add(1)
			return 0, nil
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	p.Wait()
	if completed.Load() != 3 {
		t.Errorf("completed = %d, want 3", completed.Load())
	}
}
