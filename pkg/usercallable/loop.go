package usercallable

import "context"

// userLoop is a dedicated goroutine that runs every user invocation, the
// Go analogue of the separate OS thread a cooperative single-threaded
// runtime would dedicate to user code: a long or CPU-bound call here can
// never block the replica's own plane goroutines.
type userLoop struct {
	tasks chan func()
	done  chan struct{}
}

func newUserLoop() *userLoop {
	l := &userLoop{
		tasks: make(chan func()),
		done:  make(chan struct{}),
	}
	go l.drain()
	return l
}

func (l *userLoop) drain() {
	for {
		select {
		case task := <-l.tasks:
			task()
		case <-l.done:
			return
		}
	}
}

// run schedules fn onto the user loop and blocks until it completes or ctx
// is cancelled. Cancelling ctx does not stop fn once it has started
// running — the user callable is never forcibly terminated, only observed
// to be cancelled at its own next cooperative suspension.
func (l *userLoop) run(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	task := func() { result <- fn() }

	select {
	case l.tasks <- task:
	case <-l.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *userLoop) stop() {
	close(l.done)
}
