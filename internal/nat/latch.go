package nat

import "sync"

// latch holds the first outcome of a race between a response and a timer.
// Later outcomes are dropped.
type latch struct {
	once sync.Once
	done chan struct{}
	val  Mapped
	err  error
}

func newLatch() *latch {
	return &latch{done: make(chan struct{})}
}

func (l *latch) resolve(v Mapped) bool {
	won := false
	l.once.Do(func() {
		l.val = v
		won = true
		close(l.done)
	})
	return won
}

func (l *latch) fail(err error) bool {
	won := false
	l.once.Do(func() {
		l.err = err
		won = true
		close(l.done)
	})
	return won
}

func (l *latch) wait() (Mapped, error) {
	<-l.done
	return l.val, l.err
}
