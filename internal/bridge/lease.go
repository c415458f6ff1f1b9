package bridge

import (
	"sync"
	"time"
)

// Lease keeps the popup in the foreground for one round trip. raise runs
// once on acquire and then on every tick until Release.
type Lease struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// AcquireLease starts raising the popup every interval.
func AcquireLease(interval time.Duration, raise func()) *Lease {
	l := &Lease{stop: make(chan struct{}), done: make(chan struct{})}
	raise()
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				raise()
			case <-l.stop:
				return
			}
		}
	}()
	return l
}

// Release stops the ticker and waits for it. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() { close(l.stop) })
	<-l.done
}

// Released reports whether Release has completed.
func (l *Lease) Released() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
