package dispatch

import (
	"sync"

	"github.com/cjeanneret/camsession/internal/debug"
	"github.com/pkg/errors"
)

// ErrStopped is returned by Post after Stop.
var ErrStopped = errors.New("dispatcher stopped")

// Dispatcher runs posted functions one at a time, in posting order, on a
// single worker goroutine. Post never blocks on the worker.
//
// The worker starts on the first Post (or Start). Stop refuses new work,
// lets the worker finish everything already queued and waits for it to exit.
// A stopped dispatcher can be started again.
type Dispatcher struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	running bool
	stopped bool
	done    chan struct{}
}

// New creates a dispatcher; name is used in log output.
func New(name string) *Dispatcher {
	d := &Dispatcher{name: name}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start launches the worker if it is not running and accepts work again
// after a Stop. If a Stop is still draining the previous worker, Start waits
// for that worker to exit first. It must not be called from the worker.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.stopped && d.running {
		done := d.done
		d.mu.Unlock()
		<-done
		d.mu.Lock()
	}
	d.stopped = false
	d.startLocked()
}

func (d *Dispatcher) startLocked() {
	if d.running {
		return
	}
	d.running = true
	d.done = make(chan struct{})
	debug.Trace("Dispatcher %s: worker started", d.name)
	go d.loop(d.done)
}

// Post queues fn for the worker.
func (d *Dispatcher) Post(fn func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	d.startLocked()
	d.queue = append(d.queue, fn)
	d.cond.Signal()
	return nil
}

// Stop refuses new work, waits for queued work to finish and joins the
// worker. It must not be called from the worker itself.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	running, done := d.running, d.done
	d.cond.Broadcast()
	d.mu.Unlock()

	if running {
		<-done
		debug.Trace("Dispatcher %s: worker stopped", d.name)
	}
}

// Flush waits until everything posted before the call has run.
func (d *Dispatcher) Flush() error {
	ran := make(chan struct{})
	if err := d.Post(func() { close(ran) }); err != nil {
		return err
	}
	<-ran
	return nil
}

// Pending returns the number of queued functions not yet started.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) loop(done chan struct{}) {
	defer close(done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.run(fn)
	}
}

func (d *Dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			debug.Error(errors.Errorf("dispatcher %s: task panicked: %v", d.name, r))
		}
	}()
	fn()
}
