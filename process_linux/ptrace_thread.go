//go:build linux

package process_linux

import "runtime"

// ptraceThread serialises every ptrace request and wait onto one locked OS
// thread. Linux ties the tracer relationship to the thread that attached.
type ptraceThread struct {
	fns  chan func()
	done chan struct{}
}

func newPtraceThread() *ptraceThread {
	pt := &ptraceThread{
		fns:  make(chan func()),
		done: make(chan struct{}),
	}
	go pt.loop()
	return pt
}

func (pt *ptraceThread) loop() {
	// Never unlocked: the thread exits with the goroutine, which also drops
	// any tracee still attached to it.
	runtime.LockOSThread()
	for {
		select {
		case fn := <-pt.fns:
			fn()
		case <-pt.done:
			return
		}
	}
}

func (pt *ptraceThread) exec(fn func()) {
	finished := make(chan struct{})
	pt.fns <- func() {
		defer close(finished)
		fn()
	}
	<-finished
}

func (pt *ptraceThread) stop() {
	close(pt.done)
}
