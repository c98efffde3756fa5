package chain

import (
	"sync"

	"github.com/taowallet/electrum/queue"
)

// Executor runs listener callbacks. Implementations must execute submitted
// tasks one at a time in submission order; the Manager never runs listener
// code on its own goroutines.
type Executor interface {
	Submit(task func())
}

// serialExecutor is the default Executor: an unbounded in-order queue drained
// by a single goroutine, so submissions never block the dispatching side and
// per-listener callbacks stay serialized.
type serialExecutor struct {
	tasks *queue.ConcurrentQueue

	wg   sync.WaitGroup
	quit chan struct{}

	stopped sync.Once
}

func newSerialExecutor() *serialExecutor {
	e := &serialExecutor{
		tasks: queue.NewConcurrentQueue(16),
		quit:  make(chan struct{}),
	}
	e.tasks.Start()

	e.wg.Add(1)
	go e.run()

	return e
}

func (e *serialExecutor) run() {
	defer e.wg.Done()

	for {
		select {
		case task := <-e.tasks.ChanOut():
			task.(func())()

		case <-e.quit:
			return
		}
	}
}

// Submit enqueues the task. Tasks submitted after stop are dropped.
func (e *serialExecutor) Submit(task func()) {
	select {
	case e.tasks.ChanIn() <- task:
	case <-e.quit:
	}
}

// stop shuts the executor down. Queued but not yet executed tasks are
// dropped.
func (e *serialExecutor) stop() {
	e.stopped.Do(func() {
		close(e.quit)
		e.tasks.Stop()
		e.wg.Wait()
	})
}

// connListenerEntry pairs a registered connection listener with its executor.
// owned is non-nil when the Manager allocated the executor and is therefore
// responsible for stopping it.
type connListenerEntry struct {
	listener ConnectionEventListener
	exec     Executor
	owned    *serialExecutor
}

// connListenerRegistry holds the registered connection listeners. The entry
// slice is copied wholesale on every mutation, so a broadcast iterates an
// immutable snapshot and registrations are safe from any goroutine at any
// time. A listener added during a broadcast may or may not observe the
// in-flight event.
type connListenerRegistry struct {
	mtx     sync.Mutex
	entries []*connListenerEntry
}

// add registers the listener. A nil exec allocates a serial executor owned
// by the registry.
func (r *connListenerRegistry) add(listener ConnectionEventListener,
	exec Executor) {

	entry := &connListenerEntry{listener: listener, exec: exec}
	if exec == nil {
		entry.owned = newSerialExecutor()
		entry.exec = entry.owned
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	entries := make([]*connListenerEntry, len(r.entries), len(r.entries)+1)
	copy(entries, r.entries)
	r.entries = append(entries, entry)
}

// remove unregisters the first entry matching the listener and stops its
// owned executor, if any.
func (r *connListenerRegistry) remove(listener ConnectionEventListener) {
	var removed *connListenerEntry

	r.mtx.Lock()
	for i, entry := range r.entries {
		if entry.listener != listener {
			continue
		}

		removed = entry
		entries := make([]*connListenerEntry, 0, len(r.entries)-1)
		entries = append(entries, r.entries[:i]...)
		entries = append(entries, r.entries[i+1:]...)
		r.entries = entries
		break
	}
	r.mtx.Unlock()

	// Stop asynchronously so a listener removing itself from inside one
	// of its own callbacks cannot deadlock on the executor draining.
	if removed != nil && removed.owned != nil {
		go removed.owned.stop()
	}
}

// snapshot returns the current immutable entry slice.
func (r *connListenerRegistry) snapshot() []*connListenerEntry {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	return r.entries
}

// teardown unregisters everything and stops all owned executors.
func (r *connListenerRegistry) teardown() {
	r.mtx.Lock()
	entries := r.entries
	r.entries = nil
	r.mtx.Unlock()

	for _, entry := range entries {
		if entry.owned != nil {
			entry.owned.stop()
		}
	}
}

// broadcastConnected submits OnConnection to every registered listener's
// executor.
func (r *connListenerRegistry) broadcastConnected(m *Manager) {
	for _, entry := range r.snapshot() {
		listener := entry.listener
		entry.exec.Submit(func() {
			listener.OnConnection(m)
		})
	}
}

// broadcastDisconnected submits OnDisconnect to every registered listener's
// executor.
func (r *connListenerRegistry) broadcastDisconnected() {
	for _, entry := range r.snapshot() {
		listener := entry.listener
		entry.exec.Submit(func() {
			listener.OnDisconnect()
		})
	}
}

// txExecutors associates each per-call transaction listener with the
// executor its callbacks run on. Executors for listeners that were never
// explicitly registered are allocated on first use and owned by the
// registry.
type txExecutors struct {
	mtx   sync.Mutex
	execs map[TransactionEventListener]*txExecEntry
}

type txExecEntry struct {
	exec  Executor
	owned *serialExecutor
}

// register associates exec with the listener for all future calls. A nil
// exec allocates an owned serial executor. A listener that already has an
// executor keeps it and exec is ignored.
func (t *txExecutors) register(listener TransactionEventListener,
	exec Executor) {

	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.execs == nil {
		t.execs = make(map[TransactionEventListener]*txExecEntry)
	}
	if _, ok := t.execs[listener]; ok {
		return
	}

	entry := &txExecEntry{exec: exec}
	if exec == nil {
		entry.owned = newSerialExecutor()
		entry.exec = entry.owned
	}
	t.execs[listener] = entry
}

// executorFor returns the executor associated with the listener, allocating
// an owned serial executor on first sight.
func (t *txExecutors) executorFor(listener TransactionEventListener) Executor {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.execs == nil {
		t.execs = make(map[TransactionEventListener]*txExecEntry)
	}
	if entry, ok := t.execs[listener]; ok {
		return entry.exec
	}

	entry := &txExecEntry{owned: newSerialExecutor()}
	entry.exec = entry.owned
	t.execs[listener] = entry

	return entry.exec
}

// release drops the listener's association and stops its owned executor.
func (t *txExecutors) release(listener TransactionEventListener) {
	t.mtx.Lock()
	entry, ok := t.execs[listener]
	if ok {
		delete(t.execs, listener)
	}
	t.mtx.Unlock()

	if ok && entry.owned != nil {
		go entry.owned.stop()
	}
}

// teardown stops every owned executor.
func (t *txExecutors) teardown() {
	t.mtx.Lock()
	execs := t.execs
	t.execs = nil
	t.mtx.Unlock()

	for _, entry := range execs {
		if entry.owned != nil {
			entry.owned.stop()
		}
	}
}
