package service

import (
	"sync"

	"github.com/CZERTAINLY/garakd/internal/model"
)

// job is the in-flight part of a ScanJob: its state, subscribers and process.
type job struct {
	mx       sync.Mutex
	state    model.ScanJob
	subs     map[*Handle]struct{}
	proc     Process
	reason   error // why the job was aborted
	finished bool
}

func newJob(state model.ScanJob) *job {
	return &job{
		state: state,
		subs:  make(map[*Handle]struct{}),
	}
}

func (j *job) snapshot() model.ScanJob {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.state.Clone()
}

// update applies fn to the state and returns the updated copy.
func (j *job) update(fn func(*model.ScanJob) error) (model.ScanJob, error) {
	j.mx.Lock()
	defer j.mx.Unlock()
	err := fn(&j.state)
	return j.state.Clone(), err
}

// subscribe registers h and queues first to it. A finished job gets its
// terminal event instead and the handle is closed.
func (j *job) subscribe(h *Handle, first model.Event) {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.finished {
		h.events <- model.TerminalEvent(j.state)
		close(h.events)
		return
	}
	h.events <- first
	j.subs[h] = struct{}{}
}

// unsubscribe returns the number of remaining subscribers.
func (j *job) unsubscribe(h *Handle) int {
	j.mx.Lock()
	defer j.mx.Unlock()
	delete(j.subs, h)
	return len(j.subs)
}

func (j *job) subscribers() []*Handle {
	j.mx.Lock()
	defer j.mx.Unlock()
	ret := make([]*Handle, 0, len(j.subs))
	for h := range j.subs {
		ret = append(ret, h)
	}
	return ret
}

// publish sends ev to current subscribers. Only the job goroutine publishes.
func (j *job) publish(ev model.Event) {
	for _, h := range j.subscribers() {
		h.send(ev)
	}
}

// finish marks the job finished and closes all subscriptions after sending
// them the terminal event.
func (j *job) finish() {
	j.mx.Lock()
	j.finished = true
	ev := model.TerminalEvent(j.state)
	subs := make([]*Handle, 0, len(j.subs))
	for h := range j.subs {
		subs = append(subs, h)
	}
	clear(j.subs)
	j.mx.Unlock()

	for _, h := range subs {
		h.send(ev)
		close(h.events)
	}
}

// abort records reason and kills the process if it is running. It returns
// false if the job has already finished.
func (j *job) abort(reason error) bool {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.finished || j.state.IsTerminal() {
		return false
	}
	if j.reason == nil {
		j.reason = reason
	}
	if j.proc != nil {
		j.proc.Kill()
	}
	return true
}

// attach stores the started process. It returns the abort reason if the
// job was aborted while the process was starting.
func (j *job) attach(proc Process) error {
	j.mx.Lock()
	defer j.mx.Unlock()
	j.proc = proc
	return j.reason
}

func (j *job) abortReason() error {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.reason
}
