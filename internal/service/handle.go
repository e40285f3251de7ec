package service

import (
	"sync"

	"github.com/CZERTAINLY/garakd/internal/model"
)

const handleBuffer = 64

// Handle is a subscription to events of one job. The events channel is
// closed after the terminal event.
type Handle struct {
	ID string

	events   chan model.Event
	detach   chan struct{}
	once     sync.Once
	onDetach func(*Handle)
}

func newHandle(id string, onDetach func(*Handle)) *Handle {
	return &Handle{
		ID:       id,
		events:   make(chan model.Event, handleBuffer),
		detach:   make(chan struct{}),
		onDetach: onDetach,
	}
}

// finishedHandle replays the terminal event of a job which isn't running anymore.
func finishedHandle(job model.ScanJob) *Handle {
	h := newHandle(job.ID, nil)
	h.events <- model.TerminalEvent(job)
	close(h.events)
	return h
}

func (h *Handle) Events() <-chan model.Event {
	return h.events
}

// Detach stops the subscription. Events sent after Detach are dropped.
// It is safe to call Detach more than once.
func (h *Handle) Detach() {
	h.once.Do(func() {
		close(h.detach)
		if h.onDetach != nil {
			h.onDetach(h)
		}
	})
}

// send blocks until the event is buffered or the handle detaches.
func (h *Handle) send(ev model.Event) {
	select {
	case <-h.detach:
	case h.events <- ev:
	}
}
