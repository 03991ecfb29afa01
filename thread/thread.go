package thread

import (
	"context"
	"errors"

	"github.com/joeycumines/go-workermsg/eventloop"
	"github.com/joeycumines/go-workermsg/workermsg"
)

// MessageEvent is the type of the events dispatched for delivered messages,
// carrying a [Message] as detail.
const MessageEvent = "workerMessage"

// Message is a value delivered by [workermsg.Messaging.Send].
type Message struct {
	Value  any
	Source workermsg.ThreadID
}

// sink delivers messages as events. A thread has listeners once a handler
// is registered for MessageEvent.
type sink struct {
	events *eventloop.EventTarget
}

func (s sink) HasListeners() bool {
	return s.events.HasEventListeners(MessageEvent)
}

func (s sink) Dispatch(value any, source workermsg.ThreadID) {
	s.events.DispatchEvent(eventloop.NewCustomEvent(MessageEvent, Message{Value: value, Source: source}))
}

// Thread is a goroutine running an event loop, addressable by id.
//
// Except for ID, Loop and Events, methods must be called on the thread's
// loop.
type Thread struct {
	host      *Host
	loop      *eventloop.Loop
	messaging *workermsg.Messaging
	events    *eventloop.EventTarget
	children  map[workermsg.ThreadID]*Worker // loop only
	id        workermsg.ThreadID
}

// ID returns the thread id, 0 for the coordinator.
func (t *Thread) ID() workermsg.ThreadID {
	return t.id
}

// Loop returns the thread's event loop.
func (t *Thread) Loop() *eventloop.Loop {
	return t.loop
}

// Events returns the target MessageEvent events are dispatched on.
func (t *Thread) Events() *eventloop.EventTarget {
	return t.events
}

// Messaging returns the thread's messaging instance.
func (t *Thread) Messaging() *workermsg.Messaging {
	return t.messaging
}

// OnMessage registers fn to receive messages sent to this thread. While at
// least one handler is registered, sends to this thread succeed.
func (t *Thread) OnMessage(fn func(msg Message)) eventloop.ListenerID {
	if fn == nil {
		return 0
	}
	return t.events.AddEventListener(MessageEvent, func(e *eventloop.Event) {
		if msg, ok := e.Detail().(Message); ok {
			fn(msg)
		}
	})
}

// OffMessage removes a handler registered by OnMessage.
func (t *Thread) OffMessage(id eventloop.ListenerID) bool {
	return t.events.RemoveEventListenerByID(MessageEvent, id)
}

// PostMessageToThread sends value to thread destination, see
// [workermsg.Messaging.Send].
func (t *Thread) PostMessageToThread(destination workermsg.ThreadID, value any, opts ...workermsg.SendOption) (*eventloop.Promise, error) {
	return t.messaging.Send(destination, value, opts...)
}

// Spawn starts a child thread, calling fn on its loop. The child is
// registered with the coordinator before Spawn returns, though sends to it
// from other threads may race with the registration.
//
// The child keeps this thread's loop alive until it exits, and is terminated
// if this thread exits first.
func (t *Thread) Spawn(fn func(child *Thread)) (*Worker, error) {
	if !t.loop.IsLoopThread() {
		return nil, workermsg.ErrNotOnLoop
	}

	h := t.host
	id := workermsg.ThreadID(h.nextID.Add(1))

	child, err := h.newThread(id)
	if err != nil {
		return nil, err
	}

	p, err := t.messaging.RegisterPort(id)
	if err != nil {
		return nil, err
	}

	if err := child.loop.Submit(func() {
		if err := child.messaging.SetupParentPort(p); err != nil {
			h.logger.Err().
				Err(err).
				Uint64("thread", uint64(id)).
				Log("thread: failed to set up parent port")
			return
		}
		fn(child)
	}); err != nil {
		_ = t.messaging.UnregisterPort(id)
		_ = p.Close()
		return nil, err
	}

	w := &Worker{thread: child, done: make(chan struct{})}
	t.children[id] = w
	t.loop.Ref()

	h.group.Go(func() error {
		defer close(w.done)
		w.err = child.run(h.ctx)
		t.childExited(w)
		return w.err
	})

	h.logger.Debug().
		Uint64("thread", uint64(id)).
		Uint64("parent", uint64(t.id)).
		Log("thread: spawned")
	return w, nil
}

// run runs the loop on the calling goroutine, then releases the thread's
// resources.
func (t *Thread) run(ctx context.Context) error {
	err := t.loop.Run(ctx)
	if errors.Is(err, eventloop.ErrLoopTerminated) {
		// terminated before it started
		err = nil
	}
	// the loop is gone, nothing else touches children
	for _, w := range t.children {
		_ = w.Terminate()
	}
	_ = t.messaging.Close()
	return err
}

// childExited runs on the child's goroutine, once its loop has stopped.
func (t *Thread) childExited(w *Worker) {
	id := w.thread.id
	err := t.loop.Submit(func() {
		delete(t.children, id)
		if err := t.messaging.UnregisterPort(id); err != nil {
			t.host.logger.Debug().
				Err(err).
				Uint64("thread", uint64(id)).
				Log("thread: failed to unregister")
		}
		t.loop.Unref()
	})
	if err == nil {
		return
	}
	// the parent is gone, so unregister directly with the coordinator
	coordinator := t.host.main
	_ = coordinator.loop.Submit(func() {
		_ = coordinator.messaging.UnregisterPort(id)
	})
}

// Worker is the handle of a thread started by [Thread.Spawn].
type Worker struct {
	thread *Thread
	done   chan struct{}
	err    error
}

// ThreadID returns the id of the worker thread.
func (w *Worker) ThreadID() workermsg.ThreadID {
	return w.thread.id
}

// Terminate stops the worker without running its queued tasks. It does not
// wait, see Done.
func (w *Worker) Terminate() error {
	err := w.thread.loop.Close()
	if errors.Is(err, eventloop.ErrLoopTerminated) {
		return nil
	}
	return err
}

// Done is closed once the worker has exited, and its parent notified.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Err returns the error the worker's loop stopped with, once Done is
// closed.
func (w *Worker) Err() error {
	<-w.done
	return w.err
}
