package notify

import "sync/atomic"

type Handler func(Event)

// Handlers maps each event kind to the single handler that receives it.
type Handlers map[Kind]Handler

// DispatchRecorder is told about every event handed to a handler.
type DispatchRecorder interface {
	ObserveDispatch(kind string)
}

// Router holds one handler set at a time. SetHandlers swaps the whole set
// atomically, so a dispatch sees either the old set or the new one.
type Router struct {
	decoder  *Decoder
	recorder DispatchRecorder
	handlers atomic.Pointer[Handlers]
}

func NewRouter(decoder *Decoder, recorder DispatchRecorder) *Router {
	r := &Router{decoder: decoder, recorder: recorder}
	empty := Handlers{}
	r.handlers.Store(&empty)
	return r
}

func (r *Router) SetHandlers(h Handlers) {
	next := make(Handlers, len(h))
	for kind, fn := range h {
		if fn != nil {
			next[kind] = fn
		}
	}
	r.handlers.Store(&next)
}

// Dispatch runs the handler registered for event.Kind on the calling
// goroutine. It reports whether a handler ran.
func (r *Router) Dispatch(event Event) bool {
	handlers := *r.handlers.Load()
	fn, ok := handlers[event.Kind]
	if !ok {
		return false
	}
	if r.recorder != nil {
		r.recorder.ObserveDispatch(event.Kind.String())
	}
	fn(event)
	return true
}

// HandleFrame decodes frame and dispatches the result; dropped frames are
// ignored. It is meant to be the push connection's frame callback.
func (r *Router) HandleFrame(frame []byte) {
	if r.decoder == nil {
		return
	}
	event, ok := r.decoder.Decode(frame)
	if !ok {
		return
	}
	r.Dispatch(event)
}
