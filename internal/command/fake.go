package command

import (
	"context"
	"sync"
)

// Recorder is a Runner that records requests and answers them with Handler.
// It is safe for concurrent use.
type Recorder struct {
	Handler func(req Request) (Result, error)

	mu       sync.Mutex
	requests []Request
}

var _ Runner = (*Recorder)(nil)

func (r *Recorder) Run(_ context.Context, req Request) (Result, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	if r.Handler == nil {
		return Result{Args: req.Args}, nil
	}
	result, err := r.Handler(req)
	if result.Args == nil {
		result.Args = req.Args
	}
	return result, err
}

// Requests returns a copy of every request seen so far.
func (r *Recorder) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.requests...)
}
