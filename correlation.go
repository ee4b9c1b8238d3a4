package mcpx

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Request outcomes reported to the completion hook.
const (
	outcomeOK        = "ok"
	outcomeError     = "error"
	outcomeTimeout   = "timeout"
	outcomeLost      = "lost"
	outcomeCancelled = "cancelled"
)

// correlationTable maps the id of every outstanding request to its waiting caller.
// An entry is completed by whoever removes it from the map first, so a response
// racing its own timeout (or a drain) completes the caller exactly once.
type correlationTable struct {
	clock Clock

	mu      sync.Mutex
	entries map[string]*pendingRequest

	// onComplete is called after an entry is completed, outside the lock.
	onComplete func(method, outcome string, elapsed time.Duration)
}

type pendingRequest struct {
	envelope Envelope
	method   string
	issued   time.Time
	timeout  time.Duration
	timer    Timer

	// done is written once, by the remover of the entry.
	done chan requestResult
}

type requestResult struct {
	response Envelope
	err      error
}

func newCorrelationTable(clock Clock) *correlationTable {
	return &correlationTable{
		clock:   clock,
		entries: make(map[string]*pendingRequest),
	}
}

// register stores a pending entry for env and arms its timeout. It must be called
// before env is written to the transport so that a fast response always finds it.
func (t *correlationTable) register(env Envelope, method string, timeout time.Duration) (*pendingRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[env.ID]; ok {
		return nil, fmt.Errorf("request id %s already pending", env.ID)
	}

	p := &pendingRequest{
		envelope: env,
		method:   method,
		issued:   t.clock.Now(),
		timeout:  timeout,
		done:     make(chan requestResult, 1),
	}
	t.entries[env.ID] = p

	if timeout > 0 {
		p.timer = t.clock.AfterFunc(timeout, func() { t.expire(env.ID, p) })
	}

	return p, nil
}

// resolve completes the entry answered by response. Unknown, late and duplicate
// responses are discarded and reported as false.
func (t *correlationTable) resolve(response Envelope) bool {
	p := t.take(response.CorrelationID)
	if p == nil {
		return false
	}
	t.complete(p, requestResult{response: response}, outcomeOK)
	return true
}

// reject completes the entry with err, usually a *JSONRPCError or *ProtocolError.
func (t *correlationTable) reject(id string, err error) bool {
	p := t.take(id)
	if p == nil {
		return false
	}
	t.complete(p, requestResult{err: err}, outcomeError)
	return true
}

// cancel removes the entry on behalf of a caller that stopped waiting.
func (t *correlationTable) cancel(id string, err error) bool {
	p := t.take(id)
	if p == nil {
		return false
	}
	t.complete(p, requestResult{err: err}, outcomeCancelled)
	return true
}

// drainAll fails every pending entry with a ConnectionLostError carrying reason and
// empties the table.
func (t *correlationTable) drainAll(reason error) int {
	t.mu.Lock()
	drained := t.entries
	t.entries = make(map[string]*pendingRequest)
	for _, p := range drained {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	t.mu.Unlock()

	for _, p := range drained {
		t.complete(p, requestResult{err: &ConnectionLostError{Reason: reason}}, outcomeLost)
	}
	return len(drained)
}

// has reports whether id is a live entry.
func (t *correlationTable) has(id string) bool {
	if id == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

func (t *correlationTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// wait blocks until p is completed or ctx is done. A cancelled caller removes its
// own entry; if it loses that race to a completion, the completion is returned.
func (t *correlationTable) wait(ctx context.Context, p *pendingRequest) (Envelope, error) {
	select {
	case res := <-p.done:
		return res.response, res.err
	case <-ctx.Done():
		if t.cancel(p.envelope.ID, ctx.Err()) {
			return Envelope{}, ctx.Err()
		}
		res := <-p.done
		return res.response, res.err
	}
}

func (t *correlationTable) expire(id string, p *pendingRequest) {
	t.mu.Lock()
	cur, ok := t.entries[id]
	if !ok || cur != p {
		t.mu.Unlock()
		return
	}
	delete(t.entries, id)
	t.mu.Unlock()

	t.complete(p, requestResult{err: &TimeoutError{
		RequestID: id,
		Method:    p.method,
		After:     p.timeout,
	}}, outcomeTimeout)
}

func (t *correlationTable) take(id string) *pendingRequest {
	if id == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

func (t *correlationTable) complete(p *pendingRequest, res requestResult, outcome string) {
	p.done <- res
	if t.onComplete != nil {
		t.onComplete(p.method, outcome, t.clock.Now().Sub(p.issued))
	}
}
