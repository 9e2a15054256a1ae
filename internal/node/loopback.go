package node

import (
	"context"
	"sync"

	"github.com/3cpo-dev/commensal/pkg/api"
)

type failKey struct {
	id  api.InstanceID
	cmd api.Command
}

// Loopback answers every command locally. It backs dry runs and tests,
// and can be told to fail or hang for chosen instances.
type Loopback struct {
	mu     sync.Mutex
	fail   map[failKey]string
	hang   map[failKey]bool
	calls  []api.CommandRequest
	notify func(api.CommandRequest)
}

func NewLoopback() *Loopback {
	return &Loopback{fail: map[failKey]string{}, hang: map[failKey]bool{}}
}

// FailOn makes cmd to id answer ok=false. An empty cmd matches every command.
func (l *Loopback) FailOn(id api.InstanceID, cmd api.Command, message string) {
	l.mu.Lock()
	l.fail[failKey{id, cmd}] = message
	l.mu.Unlock()
}

// HangOn makes cmd to id never answer. An empty cmd matches every command.
func (l *Loopback) HangOn(id api.InstanceID, cmd api.Command) {
	l.mu.Lock()
	l.hang[failKey{id, cmd}] = true
	l.mu.Unlock()
}

// Heal clears every failure and hang for id.
func (l *Loopback) Heal(id api.InstanceID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.fail {
		if k.id == id {
			delete(l.fail, k)
		}
	}
	for k := range l.hang {
		if k.id == id {
			delete(l.hang, k)
		}
	}
}

// OnCommand registers a callback run for every accepted command.
func (l *Loopback) OnCommand(fn func(api.CommandRequest)) {
	l.mu.Lock()
	l.notify = fn
	l.mu.Unlock()
}

func (l *Loopback) Do(ctx context.Context, req api.CommandRequest) (api.CommandReply, error) {
	l.mu.Lock()
	l.calls = append(l.calls, req)
	hang := l.hang[failKey{req.Instance, req.Command}] || l.hang[failKey{req.Instance, ""}]
	msg, fail := l.fail[failKey{req.Instance, req.Command}]
	if !fail {
		msg, fail = l.fail[failKey{req.Instance, ""}]
	}
	notify := l.notify
	l.mu.Unlock()

	if hang {
		<-ctx.Done()
		return api.CommandReply{}, ctx.Err()
	}
	reply := api.CommandReply{Instance: req.Instance, Command: req.Command, OK: !fail, Message: msg}
	if !fail && notify != nil {
		notify(req)
	}
	return reply, nil
}

// Calls returns every request received so far.
func (l *Loopback) Calls() []api.CommandRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]api.CommandRequest, len(l.calls))
	copy(out, l.calls)
	return out
}

// Sent returns the instances that received cmd, in identifier order.
func (l *Loopback) Sent(cmd api.Command) []api.InstanceID {
	var out []api.InstanceID
	for _, c := range l.Calls() {
		if c.Command == cmd {
			out = append(out, c.Instance)
		}
	}
	return api.SortInstances(out)
}

// Reset forgets recorded calls.
func (l *Loopback) Reset() {
	l.mu.Lock()
	l.calls = nil
	l.mu.Unlock()
}
