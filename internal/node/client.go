// Package node sends imperative commands to node agents.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/commensal/internal/telemetry"
	"github.com/3cpo-dev/commensal/pkg/api"
)

// ErrNoReply is wrapped by transports when the agent did not answer.
var ErrNoReply = errors.New("node: no reply")

// Transport delivers one request and waits for the reply. It must give up
// when ctx ends.
type Transport interface {
	Do(ctx context.Context, req api.CommandRequest) (api.CommandReply, error)
}

// Options tunes a Client.
type Options struct {
	Timeout     time.Duration
	Concurrency int
	Metrics     *telemetry.Metrics
}

// Client issues commands to agents with a bounded wait per instance.
type Client struct {
	transport   Transport
	timeout     time.Duration
	concurrency int
	metrics     *telemetry.Metrics
}

func NewClient(t Transport, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	return &Client{transport: t, timeout: opts.Timeout, concurrency: opts.Concurrency, metrics: opts.Metrics}
}

// Timeout is the default per-command wait.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Send issues one command. A zero timeout uses the client default. It
// returns *api.CommandTimeoutError when the agent does not answer in time
// and *api.CommandFailedError when it answers with a failure or the
// transport breaks.
func (c *Client) Send(ctx context.Context, id api.InstanceID, cmd api.Command, params api.Params, timeout time.Duration) (api.CommandReply, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		reply api.CommandReply
		err   error
	}
	ch := make(chan result, 1)
	start := time.Now()
	go func() {
		r, err := c.transport.Do(ctx, api.CommandRequest{Instance: id, Command: cmd, Params: params})
		ch <- result{r, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	err := classify(id, cmd, timeout, res.reply, res.err)
	outcome := "ok"
	var te *api.CommandTimeoutError
	switch {
	case errors.As(err, &te):
		outcome = "timeout"
	case err != nil:
		outcome = "failed"
	}
	c.metrics.ObserveCommand(string(cmd), outcome, time.Since(start))
	if err != nil {
		log.Debug().Err(err).Str("instance", id.String()).Str("command", string(cmd)).Msg("node command failed")
	}
	return res.reply, err
}

func classify(id api.InstanceID, cmd api.Command, timeout time.Duration, reply api.CommandReply, err error) error {
	switch {
	case err == nil && reply.OK:
		return nil
	case err == nil:
		return &api.CommandFailedError{Instance: id, Command: cmd, Message: reply.Message}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrNoReply):
		return &api.CommandTimeoutError{Instance: id, Command: cmd, Timeout: timeout}
	default:
		return &api.CommandFailedError{Instance: id, Command: cmd, Err: err}
	}
}

// Results collects the outcome of a fan-out.
type Results struct {
	Succeeded []api.InstanceID
	Failed    map[api.InstanceID]error
	Replies   map[api.InstanceID]api.CommandReply
}

// FailedIDs returns the failed instances in identifier order.
func (r Results) FailedIDs() []api.InstanceID {
	out := make([]api.InstanceID, 0, len(r.Failed))
	for id := range r.Failed {
		out = append(out, id)
	}
	return api.SortInstances(out)
}

// Fanout sends cmd to every id concurrently, bounded by the client's
// concurrency, and returns once every command resolved. paramsFor may be
// nil.
func (c *Client) Fanout(ctx context.Context, cmd api.Command, ids []api.InstanceID, paramsFor func(api.InstanceID) api.Params) Results {
	res := Results{
		Failed:  map[api.InstanceID]error{},
		Replies: map[api.InstanceID]api.CommandReply{},
	}
	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, id := range ids {
		wg.Add(1)
		go func(id api.InstanceID) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			var params api.Params
			if paramsFor != nil {
				params = paramsFor(id)
			}
			reply, err := c.Send(ctx, id, cmd, params, 0)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[id] = err
				return
			}
			res.Succeeded = append(res.Succeeded, id)
			res.Replies[id] = reply
		}(id)
	}
	wg.Wait()

	api.SortInstances(res.Succeeded)
	return res
}
