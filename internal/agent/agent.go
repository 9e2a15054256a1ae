// Package agent implements the per-instance node agent that executes
// coordinator commands.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/commensal/internal/telemetry"
	"github.com/3cpo-dev/commensal/pkg/api"
)

// Phase is the agent's view of its own lifecycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSubscribed Phase = "subscribed"
	PhaseRecording  Phase = "recording"
	PhaseProcessing Phase = "processing"
)

// Publisher sends events back to the coordinator.
type Publisher interface {
	Publish(ctx context.Context, ev api.Event) error
}

// Options configures an Agent.
type Options struct {
	Instance    api.InstanceID
	Hooks       map[api.Command]string
	HookTimeout time.Duration
	// Detach starts processing hooks and returns without waiting for them.
	// Used by one-shot exec mode, where the process exits after replying.
	Detach    bool
	Publisher Publisher
	Metrics   *telemetry.Metrics
	Version   string
}

// Agent executes commands for one instance.
type Agent struct {
	opts Options

	mu         sync.Mutex
	phase      Phase
	since      time.Time
	groups     []string
	stopProc   context.CancelFunc
	processing sync.WaitGroup
}

func New(opts Options) *Agent {
	if opts.HookTimeout <= 0 {
		opts.HookTimeout = 5 * time.Minute
	}
	return &Agent{opts: opts, phase: PhaseIdle, since: time.Now()}
}

// Phase returns the current phase.
func (a *Agent) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// Wait blocks until background processing jobs have finished.
func (a *Agent) Wait() { a.processing.Wait() }

func (a *Agent) setPhase(p Phase) {
	if a.phase != p {
		log.Info().Str("instance", a.opts.Instance.String()).Str("from", string(a.phase)).Str("to", string(p)).Msg("agent phase")
		a.phase = p
		a.since = time.Now()
	}
}

// Handle executes one command and always returns a reply.
func (a *Agent) Handle(ctx context.Context, req api.CommandRequest) api.CommandReply {
	reply := a.handle(ctx, req)
	result := "ok"
	if !reply.OK {
		result = "failed"
	}
	a.opts.Metrics.AgentCommand(string(req.Command), result)
	return reply
}

func (a *Agent) handle(ctx context.Context, req api.CommandRequest) api.CommandReply {
	reply := api.CommandReply{Instance: a.opts.Instance, Command: req.Command}
	if req.Instance != "" && req.Instance != a.opts.Instance {
		reply.Message = fmt.Sprintf("agent serves %s, not %s", a.opts.Instance, req.Instance)
		return reply
	}
	if !req.Command.Valid() {
		reply.Message = fmt.Sprintf("unknown command %q", req.Command)
		return reply
	}

	switch req.Command {
	case api.CmdHealth:
		a.mu.Lock()
		reply.Payload = api.Params{
			"phase":            string(a.phase),
			"since":            a.since.UTC().Format(time.RFC3339),
			"version":          a.opts.Version,
			"multicast_groups": append([]string(nil), a.groups...),
		}
		a.mu.Unlock()
		reply.OK = true
		return reply
	case api.CmdStartProcessing:
		return a.startProcessing(req)
	case api.CmdStopProcessing:
		a.mu.Lock()
		if a.stopProc != nil {
			a.stopProc()
			a.stopProc = nil
		}
		a.mu.Unlock()
	}

	if out, err := a.runHook(ctx, req); err != nil {
		reply.Message = err.Error()
		if out != "" {
			reply.Message += ": " + out
		}
		return reply
	}

	a.mu.Lock()
	switch req.Command {
	case api.CmdSubscribe:
		a.groups = groupsOf(req.Params)
		a.setPhase(PhaseSubscribed)
	case api.CmdUnsubscribe:
		a.groups = nil
		a.setPhase(PhaseIdle)
	case api.CmdStartRecording:
		a.setPhase(PhaseRecording)
	case api.CmdStopRecording, api.CmdStopProcessing:
		a.setPhase(PhaseSubscribed)
	}
	a.mu.Unlock()
	reply.OK = true
	return reply
}

func groupsOf(p api.Params) []string {
	raw, ok := p["multicast_groups"].([]any)
	if !ok {
		if s, ok := p["multicast_groups"].([]string); ok {
			return append([]string(nil), s...)
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, g := range raw {
		if s, ok := g.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// startProcessing replies immediately and reports the hook's exit status
// as a processing_done event.
func (a *Agent) startProcessing(req api.CommandRequest) api.CommandReply {
	reply := api.CommandReply{Instance: a.opts.Instance, Command: req.Command}
	hook := a.opts.Hooks[api.CmdStartProcessing]

	if a.opts.Detach {
		if hook != "" {
			cmd := a.hookCommand(context.Background(), hook, req)
			if err := cmd.Start(); err != nil {
				reply.Message = err.Error()
				return reply
			}
			_ = cmd.Process.Release()
		}
		reply.OK = true
		return reply
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.HookTimeout)
	a.mu.Lock()
	if a.stopProc != nil {
		a.stopProc()
	}
	a.stopProc = cancel
	a.setPhase(PhaseProcessing)
	a.mu.Unlock()

	a.processing.Add(1)
	go func() {
		defer a.processing.Done()
		defer cancel()
		code := 0
		if hook != "" {
			code = exitCode(a.hookCommand(ctx, hook, req).Run())
		}
		a.mu.Lock()
		if a.phase == PhaseProcessing {
			a.setPhase(PhaseSubscribed)
		}
		a.mu.Unlock()
		a.reportProcessingDone(subarrayOf(req.Params), code)
	}()

	reply.OK = true
	return reply
}

func subarrayOf(p api.Params) string {
	s, _ := p["subarray"].(string)
	return s
}

func (a *Agent) reportProcessingDone(subarray string, code int) {
	logger := log.With().Str("instance", a.opts.Instance.String()).Int("return_code", code).Logger()
	if a.opts.Publisher == nil {
		logger.Info().Msg("processing finished, no publisher configured")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ev := api.Event{
		Type:     api.EventProcessingDone,
		Subarray: subarray,
		Payload:  api.Params{"instance": string(a.opts.Instance), "return_code": code},
	}
	if err := a.opts.Publisher.Publish(ctx, ev); err != nil {
		logger.Error().Err(err).Msg("publish processing_done")
		return
	}
	logger.Info().Msg("processing finished")
}

func (a *Agent) runHook(ctx context.Context, req api.CommandRequest) (string, error) {
	hook := a.opts.Hooks[req.Command]
	if hook == "" {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.opts.HookTimeout)
	defer cancel()

	start := time.Now()
	out, err := a.hookCommand(ctx, hook, req).CombinedOutput()
	log.Debug().
		Str("instance", a.opts.Instance.String()).
		Str("command", string(req.Command)).
		Dur("duration", time.Since(start)).
		Int("exit_code", exitCode(err)).
		Msg("hook finished")
	if err != nil {
		return tail(string(out), 512), fmt.Errorf("%s hook: %w", req.Command, err)
	}
	return "", nil
}

func (a *Agent) hookCommand(ctx context.Context, hook string, req api.CommandRequest) *exec.Cmd {
	params, _ := json.Marshal(req.Params)
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", hook)
	cmd.Env = append(os.Environ(),
		"COMMENSAL_INSTANCE="+string(a.opts.Instance),
		"COMMENSAL_COMMAND="+string(req.Command),
		"COMMENSAL_PARAMS="+string(params),
	)
	return cmd
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) && exit.ExitCode() >= 0 {
		return exit.ExitCode()
	}
	return 1
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
