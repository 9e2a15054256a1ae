package node

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/3cpo-dev/commensal/pkg/api"
)

// HTTPOptions configures the HTTP transport.
type HTTPOptions struct {
	// URLTemplate expands {node} and {port}; port is BasePort plus the slot.
	URLTemplate string
	BasePort    int
	// Endpoints overrides the template per instance.
	Endpoints map[api.InstanceID]string
	Token     string
	TLS       *tls.Config
}

// HTTPTransport posts commands to the agent's /v0/command endpoint.
type HTTPTransport struct {
	opts   HTTPOptions
	client *http.Client
}

func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	if opts.URLTemplate == "" {
		opts.URLTemplate = "http://{node}:{port}"
	}
	if opts.BasePort == 0 {
		opts.BasePort = 8600
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if opts.TLS != nil {
		tr.TLSClientConfig = opts.TLS
	}
	return &HTTPTransport{opts: opts, client: &http.Client{Transport: tr}}
}

// Endpoint returns the agent base URL for id.
func (t *HTTPTransport) Endpoint(id api.InstanceID) string {
	if u, ok := t.opts.Endpoints[id]; ok {
		return strings.TrimRight(u, "/")
	}
	r := strings.NewReplacer("{node}", id.Node(), "{port}", strconv.Itoa(t.opts.BasePort+id.Slot()))
	return strings.TrimRight(r.Replace(t.opts.URLTemplate), "/")
}

func (t *HTTPTransport) Do(ctx context.Context, req api.CommandRequest) (api.CommandReply, error) {
	var reply api.CommandReply
	body, err := json.Marshal(req)
	if err != nil {
		return reply, fmt.Errorf("encode request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint(req.Instance)+"/v0/command", bytes.NewReader(body))
	if err != nil {
		return reply, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	if t.opts.Token != "" {
		hreq.Header.Set("Authorization", "Bearer "+t.opts.Token)
	}

	start := time.Now()
	resp, err := t.client.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return reply, ctx.Err()
		}
		return reply, fmt.Errorf("post command after %s: %w", time.Since(start).Round(time.Millisecond), err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return reply, fmt.Errorf("read reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return reply, fmt.Errorf("agent returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return reply, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}
