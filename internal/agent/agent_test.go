package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/3cpo-dev/commensal/internal/node"
	"github.com/3cpo-dev/commensal/internal/testutil"
	"github.com/3cpo-dev/commensal/pkg/api"
)

type chanPublisher chan api.Event

func (c chanPublisher) Publish(_ context.Context, ev api.Event) error {
	c <- ev
	return nil
}

func postCommand(t *testing.T, h http.Handler, req api.CommandRequest, token string) (int, api.CommandReply) {
	t.Helper()
	body, _ := json.Marshal(req)
	rr := httptest.NewRecorder()
	hr := httptest.NewRequest(http.MethodPost, "/v0/command", bytes.NewReader(body))
	if token != "" {
		hr.Header.Set("Authorization", "Bearer "+token)
	}
	h.ServeHTTP(rr, hr)
	var reply api.CommandReply
	if rr.Code == http.StatusOK {
		if err := json.Unmarshal(rr.Body.Bytes(), &reply); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
	}
	return rr.Code, reply
}

// TestHealth tests the health endpoint
func TestHealth(t *testing.T) {
	srv := &Server{Agent: New(Options{Instance: "blpn0/0", Version: "test"})}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/health", nil))
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	var reply api.CommandReply
	if err := json.Unmarshal(rr.Body.Bytes(), &reply); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reply.OK || reply.Payload["phase"] != "idle" || reply.Payload["version"] != "test" {
		t.Fatalf("unexpected health reply %+v", reply)
	}
}

func TestCommandsDrivePhase(t *testing.T) {
	a := New(Options{Instance: "blpn0/0"})
	h := (&Server{Agent: a}).Handler()

	steps := []struct {
		cmd  api.Command
		want Phase
	}{
		{api.CmdSubscribe, PhaseSubscribed},
		{api.CmdStartRecording, PhaseRecording},
		{api.CmdStopRecording, PhaseSubscribed},
		{api.CmdUnsubscribe, PhaseIdle},
	}
	for _, s := range steps {
		code, reply := postCommand(t, h, api.CommandRequest{Instance: "blpn0/0", Command: s.cmd, Params: api.Params{"multicast_groups": []string{"239.1.0.1"}}}, "")
		if code != 200 || !reply.OK {
			t.Fatalf("%s: status %d reply %+v", s.cmd, code, reply)
		}
		if a.Phase() != s.want {
			t.Fatalf("%s: phase %s, want %s", s.cmd, a.Phase(), s.want)
		}
	}
}

func TestRejectsForeignInstanceAndUnknownCommand(t *testing.T) {
	a := New(Options{Instance: "blpn0/0"})
	if r := a.Handle(context.Background(), api.CommandRequest{Instance: "blpn0/1", Command: api.CmdSubscribe}); r.OK {
		t.Fatal("accepted a command for another instance")
	}
	if r := a.Handle(context.Background(), api.CommandRequest{Command: "reboot"}); r.OK {
		t.Fatal("accepted an unknown command")
	}
}

func TestHookEnvironmentAndFailure(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env.txt")
	a := New(Options{
		Instance: "blpn1/2",
		Hooks: map[api.Command]string{
			api.CmdSubscribe:      `echo "$COMMENSAL_INSTANCE $COMMENSAL_COMMAND $COMMENSAL_PARAMS" > ` + out,
			api.CmdStartRecording: `echo disk full >&2; exit 3`,
		},
	})
	r := a.Handle(context.Background(), api.CommandRequest{Command: api.CmdSubscribe, Params: api.Params{"n": 1}})
	if !r.OK {
		t.Fatalf("subscribe failed: %s", r.Message)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read hook output: %v", err)
	}
	if got := strings.TrimSpace(string(b)); got != `blpn1/2 subscribe {"n":1}` {
		t.Fatalf("unexpected hook env %q", got)
	}

	r = a.Handle(context.Background(), api.CommandRequest{Command: api.CmdStartRecording})
	if r.OK || !strings.Contains(r.Message, "disk full") {
		t.Fatalf("expected failed reply with hook output, got %+v", r)
	}
	if a.Phase() != PhaseSubscribed {
		t.Fatalf("failed hook must not change phase, got %s", a.Phase())
	}
}

func TestStartProcessingReportsReturnCode(t *testing.T) {
	pub := make(chanPublisher, 1)
	a := New(Options{
		Instance:  "blpn0/0",
		Hooks:     map[api.Command]string{api.CmdStartProcessing: "exit 2"},
		Publisher: pub,
	})
	r := a.Handle(context.Background(), api.CommandRequest{Command: api.CmdStartProcessing, Params: api.Params{"subarray": "array_1"}})
	if !r.OK {
		t.Fatalf("start_processing failed: %s", r.Message)
	}
	select {
	case ev := <-pub:
		if ev.Type != api.EventProcessingDone || ev.Subarray != "array_1" || ev.Payload["instance"] != "blpn0/0" || ev.Payload["return_code"] != 2 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("processing_done not published")
	}
	a.Wait()
	if a.Phase() != PhaseSubscribed {
		t.Fatalf("phase %s after processing", a.Phase())
	}
}

func TestStopProcessingCancelsHook(t *testing.T) {
	pub := make(chanPublisher, 1)
	a := New(Options{
		Instance:  "blpn0/0",
		Hooks:     map[api.Command]string{api.CmdStartProcessing: "sleep 30"},
		Publisher: pub,
	})
	a.Handle(context.Background(), api.CommandRequest{Command: api.CmdStartProcessing})
	if a.Phase() != PhaseProcessing {
		t.Fatalf("phase %s", a.Phase())
	}
	if r := a.Handle(context.Background(), api.CommandRequest{Command: api.CmdStopProcessing}); !r.OK {
		t.Fatalf("stop_processing failed: %s", r.Message)
	}
	select {
	case <-pub:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled hook did not report")
	}
	a.Wait()
}

func TestTokenAuth(t *testing.T) {
	h := (&Server{Agent: New(Options{Instance: "blpn0/0"}), Token: "s3cret"}).Handler()
	if code, _ := postCommand(t, h, api.CommandRequest{Command: api.CmdHealth}, ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	if code, r := postCommand(t, h, api.CommandRequest{Command: api.CmdHealth}, "s3cret"); code != 200 || !r.OK {
		t.Fatalf("expected authorized health, got %d", code)
	}
}

func TestServeNATS(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)
	a := New(Options{Instance: "blpn3/1"})
	sub, err := a.ServeNATS(nc, "")
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer sub.Unsubscribe()

	c := node.NewClient(node.NewNATSTransport(nc, ""), node.Options{Timeout: 2 * time.Second})
	if _, err := c.Send(context.Background(), "blpn3/1", api.CmdSubscribe, nil, 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	if a.Phase() != PhaseSubscribed {
		t.Fatalf("phase %s", a.Phase())
	}
}
