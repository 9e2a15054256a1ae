package api

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// v0 wire types shared by the coordinator, node agents and the CLI.

// InstanceID names one processing-node worker unit as "<node>/<slot>".
type InstanceID string

// ParseInstanceID validates the "<node>/<slot>" form.
func ParseInstanceID(s string) (InstanceID, error) {
	i := strings.IndexByte(s, '/')
	if i <= 0 || i == len(s)-1 || strings.Count(s, "/") != 1 {
		return "", fmt.Errorf("invalid instance id %q: want <node>/<slot>", s)
	}
	if _, err := strconv.Atoi(s[i+1:]); err != nil {
		return "", fmt.Errorf("invalid instance id %q: slot must be numeric", s)
	}
	if strings.ContainsAny(s[:i], " .*>") {
		return "", fmt.Errorf("invalid instance id %q: node contains reserved characters", s)
	}
	return InstanceID(s), nil
}

// Node returns the host part of the id.
func (id InstanceID) Node() string {
	s := string(id)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i]
	}
	return s
}

// Slot returns the numeric slot, or -1 when malformed.
func (id InstanceID) Slot() int {
	s := string(id)
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return -1
	}
	n, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return -1
	}
	return n
}

func (id InstanceID) String() string { return string(id) }

// Less orders ids by node (numeric suffix aware) and then slot.
func (id InstanceID) Less(other InstanceID) bool {
	an, bn := id.Node(), other.Node()
	if an != bn {
		ap, anum, aok := splitNumericSuffix(an)
		bp, bnum, bok := splitNumericSuffix(bn)
		if aok && bok && ap == bp {
			return anum < bnum
		}
		return an < bn
	}
	return id.Slot() < other.Slot()
}

func splitNumericSuffix(s string) (string, int, bool) {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if i == len(s) {
		return s, 0, false
	}
	n, err := strconv.Atoi(s[i:])
	if err != nil {
		return s, 0, false
	}
	return s[:i], n, true
}

// SortInstances sorts ids in place and returns them.
func SortInstances(ids []InstanceID) []InstanceID {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// EventType enumerates notification channel events.
type EventType string

const (
	EventConfigure        EventType = "configure"
	EventDeconfigure      EventType = "deconfigure"
	EventStartObservation EventType = "start_observation"
	EventStopObservation  EventType = "stop_observation"
	EventProcessingDone   EventType = "processing_done"
	EventHealthUpdate     EventType = "instance_health_update"
	// EventRecordingTimeout is raised by the coordinator's own timers.
	EventRecordingTimeout EventType = "recording_timeout"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventConfigure, EventDeconfigure, EventStartObservation, EventStopObservation,
		EventProcessingDone, EventHealthUpdate, EventRecordingTimeout:
		return true
	}
	return false
}

// TouchesFree reports whether handling the event may move instances in or
// out of the global free pool.
func (t EventType) TouchesFree() bool {
	return t == EventConfigure || t == EventDeconfigure || t == EventHealthUpdate
}

// Params is a free-form JSON object.
type Params map[string]any

// Event is one message from the notification channel.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Subarray  string    `json:"subarray"`
	Payload   Params    `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConfigurePayload is the payload of a configure event.
type ConfigurePayload struct {
	N               int      `json:"n"`
	MulticastGroups []string `json:"multicast_groups,omitempty"`
}

// StopObservationPayload is the payload of a stop_observation event.
type StopObservationPayload struct {
	PrimaryTime bool `json:"primary_time"`
}

// ProcessingDonePayload is the payload of a processing_done event. An empty
// Instance completes the whole processing pool.
type ProcessingDonePayload struct {
	Instance   InstanceID `json:"instance,omitempty"`
	ReturnCode int        `json:"return_code"`
}

// HealthUpdatePayload is the payload of an instance_health_update event.
type HealthUpdatePayload struct {
	Instance InstanceID `json:"instance"`
	Healthy  bool       `json:"healthy"`
}

// Decode converts the event payload into out.
func (e Event) Decode(out any) error {
	if e.Payload == nil {
		return nil
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return &ConfigurationError{Subarray: e.Subarray, Reason: fmt.Sprintf("encode %s payload: %v", e.Type, err)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ConfigurationError{Subarray: e.Subarray, Reason: fmt.Sprintf("malformed %s payload: %v", e.Type, err)}
	}
	return nil
}

// Command enumerates node agent commands.
type Command string

const (
	CmdSubscribe       Command = "subscribe"
	CmdUnsubscribe     Command = "unsubscribe"
	CmdStartRecording  Command = "start_recording"
	CmdStopRecording   Command = "stop_recording"
	CmdStartProcessing Command = "start_processing"
	CmdStopProcessing  Command = "stop_processing"
	CmdHealth          Command = "health"
)

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	switch c {
	case CmdSubscribe, CmdUnsubscribe, CmdStartRecording, CmdStopRecording,
		CmdStartProcessing, CmdStopProcessing, CmdHealth:
		return true
	}
	return false
}

// CommandRequest is sent from the coordinator to a node agent.
type CommandRequest struct {
	Instance InstanceID `json:"instance"`
	Command  Command    `json:"command"`
	Params   Params     `json:"params,omitempty"`
}

// CommandReply is the node agent's answer.
type CommandReply struct {
	Instance InstanceID `json:"instance"`
	Command  Command    `json:"command"`
	OK       bool       `json:"ok"`
	Message  string     `json:"message,omitempty"`
	Payload  Params     `json:"payload,omitempty"`
}

// Alert is an operator notification.
type Alert struct {
	Source   string    `json:"source"`
	Subarray string    `json:"subarray,omitempty"`
	Level    string    `json:"level"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}
