package api

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInstanceID(t *testing.T) {
	id, err := ParseInstanceID("blpn3/1")
	require.NoError(t, err)
	assert.Equal(t, "blpn3", id.Node())
	assert.Equal(t, 1, id.Slot())

	for _, bad := range []string{"", "blpn3", "/1", "blpn3/", "a/b/c", "blpn3/x", "bl.pn/0"} {
		_, err := ParseInstanceID(bad)
		assert.Error(t, err, bad)
	}
}

func TestSortInstancesNaturalOrder(t *testing.T) {
	ids := []InstanceID{"blpn10/0", "blpn2/1", "blpn2/0", "blpn1/1", "blpn1/0"}
	SortInstances(ids)
	assert.Equal(t, []InstanceID{"blpn1/0", "blpn1/1", "blpn2/0", "blpn2/1", "blpn10/0"}, ids)
}

func TestEventDecode(t *testing.T) {
	ev := Event{Type: EventConfigure, Subarray: "array_1", Payload: Params{"n": 2, "multicast_groups": []string{"239.0.0.1"}}}
	var p ConfigurePayload
	require.NoError(t, ev.Decode(&p))
	assert.Equal(t, 2, p.N)
	assert.Equal(t, []string{"239.0.0.1"}, p.MulticastGroups)

	ev.Payload = Params{"n": "two"}
	err := ev.Decode(&p)
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "array_1", cfgErr.Subarray)
}

func TestEventTypeTouchesFree(t *testing.T) {
	assert.True(t, EventConfigure.TouchesFree())
	assert.True(t, EventHealthUpdate.TouchesFree())
	assert.False(t, EventStartObservation.TouchesFree())
	assert.False(t, EventType("bogus").Valid())
}
