package tests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/liblocker/liblocker/internal/agents"
	"github.com/liblocker/liblocker/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReconnectRace registers the same hardware id on two streams at once.
// The registry keeps one binding and the store keeps one agent row.
func TestReconnectRace(t *testing.T, env *Env) {
	const hardwareID = "H2"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	acks := make([]int64, 2)
	streams := make([]protocol.StreamClient, 2)
	var wg sync.WaitGroup
	for i := range streams {
		stream, err := protocol.NewCoordinatorClient(env.Conn).Stream(ctx)
		require.NoError(t, err)
		streams[i] = stream

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hello, err := protocol.NewEnvelope(protocol.KindRegister, protocol.Register{
				HardwareID: hardwareID,
				Name:       "pc-" + hardwareID,
			})
			if err != nil {
				return
			}
			if err := streams[i].Send(hello); err != nil {
				return
			}
			for {
				msg, err := streams[i].Recv()
				if err != nil {
					return
				}
				if msg.Kind != protocol.KindAck {
					continue
				}
				var ack protocol.Ack
				if msg.Decode(&ack) == nil {
					acks[i] = ack.AgentID
				}
				return
			}
		}(i)
	}
	wg.Wait()

	// The evicted stream may be cancelled before its ack goes out.
	var agentID int64
	for _, id := range acks {
		if id == 0 {
			continue
		}
		if agentID != 0 {
			assert.Equal(t, agentID, id)
		}
		agentID = id
	}
	require.NotZero(t, agentID)

	require.Eventually(t, func() bool {
		return env.Registry.Connected(agentID)
	}, 5*time.Second, 20*time.Millisecond)

	bindings := 0
	for _, id := range env.Registry.ConnectedAgentIDs() {
		if id == agentID {
			bindings++
		}
	}
	assert.Equal(t, 1, bindings)

	all, err := env.Store.ListAgents(ctx)
	require.NoError(t, err)
	rows := 0
	for _, a := range all {
		if a.HardwareID == hardwareID {
			rows++
			assert.Equal(t, agents.StatusOnline, a.Status)
		}
	}
	assert.Equal(t, 1, rows)
}
