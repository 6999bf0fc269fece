package discovery

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startAnnouncer(t *testing.T, port int, name string) *Announcer {
	t.Helper()
	a := NewAnnouncer("127.0.0.1:0", port, name)
	require.NoError(t, a.Start())
	t.Cleanup(a.Stop)
	return a
}

func TestDiscover_FindsAnnouncer(t *testing.T) {
	a := startAnnouncer(t, 50051, "Front desk")

	servers, err := Discover(context.Background(), a.Addr().String(), time.Second)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, Server{IP: "127.0.0.1", Port: 50051, Name: "Front desk"}, servers[0])
	assert.Equal(t, "127.0.0.1:50051", servers[0].Address())
}

func TestAnnouncer_IgnoresForeignTraffic(t *testing.T) {
	a := startAnnouncer(t, 50051, "")

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	foreign, _ := json.Marshal(message{Magic: "SOMETHING_ELSE", Type: typeRequest})
	for _, payload := range [][]byte{[]byte("not json"), foreign} {
		_, err := conn.WriteTo(payload, a.Addr())
		require.NoError(t, err)
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err = conn.ReadFrom(make([]byte, maxDatagram))
	assert.Error(t, err, "no response expected")

	// The announcer is still serving.
	servers, err := Discover(context.Background(), a.Addr().String(), time.Second)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "LibLocker Server", servers[0].Name)
}

func TestDiscover_NoAnswer(t *testing.T) {
	silent, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	start := time.Now()
	servers, err := Discover(context.Background(), silent.LocalAddr().String(), 200*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, servers)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestDiscover_ContextCancel(t *testing.T) {
	silent, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = Discover(ctx, silent.LocalAddr().String(), 10*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestAnnouncer_StartTwice(t *testing.T) {
	a := startAnnouncer(t, 1, "x")
	assert.Error(t, a.Start())
	a.Stop()
	a.Stop()
	assert.Nil(t, a.Addr())
}

func TestAwait_RetriesUntilAnnouncerAppears(t *testing.T) {
	reserved, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := reserved.LocalAddr().String()
	require.NoError(t, reserved.Close())

	go func() {
		time.Sleep(300 * time.Millisecond)
		a := NewAnnouncer(addr, 50051, "Late desk")
		if a.Start() == nil {
			t.Cleanup(a.Stop)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	servers, err := Await(ctx, addr, 100*time.Millisecond, backoff.NewConstantBackOff(50*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "Late desk", servers[0].Name)
}

func TestAwait_StopsWithContext(t *testing.T) {
	silent, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	start := time.Now()
	servers, err := Await(ctx, silent.LocalAddr().String(), 100*time.Millisecond, backoff.NewConstantBackOff(50*time.Millisecond))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, servers)
	assert.Less(t, time.Since(start), 5*time.Second)
}
