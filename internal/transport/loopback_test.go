package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/crossdevice/internal/ports"
	"github.com/roach88/crossdevice/internal/syncerr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSend_AcksAndRecords(t *testing.T) {
	l := NewLoopback(WithLogger(zaptest.NewLogger(t)))
	var got []ports.PayloadKind
	l.Attach("tablet", func(_ context.Context, p ports.Payload) error {
		got = append(got, p.Kind)
		return nil
	})

	ack, err := l.Send(context.Background(), "tablet", ports.Payload{Kind: ports.PayloadStateChange})
	require.NoError(t, err)
	assert.Equal(t, "tablet", ack.DeviceID)
	assert.Equal(t, []ports.PayloadKind{ports.PayloadStateChange}, got)

	deliveries := l.Deliveries()
	require.Len(t, deliveries, 1)
	assert.True(t, deliveries[0].Acked)
}

func TestSend_UnknownDevice(t *testing.T) {
	l := NewLoopback()
	_, err := l.Send(context.Background(), "ghost", ports.Payload{})
	assert.True(t, syncerr.IsNotFound(err))
}

func TestSend_DownAndReceiverFailure(t *testing.T) {
	l := NewLoopback()
	l.Attach("tablet", nil)
	l.Attach("desktop", func(context.Context, ports.Payload) error { return errors.New("checksum mismatch") })
	l.SetDown("tablet", true)

	_, err := l.Send(context.Background(), "tablet", ports.Payload{})
	assert.ErrorIs(t, err, ErrUnreachable)

	_, err = l.Send(context.Background(), "desktop", ports.Payload{})
	assert.ErrorContains(t, err, "checksum mismatch")

	l.SetDown("tablet", false)
	_, err = l.Send(context.Background(), "tablet", ports.Payload{})
	assert.NoError(t, err)
}

func TestSend_LatencyHonoursDeadline(t *testing.T) {
	l := NewLoopback()
	l.Attach("desktop", nil)
	l.SetLatency("desktop", time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Send(ctx, "desktop", ports.Payload{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBroadcast_PartialAcks(t *testing.T) {
	l := NewLoopback()
	for _, id := range []string{"tablet", "desktop", "watch"} {
		l.Attach(id, nil)
	}
	l.SetDown("watch", true)

	acks, err := l.Broadcast(context.Background(), ports.Payload{Kind: ports.PayloadCrisisResolve})
	require.NoError(t, err)
	require.Len(t, acks, 2)
	assert.Equal(t, "desktop", acks[0].DeviceID)
	assert.Equal(t, "tablet", acks[1].DeviceID)
}

func TestBroadcast_AllFailed(t *testing.T) {
	l := NewLoopback()
	l.Attach("watch", nil)
	l.SetDown("watch", true)

	_, err := l.Broadcast(context.Background(), ports.Payload{Kind: ports.PayloadFullResync})
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestBroadcast_NoDevices(t *testing.T) {
	acks, err := NewLoopback().Broadcast(context.Background(), ports.Payload{})
	require.NoError(t, err)
	assert.Empty(t, acks)
}
