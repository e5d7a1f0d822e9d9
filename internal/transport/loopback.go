// Package transport provides in-process relay implementations of
// ports.Transport for simulation and tests.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/crossdevice/internal/ports"
	"github.com/roach88/crossdevice/internal/syncerr"
)

// ErrUnreachable is returned for endpoints marked down.
var ErrUnreachable = errors.New("device unreachable")

// Receiver handles a payload delivered to one device. A non-nil error
// means the device did not acknowledge.
type Receiver func(ctx context.Context, p ports.Payload) error

// Delivery is one payload observed by the relay.
type Delivery struct {
	DeviceID string
	Payload  ports.Payload
	Acked    bool
	Err      string
}

type endpoint struct {
	receiver Receiver
	latency  time.Duration
	down     bool
}

// Loopback routes payloads to in-process receivers with per-device
// latency and failure injection. Latency honours the caller's context,
// so a missed deadline surfaces as context.DeadlineExceeded.
type Loopback struct {
	mu         sync.Mutex
	endpoints  map[string]*endpoint
	deliveries []Delivery

	clock  ports.Clock
	logger *zap.Logger
}

// Option configures a Loopback.
type Option func(*Loopback)

// WithClock sets the ack timestamp source.
func WithClock(c ports.Clock) Option { return func(l *Loopback) { l.clock = c } }

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) Option { return func(l *Loopback) { l.logger = lg } }

// NewLoopback creates an empty relay.
func NewLoopback(opts ...Option) *Loopback {
	l := &Loopback{
		endpoints: make(map[string]*endpoint),
		clock:     ports.SystemClock{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	return l
}

// Attach connects a device. A nil receiver acknowledges everything.
func (l *Loopback) Attach(deviceID string, r Receiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ep, ok := l.endpoints[deviceID]
	if !ok {
		ep = &endpoint{}
		l.endpoints[deviceID] = ep
	}
	ep.receiver = r
}

// Detach disconnects a device.
func (l *Loopback) Detach(deviceID string) {
	l.mu.Lock()
	delete(l.endpoints, deviceID)
	l.mu.Unlock()
}

// SetLatency delays every delivery to deviceID.
func (l *Loopback) SetLatency(deviceID string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ep, ok := l.endpoints[deviceID]; ok {
		ep.latency = d
	}
}

// SetDown makes deliveries to deviceID fail immediately.
func (l *Loopback) SetDown(deviceID string, down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ep, ok := l.endpoints[deviceID]; ok {
		ep.down = down
	}
}

// Send delivers p to one device.
func (l *Loopback) Send(ctx context.Context, deviceID string, p ports.Payload) (ports.Ack, error) {
	l.mu.Lock()
	ep, ok := l.endpoints[deviceID]
	var (
		receiver Receiver
		latency  time.Duration
		down     bool
	)
	if ok {
		receiver, latency, down = ep.receiver, ep.latency, ep.down
	}
	l.mu.Unlock()

	if !ok {
		return ports.Ack{}, l.record(deviceID, p, syncerr.NotFound("device", deviceID))
	}
	if down {
		return ports.Ack{}, l.record(deviceID, p, fmt.Errorf("send to %s: %w", deviceID, ErrUnreachable))
	}
	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ports.Ack{}, l.record(deviceID, p, fmt.Errorf("send to %s: %w", deviceID, ctx.Err()))
		}
	}
	if receiver != nil {
		if err := receiver(ctx, p); err != nil {
			return ports.Ack{}, l.record(deviceID, p, fmt.Errorf("send to %s: %w", deviceID, err))
		}
	}
	_ = l.record(deviceID, p, nil)
	return ports.Ack{DeviceID: deviceID, ReceivedAt: l.clock.Now()}, nil
}

// Broadcast delivers p to every attached device in parallel and returns
// the acknowledgements that arrived, sorted by device ID. It fails only
// when no device acknowledged.
func (l *Loopback) Broadcast(ctx context.Context, p ports.Payload) ([]ports.Ack, error) {
	ids := l.Attached()

	var (
		mu   sync.Mutex
		acks []ports.Ack
		errs []error
		g    errgroup.Group
	)
	for _, id := range ids {
		g.Go(func() error {
			ack, err := l.Send(ctx, id, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			acks = append(acks, ack)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(acks, func(i, j int) bool { return acks[i].DeviceID < acks[j].DeviceID })
	if len(acks) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("broadcast %s: %w", p.Kind, errors.Join(errs...))
	}
	return acks, nil
}

// Attached returns the attached device IDs in sorted order.
func (l *Loopback) Attached() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.endpoints))
	for id := range l.endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Deliveries returns every delivery attempt in arrival order.
func (l *Loopback) Deliveries() []Delivery {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Delivery(nil), l.deliveries...)
}

func (l *Loopback) record(deviceID string, p ports.Payload, err error) error {
	d := Delivery{DeviceID: deviceID, Payload: p, Acked: err == nil}
	if err != nil {
		d.Err = err.Error()
		l.logger.Debug("relay delivery failed",
			zap.String("device_id", deviceID),
			zap.String("kind", string(p.Kind)),
			zap.Error(err),
		)
	}
	l.mu.Lock()
	l.deliveries = append(l.deliveries, d)
	l.mu.Unlock()
	return err
}
