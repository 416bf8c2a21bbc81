package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/ephemeralrooms/ephemeralrooms/internal/identity"
	"github.com/ephemeralrooms/ephemeralrooms/internal/metrics"
	"github.com/ephemeralrooms/ephemeralrooms/internal/session"
	"github.com/ephemeralrooms/ephemeralrooms/internal/wire"
)

// HeartbeatMonitor periodically sweeps the registry for rooms whose host
// has gone silent past HeartbeatTimeout (spec.md §4.9), destroying them
// and notifying every remaining participant with ROOM_DESTROYED.
type HeartbeatMonitor struct {
	reg      *Registry
	metrics  *metrics.Metrics
	log      *slog.Logger
	interval time.Duration
	timeout  time.Duration

	destroyedFrame []byte

	onDestroy func(roomID identity.RoomID, reason session.DestroyReason)
}

// NewHeartbeatMonitor builds a monitor against reg, invoking onDestroy
// for every room it reaps. Every participant and host link still
// attached to a reaped room is sent a ROOM_DESTROYED envelope before
// being closed.
func NewHeartbeatMonitor(reg *Registry, m *metrics.Metrics, log *slog.Logger, onDestroy func(identity.RoomID, session.DestroyReason)) *HeartbeatMonitor {
	frame, err := wire.Encode(wire.Envelope{
		Type:   wire.TypeRoomDestroyed,
		Reason: string(session.ReasonHeartbeatTimeout),
	})
	if err != nil {
		// wire.Envelope marshals through encoding/json; a static literal
		// envelope with no unsupported field types cannot fail to encode.
		panic("relay: build heartbeat ROOM_DESTROYED frame: " + err.Error())
	}

	return &HeartbeatMonitor{
		reg:            reg,
		metrics:        m,
		log:            log,
		interval:       HeartbeatCheckInterval,
		timeout:        HeartbeatTimeout,
		destroyedFrame: frame,
		onDestroy:      onDestroy,
	}
}

// Run blocks sweeping the registry on a ticker until ctx is canceled
// (spec.md §4.9: "check interval 3s", "timeout 6s").
func (h *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.sweepOnce(now)
		}
	}
}

func (h *HeartbeatMonitor) sweepOnce(now time.Time) {
	stale := h.reg.ReapStale(now, h.timeout)
	for _, room := range stale {
		h.log.Info("room destroyed: heartbeat timeout", slog.String("room_id", room.RoomID.String()))
		for _, link := range room.Links {
			_ = link.Send(h.destroyedFrame)
			_ = link.Close()
		}
		if h.metrics != nil {
			h.metrics.RecordRoomDestroyed(string(session.ReasonHeartbeatTimeout))
		}
		if h.onDestroy != nil {
			h.onDestroy(room.RoomID, session.ReasonHeartbeatTimeout)
		}
	}
}
