package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"modalityd/internal/dispatch"
	"modalityd/internal/interaction"
	"modalityd/internal/ipc"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 1000
)

// HandleMessage answers queries from the socket. Tracker state is read on
// the dispatch loop; journal queries go straight to the store.
func (d *Daemon) HandleMessage(ctx context.Context, peer *ipc.Peer, msg *ipc.Message) (*ipc.Message, error) {
	reqID := msg.Header.RequestID

	switch msg.Header.Type {
	case ipc.MsgStatusRequest:
		status, err := d.status(ctx)
		if err != nil {
			return d.loopError(reqID, err), nil
		}
		return ipc.NewResponse(ipc.MsgStatusResponse, reqID, status)

	case ipc.MsgLastInteraction:
		resp, err := d.lastInteraction(ctx)
		if err != nil {
			return d.loopError(reqID, err), nil
		}
		return ipc.NewResponse(ipc.MsgLastInteractionResp, reqID, resp)

	case ipc.MsgUserInvoked:
		var req ipc.UserInvokedRequest
		if err := ipc.Decode(msg.Payload, &req); err != nil {
			return ipc.NewErrorMessage(reqID, ipc.ErrInvalidRequest, fmt.Sprintf("decode request: %v", err)), nil
		}
		if err := req.Validate(); err != nil {
			return ipc.NewErrorMessage(reqID, ipc.ErrInvalidRequest, err.Error()), nil
		}
		resp, err := d.userInvoked(ctx, req)
		if err != nil {
			return d.loopError(reqID, err), nil
		}
		return ipc.NewResponse(ipc.MsgUserInvokedResp, reqID, resp)

	case ipc.MsgHistory:
		if d.journal == nil {
			return ipc.NewErrorMessage(reqID, ipc.ErrUnavailable, "journal is disabled"), nil
		}
		var req ipc.HistoryRequest
		if err := ipc.Decode(msg.Payload, &req); err != nil {
			return ipc.NewErrorMessage(reqID, ipc.ErrInvalidRequest, fmt.Sprintf("decode request: %v", err)), nil
		}
		resp, err := d.history(req.Limit)
		if err != nil {
			return nil, err
		}
		return ipc.NewResponse(ipc.MsgHistoryResp, reqID, resp)

	case ipc.MsgMetrics:
		return ipc.NewResponse(ipc.MsgMetricsResp, reqID, &ipc.MetricsResponse{
			Metrics: d.metrics.Snapshot(),
		})
	}

	return ipc.NewErrorMessage(reqID, ipc.ErrInvalidRequest,
		fmt.Sprintf("unsupported message type: %s", msg.Header.Type)), nil
}

func (d *Daemon) loopError(reqID uint32, err error) *ipc.Message {
	if errors.Is(err, dispatch.ErrClosed) {
		return ipc.NewErrorMessage(reqID, ipc.ErrUnavailable, "tracker is shutting down")
	}
	return ipc.NewErrorMessage(reqID, ipc.ErrInternalError, err.Error())
}

func (d *Daemon) status(ctx context.Context) (*ipc.StatusResponse, error) {
	status := &ipc.StatusResponse{
		Version:         d.version,
		StartedAt:       d.startedAt,
		UptimeMs:        time.Since(d.startedAt).Milliseconds(),
		Tracking:        d.tracking.Load(),
		DefaultDelayMs:  d.delay.Milliseconds(),
		EventsDelivered: d.loop.Delivered(),
		Features: ipc.FeatureStatus{
			Touch:               d.features.Touch,
			PointerEvents:       d.features.PointerEvents,
			LegacyPointerEvents: d.features.LegacyPointerEvents,
		},
		Journal: ipc.JournalStatus{Type: d.cfg.Storage.Type},
	}

	err := d.loop.Do(ctx, func() {
		status.Buffering = d.tracker.Buffering()
		status.BufferWindowMs = d.tracker.BufferWindow().Milliseconds()
		status.Subscribed = d.tracker.Subscribed()
	})
	if err != nil {
		return nil, err
	}

	d.health.Check(ctx)
	status.Health = string(d.health.OverallStatus())
	status.Components = d.health.Summary()

	if d.evdev != nil {
		for _, dev := range d.evdev.Devices() {
			status.Devices = append(status.Devices, ipc.DeviceInfo{
				Path: dev.Path,
				Name: dev.Name,
				Kind: dev.Kind.String(),
			})
		}
	}

	if d.journal != nil {
		status.SessionID = d.journal.SessionID()
		status.Journal.Enabled = true
		status.Journal.Pending = d.journal.Pending()
		if v, err := d.journal.Store().SchemaVersion(); err == nil {
			status.Journal.SchemaVersion = v
		}
	}
	return status, nil
}

func (d *Daemon) lastInteraction(ctx context.Context) (*ipc.LastInteractionResponse, error) {
	var (
		last      interaction.Interaction
		known     bool
		buffering bool
	)
	err := d.loop.Do(ctx, func() {
		last, known = d.tracker.LastInteraction()
		buffering = d.tracker.Buffering()
	})
	if err != nil {
		return nil, err
	}

	resp := &ipc.LastInteractionResponse{Known: known, Buffering: buffering}
	if known {
		resp.Type = string(last.Type)
		resp.Timestamp = last.Time
		resp.AgeMs = time.Since(last.Time).Milliseconds()
	}
	return resp, nil
}

func (d *Daemon) userInvoked(ctx context.Context, req ipc.UserInvokedRequest) (*ipc.UserInvokedResponse, error) {
	delay := d.delay
	if req.DelayMs != nil {
		delay = time.Duration(*req.DelayMs) * time.Millisecond
	}

	resp := &ipc.UserInvokedResponse{DelayMs: delay.Milliseconds()}
	err := d.loop.Do(ctx, func() {
		resp.UserInvoked = d.tracker.IsUserInvokedWithin(delay)
		if typ, ok := d.tracker.LastInteractionType(); ok {
			resp.Type = string(typ)
		}
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (d *Daemon) history(limit int) (*ipc.HistoryResponse, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	s := d.journal.Store()
	recent, err := s.RecentInteractions(limit)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	counts, err := s.CountsByType(d.journal.SessionID())
	if err != nil {
		return nil, fmt.Errorf("count interactions: %w", err)
	}

	resp := &ipc.HistoryResponse{
		Interactions: make([]ipc.InteractionRecord, 0, len(recent)),
		Counts:       make(map[string]int64, len(counts)),
	}
	for _, rec := range recent {
		resp.Interactions = append(resp.Interactions, ipc.InteractionRecord{
			SessionID: rec.SessionID,
			Type:      rec.Type,
			EventName: rec.EventName,
			Timestamp: rec.Time(),
		})
	}
	for _, c := range counts {
		resp.Counts[c.Type] = c.Count
	}
	return resp, nil
}
