package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"keylock/internal/chord"
	"keylock/internal/coordinator"
	"keylock/internal/history"
	"keylock/internal/input"
)

// Controller is the part of the coordinator the handler drives.
type Controller interface {
	Status() coordinator.Snapshot
	Lock(path string) error
	Unlock() error
	Select(path string) error
	SetUnlockChar(s string) chord.Chord
	SetDevices(devices []input.DeviceInfo)
	Subscribe(l coordinator.Listener) (unsubscribe func())
}

// Scanner rescans devices on demand.
type Scanner interface {
	Scan() []input.DeviceInfo
}

// HistoryReader lists recorded sessions.
type HistoryReader interface {
	Recent(ctx context.Context, n int) ([]history.Record, error)
}

// DaemonHandlerConfig configures the daemon handler
type DaemonHandlerConfig struct {
	Controller Controller
	Scanner    Scanner       // optional
	History    HistoryReader // optional
	Version    string
	Logger     *slog.Logger
}

// DaemonHandler serves client requests against the coordinator.
type DaemonHandler struct {
	ctrl      Controller
	scanner   Scanner
	history   HistoryReader
	version   string
	startedAt time.Time
	log       *slog.Logger
}

// NewDaemonHandler creates a new daemon handler
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &DaemonHandler{
		ctrl:      cfg.Controller,
		scanner:   cfg.Scanner,
		history:   cfg.History,
		version:   cfg.Version,
		startedAt: time.Now(),
		log:       log.With("component", "ipc-handler"),
	}
}

// Forward subscribes to the coordinator and broadcasts every event
// through s. The returned function stops forwarding.
func (h *DaemonHandler) Forward(s *Server) (stop func()) {
	return h.ctrl.Subscribe(func(ev coordinator.Event) {
		s.Broadcast(EventFrom(ev))
	})
}

// HandleMessage processes an IPC message
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	id := msg.Header.RequestID
	h.log.Debug("request", "client", client.ID, "type", msg.Header.Type.String())

	switch msg.Header.Type {
	case MsgStatusRequest:
		return NewResponse(MsgStatusResponse, id, &StatusResponse{
			State:     h.ctrl.Status(),
			Version:   h.version,
			StartedAt: h.startedAt,
		})

	case MsgLock:
		var req LockRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return invalid(id, "lock", err), nil
		}
		if err := h.ctrl.Lock(strings.TrimSpace(req.Device)); err != nil {
			return errorMessageFor(id, err), nil
		}
		h.log.Info("lock requested", "client", client.ID, "device", req.Device)
		return NewResponse(MsgLockResp, id, &StateResponse{State: h.ctrl.Status()})

	case MsgUnlock:
		if err := h.ctrl.Unlock(); err != nil {
			return errorMessageFor(id, err), nil
		}
		h.log.Info("unlock requested", "client", client.ID)
		return NewResponse(MsgUnlockResp, id, &StateResponse{State: h.ctrl.Status()})

	case MsgSelect:
		var req SelectRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return invalid(id, "select", err), nil
		}
		if err := h.ctrl.Select(req.Device); err != nil {
			return errorMessageFor(id, err), nil
		}
		return NewResponse(MsgSelectResp, id, &StateResponse{State: h.ctrl.Status()})

	case MsgSetUnlockKey:
		var req SetUnlockKeyRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return invalid(id, "set unlock key", err), nil
		}
		c := h.ctrl.SetUnlockChar(req.Key)
		first, _ := utf8.DecodeRuneInString(strings.TrimSpace(req.Key))
		return NewResponse(MsgSetUnlockKeyResp, id, &SetUnlockKeyResponse{
			Unlock:   c,
			Display:  c.String(),
			Fallback: unicode.ToUpper(first) != c.Letter,
		})

	case MsgListDevices:
		snap := h.ctrl.Status()
		return NewResponse(MsgListDevicesResp, id, &DevicesResponse{
			Devices:  snap.Devices,
			Selected: snap.Selected,
		})

	case MsgRescan:
		if h.scanner == nil {
			return errorMessageFor(id, fmt.Errorf("rescan: %w", ErrUnavailable)), nil
		}
		h.ctrl.SetDevices(h.scanner.Scan())
		snap := h.ctrl.Status()
		return NewResponse(MsgRescanResp, id, &DevicesResponse{
			Devices:  snap.Devices,
			Selected: snap.Selected,
		})

	case MsgGetHistory:
		if h.history == nil {
			return errorMessageFor(id, fmt.Errorf("session history is disabled: %w", ErrUnavailable)), nil
		}
		var req HistoryRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return invalid(id, "history", err), nil
		}
		recs, err := h.history.Recent(ctx, req.Limit)
		if err != nil {
			return nil, err
		}
		if recs == nil {
			recs = []history.Record{}
		}
		return NewResponse(MsgGetHistoryResp, id, &HistoryResponse{Sessions: recs})
	}

	return NewErrorMessage(id, CodeInvalidRequest, fmt.Sprintf("unknown message type %s", msg.Header.Type)), nil
}

func invalid(id uint32, what string, err error) *Message {
	return NewErrorMessage(id, CodeInvalidRequest, fmt.Sprintf("invalid %s request: %v", what, err))
}

// compile-time check
var _ Handler = (*DaemonHandler)(nil)
