package gateway

import (
	"context"
	"errors"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"iotgw/internal/dispatch"
	"iotgw/internal/envelope"
	"iotgw/internal/identity"
	"iotgw/internal/logs"
	"iotgw/internal/observe"
	"iotgw/internal/registry"
	"iotgw/internal/telemetry"
)

// session: протокольный автомат одного соединения.
// handle вызывается из одной горутины, в порядке получения кадров.
type session struct {
	g        *Gateway
	entry    *registry.Entry
	uuid     string
	deviceID string
	log      *logrus.Entry
}

func newSession(g *Gateway, entry *registry.Entry) *session {
	return &session{
		g:     g,
		entry: entry,
		uuid:  entry.UUID(),
		log:   logs.With("session").WithField("uuid", entry.UUID()),
	}
}

func (s *session) greet() {
	s.send(envelope.New(envelope.TypeEvent, envelope.ActionConnectionEstablished, envelope.Document{
		"uuid":        s.uuid,
		"server_time": envelope.Now(),
	}))
}

func (s *session) handle(raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Errorf("panic while handling frame: %v\n%s", rec, debug.Stack())
		}
	}()
	env, err := envelope.Decode(raw)
	if err != nil {
		observe.IncDecodeError()
		s.log.Warnf("decode: %v", err)
		reply := envelope.New(envelope.TypeError, envelope.ActionParseError, envelope.Document{})
		reply.Status = envelope.StatusFailure
		reply.Meta = envelope.Document{"error": "decode_error", "detail": err.Error()}
		s.send(reply)
		return
	}
	if s.entry.State() == registry.StateIdentified {
		s.entry.SetState(registry.StateActive)
	}

	switch env.Type {
	case envelope.TypeRequest:
		observe.IncInbound(string(env.Type))
		s.onRequest(env)
	case envelope.TypeReport:
		observe.IncInbound(string(env.Type))
		s.onReport(env)
	case envelope.TypeEvent:
		observe.IncInbound(string(env.Type))
		s.log.WithField("action", env.Action).Debug("device event")
	case envelope.TypeResponse:
		observe.IncInbound(string(env.Type))
		s.onResponse(env)
	case envelope.TypeError:
		observe.IncInbound(string(env.Type))
		s.log.WithFields(logrus.Fields{
			"action": env.Action,
			"status": env.Status,
			"meta":   env.Meta,
		}).Warn("device reported an error")
	default:
		observe.IncInbound("unknown")
		s.log.Debugf("unhandled envelope type %q", env.Type)
	}
}

// onRequest: выдать (или повторно выдать) device id и отправить конфиг.
func (s *session) onRequest(in *envelope.Envelope) {
	ctx, cancel := s.callCtx()
	defer cancel()

	deviceID, err := s.g.deps.Allocator.Assign(ctx, s.uuid)
	if err != nil {
		kind, result := "assignment_failed", "error"
		if errors.Is(err, identity.ErrPoolExhausted) {
			kind, result = "pool_exhausted", "exhausted"
		}
		observe.IncAssignment(result)
		s.log.Errorf("identity assignment: %v", err)

		action := in.Action
		if action == "" {
			action = envelope.ActionUnknown
		}
		reply := envelope.Reply(in, envelope.TypeError, action, envelope.StatusFailure, envelope.Document{})
		reply.Meta = envelope.Document{"error": kind, "detail": err.Error()}
		s.send(reply)
		return
	}
	observe.IncAssignment("ok")
	s.deviceID = deviceID
	s.log = s.log.WithField("device_id", deviceID)

	reply := envelope.Reply(in, envelope.TypeResponse, envelope.ActionConfigUpdate, envelope.StatusSuccess,
		s.g.deps.Allocator.ConfigurationFor(deviceID))
	if s.send(reply) && s.entry.State() == registry.StateConnected {
		s.entry.SetState(registry.StateIdentified)
	}
}

// onReport: сначала подтверждение, затем запись в приёмник; ошибки приёмника устройству не видны.
func (s *session) onReport(in *envelope.Envelope) {
	s.send(envelope.Reply(in, envelope.TypeResponse, envelope.ActionNone, envelope.StatusReceived, envelope.Document{}))

	deviceID := s.deviceID
	if deviceID == "" {
		deviceID, _ = in.Payload["device_id"].(string)
	}
	ctx, cancel := s.callCtx()
	defer cancel()
	err := s.g.deps.Sink.Record(ctx, telemetry.Report{
		DeviceID:   deviceID,
		DeviceUUID: s.uuid,
		MessageID:  in.ID,
		Action:     in.Action,
		Payload:    in.Payload,
		Timestamp:  in.Time(),
	})
	if err != nil {
		observe.IncSinkFailure()
		s.log.Warnf("telemetry write: %v", err)
	}
}

// onResponse применяет подтверждение команды, correlationId == id команды.
func (s *session) onResponse(in *envelope.Envelope) {
	if s.g.deps.Acker == nil {
		return
	}
	if in.CorrelationID == "" {
		s.log.Debug("response without correlationId ignored")
		return
	}
	ctx, cancel := s.callCtx()
	defer cancel()
	rec, err := s.g.deps.Acker.Acknowledge(ctx, in.CorrelationID, s.uuid, in.Status, in.Payload)
	switch {
	case errors.Is(err, dispatch.ErrCommandNotFound):
		s.log.Debugf("response for unknown command %s", in.CorrelationID)
	case errors.Is(err, dispatch.ErrNotTarget):
		s.log.Warnf("ignored response: %v", err)
	case err != nil:
		s.log.Warnf("acknowledge %s: %v", in.CorrelationID, err)
	default:
		s.log.Debugf("command %s is %s", rec.ID, rec.Status)
	}
}

// send пишет в сокет; после закрытия соединения запись не выполняется.
func (s *session) send(env *envelope.Envelope) bool {
	if err := s.entry.Send(env); err != nil {
		if errors.Is(err, registry.ErrClosed) {
			s.log.Debugf("drop %s %s: connection closed", env.Type, env.Action)
		} else {
			s.log.Warnf("write %s %s: %v", env.Type, env.Action, err)
		}
		return false
	}
	return true
}

func (s *session) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.g.opts.CallTimeout)
}
