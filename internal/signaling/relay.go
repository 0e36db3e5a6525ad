package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/netplay-relay/internal/room"
)

// ErrMissingTarget rejects a webrtc-signal that names no target and is not
// a renegotiation request.
var ErrMissingTarget = errors.New("signaling: target missing unless requesting renegotiation")

// relaySignal forwards negotiation payloads to a single connection. Delivery
// is best effort: a target that is gone is not an error.
func (s *Server) relaySignal(from *Conn, raw json.RawMessage) error {
	var in signalIn
	if hasPayload(raw) {
		if err := json.Unmarshal(raw, &in); err != nil {
			s.metrics.Inc(metrics.MalformedMessage)
			return fmt.Errorf("decode webrtc-signal: %w", err)
		}
	}
	if in.Target == "" && !in.RequestRenegotiate {
		s.metrics.Inc(metrics.SignalMissingTarget)
		return ErrMissingTarget
	}

	out := signalOut{Sender: from.id}
	if in.RequestRenegotiate {
		out.RequestRenegotiate = true
	} else {
		out.Candidate = in.Candidate
		out.Offer = in.Offer
		out.Answer = in.Answer

		if hasPayload(in.Offer) {
			if b, ok := from.binding(); ok {
				s.rooms.RecordPeerLink(b.SessionID, room.PeerLink{Source: from.id, Target: in.Target})
			}
		}
	}

	target := s.hub.get(in.Target)
	if target == nil {
		s.metrics.Inc(metrics.SignalTargetGone)
		from.log.Debug("webrtc signal target gone", "target", in.Target)
		return nil
	}

	frame, err := encodeEvent(EventWebRTCSignal, out)
	if err != nil {
		return err
	}
	if target.enqueue(frame) {
		s.metrics.Inc(metrics.SignalRelayed)
	}
	return nil
}

// broadcast forwards an application message verbatim to every other member
// of the sender's room. Unbound senders are ignored.
func (s *Server) broadcast(from *Conn, event string, data json.RawMessage) {
	b, ok := from.binding()
	if !ok {
		s.metrics.Inc(metrics.BroadcastUnbound)
		return
	}
	recipients := s.rooms.Recipients(b.SessionID, from.id)
	if len(recipients) == 0 {
		return
	}

	frame, err := encodeEvent(event, data)
	if err != nil {
		from.log.Debug("encode broadcast", "event", event, "err", err)
		return
	}
	for _, id := range recipients {
		if target := s.hub.get(id); target != nil && target.enqueue(frame) {
			s.metrics.Inc(metrics.BroadcastRelayed)
		}
	}
}
