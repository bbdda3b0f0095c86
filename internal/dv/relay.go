package dv

import (
	"fmt"
	"time"

	"dvnet/internal/debuglog"
	"dvnet/internal/metrics"
	"dvnet/internal/peer"
	"dvnet/internal/proto"
)

// _handleData relays or delivers one DV_DATA message handed to us by the
// direct neighbor from. The embedded payload is never modified.
func (s *Service) _handleData(from peer.ID, raw []byte) {
	msg, err := proto.DecodeData(raw)
	if err != nil {
		s._drop(from, metrics.DropMalformed, err)
		return
	}
	if !s.table.IsDirect(from) {
		s._drop(from, metrics.DropUnknownSender, nil)
		return
	}
	origin, ok := s.table.Origin(from, msg.Sender)
	if !ok {
		s._drop(from, metrics.DropUnknownOrigin, nil)
		return
	}
	if msg.Recipient == 0 {
		if proto.IsDVType(msg.PayloadType()) {
			s._drop(from, metrics.DropRecursive, fmt.Errorf("%w: %s", ErrRecursive, proto.TypeName(msg.PayloadType())))
			return
		}
		payload := make([]byte, len(msg.Payload))
		copy(payload, msg.Payload)
		s.metrics.IncDelivered()
		if s.sink != nil {
			s.sink.Deliver(origin.Peer, origin.Cost, payload)
		}
		return
	}
	dest, ok := s.table.FindByShortID(msg.Recipient)
	if !ok {
		s._drop(from, metrics.DropUnknownDestination, nil)
		return
	}
	if dest.Peer == from {
		s.metrics.IncLoopDetected()
		debuglog.RateLimitedf("dv-loop:"+from.String(), 10*time.Second, "dv loop: destination %s is the sending hop", dest.Peer.Short())
		return
	}
	out, err := proto.EncodeData(proto.DataMsg{
		Sender:    s.table.advertisedID(origin, dest.Referrer),
		Recipient: dest.ReferrerID,
		Payload:   msg.Payload,
	})
	if err != nil {
		s._drop(from, metrics.DropMalformed, err)
		return
	}
	if !s.core.Send(dest.Referrer, s.cfg.DataPriority, out, s.cfg.DataMaxDelay) {
		s.metrics.IncForwardRefused()
		return
	}
	s.metrics.IncForwarded()
}

// _send wraps a local client's payload and hands it to the first hop of
// the cheapest route to dest.
func (s *Service) _send(dest peer.ID, payload []byte) error {
	h, err := proto.ParseHeader(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if int(h.Size) != len(payload) {
		return fmt.Errorf("%w: declared %d bytes, have %d", ErrBadPayload, h.Size, len(payload))
	}
	if proto.IsDVType(h.Type) {
		return ErrRecursive
	}
	if len(payload) > proto.MaxMessageSize-proto.DataHeaderSize {
		return ErrTooLarge
	}
	if dest == s.self {
		if s.sink != nil {
			s.sink.Deliver(s.self, 0, append([]byte(nil), payload...))
		}
		s.metrics.IncDelivered()
		return nil
	}
	best, ok := s.table.Best(dest)
	if !ok {
		return ErrNoRoute
	}
	out, err := proto.EncodeData(proto.DataMsg{Sender: 0, Recipient: best.ReferrerID, Payload: payload})
	if err != nil {
		return err
	}
	if !s.core.Send(best.Referrer, s.cfg.DataPriority, out, s.cfg.DataMaxDelay) {
		return ErrSendRefused
	}
	s.metrics.IncClientSent()
	return nil
}
