package session

import (
	"context"
	"time"

	"github.com/nbtk/momonga/sk"
)

// join issues SKJOIN against addr and waits for EVENT 25 (success) or
// EVENT 24 (rejected) within the configured join timeout. Used both for
// the initial join in Open and, by monitor, for the rejoin triggered by
// EVENT 29.
func (s *Session) join(ctx context.Context, addr string) error {
	ch, unsub := s.conn.Subscribe("EVENT 2")
	defer unsub()

	if err := s.doExpectOK(ctx, "SKJOIN "+addr); err != nil {
		return wrapNeedToReopen("session: SKJOIN", err)
	}

	deadline := time.NewTimer(s.cfg.JoinTimeout)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return ErrNeedToReopen
			}
			num, ok := eventNumber(ev.Line)
			if !ok {
				continue
			}
			switch num {
			case eventPANAAuthSuccess:
				return nil
			case eventPANAAuthReject:
				return ErrJoinFailure
			}
		case <-deadline.C:
			return ErrJoinFailure
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// monitor is the transmission-gate monitor. It runs for the lifetime
// of a joined session, reacting to EVENT 24/25/26/29/32/33. The module
// emits EVENT 25 both for the initial join and for re-auth completion;
// disambiguation is by current session state, not by the event
// payload.
func (s *Session) monitor(ctx context.Context, ch, ch3 <-chan sk.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, ev)
		case ev, ok := <-ch3:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev sk.Event) {
	num, ok := eventNumber(ev.Line)
	if !ok {
		return
	}
	switch num {
	case eventPANAAuthSuccess:
		switch s.State() {
		case StateJoined:
			s.logger.Warnf("re-authentication started, closing transmission gate")
			s.setState(StateRejoining)
			s.gate.close()
		case StateRejoining:
			s.logger.Infof("re-authentication succeeded, opening transmission gate")
			s.setState(StateJoined)
			s.gate.open()
		}
	case eventPANAAuthReject:
		s.logger.Errorf("PANA authentication rejected, session latched to failed")
		s.setState(StateFailed)
		s.gate.shutdown()
	case eventPANASessionExp:
		s.logger.Warnf("PANA session expiration notice received, opening transmission gate")
		s.gate.open()
	case eventPANALifetimeEnd:
		s.logger.Warnf("PANA session lifetime expired, rejoining")
		s.setState(StateRejoining)
		s.gate.close()
		addr := s.NeighborAddr()
		if err := s.doExpectOK(ctx, "SKJOIN "+addr); err != nil {
			s.logger.Errorf("rejoin SKJOIN failed: %v", err)
			s.setState(StateFailed)
			s.gate.shutdown()
		}
	case eventTxRestricted:
		s.logger.Warnf("transmission restriction entered")
		s.gate.close()
	case eventTxRestrictLift:
		s.logger.Infof("transmission restriction lifted")
		s.gate.open()
	}
}
