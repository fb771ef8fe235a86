package session

import (
	"context"
	"fmt"
	"time"

	"github.com/nbtk/momonga/sk"
)

// scanPAN implements the scan escalation ladder of open() step 4: issue
// SKSCAN with an increasing duration parameter until a PAN descriptor is
// observed or the attempt cap (Config.ScanMaxAttempts) is exhausted.
// The exact ladder is implementation-tunable; this one starts at
// Config.ScanInitialDuration and increments by one per empty attempt.
func (s *Session) scanPAN(ctx context.Context) (*sk.PANDescriptor, error) {
	ch, unsub := s.conn.Subscribe("EPANDESC")
	defer unsub()

	duration := s.cfg.ScanInitialDuration
	for attempt := 0; attempt < s.cfg.ScanMaxAttempts; attempt++ {
		s.logger.Infof("scanning for PAN (attempt %d/%d, duration=%d)", attempt+1, s.cfg.ScanMaxAttempts, duration)

		cmd := fmt.Sprintf("SKSCAN 2 FFFFFFFF %d", duration)
		if _, err := s.conn.Do(ctx, cmd, sk.UntilLinePrefix("EVENT 22"), scanAttemptTimeout(duration)); err != nil {
			return nil, wrapNeedToReopen("session: SKSCAN", err)
		}

		select {
		case ev, ok := <-ch:
			if ok && ev.PAN != nil {
				s.logger.Infof("found PAN: channel=%02X panid=%04X addr=%016X", ev.PAN.Channel, ev.PAN.PanID, ev.PAN.Addr)
				return ev.PAN, nil
			}
		default:
		}

		duration++
	}
	return nil, ErrScanFailure
}

// scanAttemptTimeout bounds one SKSCAN round trip. The module's scan
// duration parameter n takes on the order of 2^(n+1)*960ms per its
// datasheet; pad generously since the command mutex must not be held
// forever by a single attempt.
func scanAttemptTimeout(duration int) time.Duration {
	ms := (uint64(1) << uint(duration+1)) * 960
	return time.Duration(ms)*time.Millisecond + 5*time.Second
}
