package meter

import "time"

// synthesizeHistorical1 computes the 48 half-hour timestamps that the
// meter's 48 slots for "dayOffset days ago" correspond to: 00:30,
// 01:00, ... 00:00 the following day, anchored at today minus
// dayOffset days.
//
// This is computed client-side from the local clock: the meter's
// response carries only a day index, not per-slot timestamps, so if
// the call straddles local midnight the synthesized timestamps can be
// off by a day. That is an acknowledged weakness of the protocol, not
// compensated for here.
func synthesizeHistorical1(now time.Time, dayOffset byte) [48]time.Time {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dayStart = dayStart.AddDate(0, 0, -int(dayOffset))

	var out [48]time.Time
	for i := range out {
		out[i] = dayStart.Add(time.Duration(30*(i+1)) * time.Minute)
	}
	return out
}
