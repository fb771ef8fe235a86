package session

import (
	"strconv"
	"strings"
)

// eventNumber extracts the numeric code from an "EVENT NN ..." line, as
// hex digits per the module datasheet's event table (the two-digit
// codes used in this package (24, 25, 26, 29, 32, 33) happen to read
// identically whether parsed as hex or decimal, but hex is what the
// module documents).
func eventNumber(line string) (int, bool) {
	if !strings.HasPrefix(line, "EVENT ") {
		return 0, false
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, false
	}
	n, err := strconv.ParseInt(fields[1], 16, 32)
	if err != nil {
		return 0, false
	}
	return int(n), true
}

const (
	eventPANAAuthReject  = 0x24
	eventPANAAuthSuccess = 0x25
	eventPANASessionExp  = 0x26
	eventPANALifetimeEnd = 0x29
	eventTxRestricted    = 0x32
	eventTxRestrictLift  = 0x33
)
