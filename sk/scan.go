package sk

import (
	"strconv"
	"strings"
)

// PANDescriptor is one entry of an SKSCAN result: the channel, PAN id
// and MAC address the module observed an access point (meter)
// broadcasting on. A descriptor is considered complete only once all
// three fields have been observed inside a single EPANDESC block.
type PANDescriptor struct {
	Channel byte
	PanID   uint16
	Addr    uint64
}

// panBlockAccumulator reassembles one EPANDESC block (an "EPANDESC"
// line followed by several indented "Key:Value" lines) into a single
// PANDescriptor. The SK module emits one such block per access point
// found during a scan.
type panBlockAccumulator struct {
	active bool
	fields map[string]string
}

// feed consumes line if it is part of an EPANDESC block (the header or
// one of its indented fields). It reports the line was consumed via
// ok; desc is non-nil exactly once, the moment the block's required
// fields (Channel, Pan ID, Addr) are all present.
func (a *panBlockAccumulator) feed(line string) (desc *PANDescriptor, ok bool) {
	if line == "EPANDESC" {
		a.active = true
		a.fields = map[string]string{}
		return nil, true
	}
	if !a.active {
		return nil, false
	}
	if !isIndented(line) {
		a.active = false
		return nil, false
	}
	key, value, found := strings.Cut(strings.TrimSpace(line), ":")
	if !found {
		return nil, true
	}
	a.fields[strings.TrimSpace(key)] = strings.TrimSpace(value)

	channel, hasChannel := a.fields["Channel"]
	panID, hasPanID := a.fields["Pan ID"]
	addr, hasAddr := a.fields["Addr"]
	if !hasChannel || !hasPanID || !hasAddr {
		return nil, true
	}
	a.active = false
	pd, err := parsePANDescriptor(channel, panID, addr)
	if err != nil {
		return nil, true
	}
	return pd, true
}

func isIndented(line string) bool {
	return len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
}

func parsePANDescriptor(channelHex, panIDHex, addrHex string) (*PANDescriptor, error) {
	channel, err := strconv.ParseUint(channelHex, 16, 8)
	if err != nil {
		return nil, err
	}
	panID, err := strconv.ParseUint(panIDHex, 16, 16)
	if err != nil {
		return nil, err
	}
	addr, err := strconv.ParseUint(addrHex, 16, 64)
	if err != nil {
		return nil, err
	}
	return &PANDescriptor{Channel: byte(channel), PanID: uint16(panID), Addr: addr}, nil
}
