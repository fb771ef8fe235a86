// Package echonet builds and parses ECHONET Lite frames carried over
// UDP to a Route B low-voltage smart meter, correlates requests to
// responses by transaction id, and dispatches per-property codecs.
package echonet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ClassCode is a 3-byte ECHONET Lite class group/class/instance code
// packed into the low 24 bits of a uint32.
type ClassCode uint32

const (
	// headerEHD1/headerEHD2 are the fixed two-byte ECHONET Lite header
	// (format 1, the only format Route B meters speak).
	headerEHD1 = 0x10
	headerEHD2 = 0x81

	// Controller is the client's own SEOJ for Route B: the management
	// controller class.
	Controller ClassCode = 0x05FF01
	// LowVoltageSmartMeter is the meter's DEOJ for Route B.
	LowVoltageSmartMeter ClassCode = 0x028801
)

// Service codes (ESV).
const (
	ESVSetC    = 0x61 // SetC request
	ESVGet     = 0x62 // Get request
	ESVSetCRes = 0x71 // SetC response, all properties accepted
	ESVGetRes  = 0x72 // Get response, all properties returned
	ESVSetCSNA = 0x51 // SetC response, negative ("not possible")
	ESVGetSNA  = 0x52 // Get response, negative ("not possible")
)

// Frame is one ECHONET Lite PDU:
//
//	EHD1 EHD2 TID(2) SEOJ(3) DEOJ(3) ESV(1) OPC(1) {EPC(1) PDC(1) EDT(PDC)}*
//
// EPC and EDT are kept as parallel slices, one pair per property.
type Frame struct {
	TID  uint16
	SEOJ ClassCode
	DEOJ ClassCode
	ESV  byte
	EPC  []byte
	EDT  [][]byte
}

// NewRequest builds a client-originated frame (SEOJ=Controller,
// DEOJ=LowVoltageSmartMeter) with the given TID, service and
// properties. edt may be nil (a Get carries no EDT) or must have the
// same length as epc (a SetC carries one EDT per EPC).
func NewRequest(tid uint16, esv byte, epc []byte, edt [][]byte) *Frame {
	fr := &Frame{TID: tid, SEOJ: Controller, DEOJ: LowVoltageSmartMeter, ESV: esv, EPC: epc}
	if edt == nil {
		fr.EDT = make([][]byte, len(epc))
	} else {
		fr.EDT = edt
	}
	return fr
}

// Build serializes f into its wire representation.
func (f *Frame) Build() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(headerEHD1)
	buf.WriteByte(headerEHD2)
	binary.Write(buf, binary.BigEndian, f.TID)
	writeClassCode(buf, f.SEOJ)
	writeClassCode(buf, f.DEOJ)
	buf.WriteByte(f.ESV)
	buf.WriteByte(byte(len(f.EPC)))
	for i, epc := range f.EPC {
		buf.WriteByte(epc)
		edt := f.EDT[i]
		buf.WriteByte(byte(len(edt)))
		buf.Write(edt)
	}
	return buf.Bytes()
}

func writeClassCode(buf *bytes.Buffer, c ClassCode) {
	buf.WriteByte(byte(c >> 16))
	binary.Write(buf, binary.BigEndian, uint16(c))
}

// Parse decodes raw into a Frame. It rejects anything whose EHD1/EHD2
// is not 0x1081, which in practice filters out stray PANA traffic that
// happens to share the UDP port during the join handshake.
func Parse(raw []byte) (*Frame, error) {
	if len(raw) < 12 {
		return nil, errors.New("echonet: frame too short")
	}
	if raw[0] != headerEHD1 || raw[1] != headerEHD2 {
		return nil, fmt.Errorf("echonet: unknown header %02X%02X", raw[0], raw[1])
	}
	fr := &Frame{
		TID:  binary.BigEndian.Uint16(raw[2:4]),
		SEOJ: readClassCode(raw[4:7]),
		DEOJ: readClassCode(raw[7:10]),
		ESV:  raw[10],
	}
	opc := int(raw[11])
	fr.EPC = make([]byte, opc)
	fr.EDT = make([][]byte, opc)
	i := 12
	for j := 0; j < opc; j++ {
		if len(raw) < i+2 {
			return nil, errors.New("echonet: truncated property list")
		}
		fr.EPC[j] = raw[i]
		pdc := int(raw[i+1])
		if len(raw) < i+2+pdc {
			return nil, errors.New("echonet: truncated EDT")
		}
		fr.EDT[j] = raw[i+2 : i+2+pdc]
		i += 2 + pdc
	}
	return fr, nil
}

func readClassCode(b []byte) ClassCode {
	return ClassCode(b[0])<<16 | ClassCode(b[1])<<8 | ClassCode(b[2])
}

// CorrespondTo reports whether f is the response frame matching
// request req: same TID, SEOJ/DEOJ swapped, ESV exactly +/-0x10 apart
// (Get 0x62 <-> 0x72/0x52, SetC 0x61 <-> 0x71/0x51), and the same EPC
// list in the same order.
func (f *Frame) CorrespondTo(req *Frame) bool {
	if f.TID != req.TID {
		return false
	}
	if f.SEOJ != req.DEOJ || f.DEOJ != req.SEOJ {
		return false
	}
	delta := int(f.ESV) - int(req.ESV)
	if delta != 0x10 && delta != -0x10 {
		return false
	}
	if len(f.EPC) == 0 || len(f.EPC) != len(req.EPC) {
		return false
	}
	for i := range f.EPC {
		if f.EPC[i] != req.EPC[i] {
			return false
		}
	}
	return true
}

// IsNegative reports whether ESV is one of the "not possible" response
// codes (SetC SNA / Get SNA).
func (f *Frame) IsNegative() bool {
	return f.ESV == ESVGetSNA || f.ESV == ESVSetCSNA
}

// OffendingEPCs returns, for a negative response, the properties the
// meter rejected. A Get SNA carries PDC=0 for each property it could
// not read (accepted ones keep their data); a SetC SNA is the inverse,
// echoing the submitted EDT back for each property it refused to
// write. An SNA frame that marks nothing is treated as rejecting
// everything.
func (f *Frame) OffendingEPCs() []byte {
	var out []byte
	for i, epc := range f.EPC {
		empty := i >= len(f.EDT) || len(f.EDT[i]) == 0
		if (f.ESV == ESVGetSNA) == empty {
			out = append(out, epc)
		}
	}
	if len(out) == 0 {
		return append([]byte(nil), f.EPC...)
	}
	return out
}
