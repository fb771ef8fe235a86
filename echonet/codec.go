package echonet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Property codes (EPC) of the low-voltage smart meter class, plus the
// profile-superclass properties the meter also answers.
const (
	EPCOperationStatus        = 0x80
	EPCInstallationLocation   = 0x81
	EPCStandardVersion        = 0x82
	EPCFaultStatus            = 0x88
	EPCManufacturerCode       = 0x8A
	EPCSerialNumber           = 0x8D
	EPCCurrentTime            = 0x97
	EPCCurrentDate            = 0x98
	EPCCoefficient            = 0xD3
	EPCEffectiveDigits        = 0xD7
	EPCCumulativeEnergyFwd    = 0xE0
	EPCUnitCumulativeEnergy   = 0xE1
	EPCHistorical1Fwd         = 0xE2
	EPCDayForHistorical1      = 0xE5
	EPCCumulativeEnergyRev    = 0xE3
	EPCHistorical1Rev         = 0xE4
	EPCInstantaneousPower     = 0xE7
	EPCInstantaneousCurrent   = 0xE8
	EPCFixedTimeEnergyFwd     = 0xEA
	EPCFixedTimeEnergyRev     = 0xEB
	EPCHistorical2            = 0xEC
	EPCTimeForHistorical2     = 0xED
	EPCHistorical3            = 0xEE
	EPCTimeForHistorical3     = 0xEF
)

// noDataEnergy is the sentinel raw u32 value meaning "no data
// recorded for this slot".
const noDataEnergy = 0xFFFFFFFE

// unitMultipliers maps the 0xE1 enum byte to its kWh multiplier.
var unitMultipliers = map[byte]float64{
	0x00: 1, 0x01: 0.1, 0x02: 0.01, 0x03: 0.001, 0x04: 0.0001,
	0x0A: 10, 0x0B: 100, 0x0C: 1000, 0x0D: 10000,
}

// DecodeUnit decodes the 0xE1 EDT into its kWh multiplier.
func DecodeUnit(edt []byte) (float64, error) {
	if len(edt) != 1 {
		return 0, errors.New("echonet: 0xE1 unit must be 1 byte")
	}
	m, ok := unitMultipliers[edt[0]]
	if !ok {
		return 0, fmt.Errorf("echonet: unknown unit code %02X", edt[0])
	}
	return m, nil
}

// DecodeBool decodes a single-byte ECHONET boolean (0x30=true,
// 0x31=false), used for 0x80 operation status and 0x88 fault status.
func DecodeBool(edt []byte) (bool, error) {
	if len(edt) != 1 {
		return false, errors.New("echonet: bool EPC must be 1 byte")
	}
	switch edt[0] {
	case 0x30:
		return true, nil
	case 0x31:
		return false, nil
	default:
		return false, fmt.Errorf("echonet: invalid bool byte %02X", edt[0])
	}
}

// EncodeBool is the inverse of DecodeBool, for SetC requests against
// 0x80.
func EncodeBool(v bool) []byte {
	if v {
		return []byte{0x30}
	}
	return []byte{0x31}
}

// DecodeU8 decodes a single raw byte, used for 0xD7 effective digits.
func DecodeU8(edt []byte) (uint8, error) {
	if len(edt) != 1 {
		return 0, errors.New("echonet: expected 1-byte EDT")
	}
	return edt[0], nil
}

// DecodeU32 decodes a raw 4-byte big-endian unsigned integer, shared
// by the coefficient (0xD3) and cumulative-energy EPCs before unit/
// coefficient scaling is applied by the meter façade.
func DecodeU32(edt []byte) (uint32, error) {
	if len(edt) != 4 {
		return 0, errors.New("echonet: expected 4-byte EDT")
	}
	return binary.BigEndian.Uint32(edt), nil
}

// EncodeU32 is the inverse of DecodeU32.
func EncodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// DecodeCumulativeEnergyRaw decodes a cumulative-energy EDT (0xE0,
// 0xE3) into its raw integer reading, or nil if the slot carries the
// "no data" sentinel 0xFFFFFFFE.
func DecodeCumulativeEnergyRaw(edt []byte) (*uint32, error) {
	raw, err := DecodeU32(edt)
	if err != nil {
		return nil, err
	}
	if raw == noDataEnergy {
		return nil, nil
	}
	return &raw, nil
}

// DecodeInstantaneousPower decodes 0xE7: signed 32-bit watts.
func DecodeInstantaneousPower(edt []byte) (int32, error) {
	raw, err := DecodeU32(edt)
	if err != nil {
		return 0, err
	}
	return int32(raw), nil
}

// Current is the decoded value of 0xE8: R/T phase currents in amps.
type Current struct {
	R float64
	T float64
}

// DecodeInstantaneousCurrent decodes 0xE8: two signed 16-bit
// deci-amp readings.
func DecodeInstantaneousCurrent(edt []byte) (Current, error) {
	if len(edt) != 4 {
		return Current{}, errors.New("echonet: 0xE8 must be 4 bytes")
	}
	r := int16(binary.BigEndian.Uint16(edt[0:2]))
	t := int16(binary.BigEndian.Uint16(edt[2:4]))
	return Current{R: float64(r) / 10.0, T: float64(t) / 10.0}, nil
}

// Timestamp is the 7-byte YYYY MM DD hh mm ss timestamp embedded in
// the fixed-time and historical-2/3 EPCs.
type Timestamp struct {
	Year, Month, Day, Hour, Minute, Second int
}

func decodeTimestamp(b []byte) (Timestamp, error) {
	if len(b) < 7 {
		return Timestamp{}, errors.New("echonet: timestamp needs 7 bytes")
	}
	return Timestamp{
		Year:   int(binary.BigEndian.Uint16(b[0:2])),
		Month:  int(b[2]),
		Day:    int(b[3]),
		Hour:   int(b[4]),
		Minute: int(b[5]),
		Second: int(b[6]),
	}, nil
}

func encodeTimestamp(ts Timestamp) []byte {
	b := make([]byte, 7)
	binary.BigEndian.PutUint16(b[0:2], uint16(ts.Year))
	b[2] = byte(ts.Month)
	b[3] = byte(ts.Day)
	b[4] = byte(ts.Hour)
	b[5] = byte(ts.Minute)
	b[6] = byte(ts.Second)
	return b
}

// FixedTimeEnergy is the decoded value of 0xEA/0xEB: a timestamp paired
// with one raw cumulative-energy reading.
type FixedTimeEnergy struct {
	Timestamp Timestamp
	Raw       *uint32
}

// DecodeFixedTimeEnergy decodes 0xEA/0xEB.
func DecodeFixedTimeEnergy(edt []byte) (FixedTimeEnergy, error) {
	ts, err := decodeTimestamp(edt)
	if err != nil {
		return FixedTimeEnergy{}, err
	}
	raw, err := DecodeCumulativeEnergyRaw(edt[7:11])
	if err != nil {
		return FixedTimeEnergy{}, err
	}
	return FixedTimeEnergy{Timestamp: ts, Raw: raw}, nil
}

// Historical1 is the decoded value of 0xE2/0xE4: the day index the
// values were retrieved for, plus 48 half-hour raw cumulative-energy
// slots (00:30, 01:00, ... 00:00 next day).
type Historical1 struct {
	Day   uint16
	Slots [48]*uint32
}

// DecodeHistorical1 decodes a 206-byte EDT: day (u16) followed by 48
// slots of raw u32 energy, each either a reading or the "no data"
// sentinel.
func DecodeHistorical1(edt []byte) (Historical1, error) {
	const want = 2 + 48*4
	if len(edt) != want {
		return Historical1{}, fmt.Errorf("echonet: 0xE2/0xE4 must be %d bytes, got %d", want, len(edt))
	}
	h := Historical1{Day: binary.BigEndian.Uint16(edt[0:2])}
	for i := 0; i < 48; i++ {
		raw, err := DecodeCumulativeEnergyRaw(edt[2+i*4 : 2+i*4+4])
		if err != nil {
			return Historical1{}, err
		}
		h.Slots[i] = raw
	}
	return h, nil
}

// HistoricalSlots is the decoded value of 0xEC/0xEE: a timestamp, the
// slot count N, and 2N raw readings interleaved forward/reverse per
// slot.
type HistoricalSlots struct {
	Timestamp Timestamp
	N         int
	Forward   []*uint32
	Reverse   []*uint32
}

// DecodeHistoricalSlots decodes 0xEC/0xEE: timestamp(7) N(1) then
// 2N×u32 raw readings, forward and reverse interleaved per slot.
func DecodeHistoricalSlots(edt []byte) (HistoricalSlots, error) {
	if len(edt) < 8 {
		return HistoricalSlots{}, errors.New("echonet: 0xEC/0xEE too short")
	}
	ts, err := decodeTimestamp(edt)
	if err != nil {
		return HistoricalSlots{}, err
	}
	n := int(edt[7])
	want := 8 + 2*n*4
	if len(edt) != want {
		return HistoricalSlots{}, fmt.Errorf("echonet: 0xEC/0xEE expected %d bytes for N=%d, got %d", want, n, len(edt))
	}
	hs := HistoricalSlots{Timestamp: ts, N: n, Forward: make([]*uint32, n), Reverse: make([]*uint32, n)}
	off := 8
	for i := 0; i < n; i++ {
		fwd, err := DecodeCumulativeEnergyRaw(edt[off : off+4])
		if err != nil {
			return HistoricalSlots{}, err
		}
		rev, err := DecodeCumulativeEnergyRaw(edt[off+4 : off+8])
		if err != nil {
			return HistoricalSlots{}, err
		}
		hs.Forward[i] = fwd
		hs.Reverse[i] = rev
		off += 8
	}
	return hs, nil
}

// EncodeHistorical2Request builds the EDT for 0xED (SetC): the
// timestamp to retrieve from and the number of 30-minute slots wanted,
// 1..12.
func EncodeHistorical2Request(ts Timestamp, n int) ([]byte, error) {
	if n < 1 || n > 12 {
		return nil, &InvalidArgumentError{Arg: "num_of_data_points", Msg: "must be in 1..12 for historical-2"}
	}
	return append(encodeTimestamp(ts), byte(n)), nil
}

// EncodeHistorical3Request builds the EDT for 0xEF (SetC): the
// timestamp to retrieve from and the number of 1-minute slots wanted,
// 1..10.
func EncodeHistorical3Request(ts Timestamp, n int) ([]byte, error) {
	if n < 1 || n > 10 {
		return nil, &InvalidArgumentError{Arg: "num_of_data_points", Msg: "must be in 1..10 for historical-3"}
	}
	return append(encodeTimestamp(ts), byte(n)), nil
}

// InvalidArgumentError is a programmer error: an argument outside its
// valid range, raised synchronously before any I/O.
type InvalidArgumentError struct {
	Arg string
	Msg string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("echonet: invalid argument %s: %s", e.Arg, e.Msg)
}

// DecodeASCIIText decodes an EPC whose EDT is an ASCII string
// right-padded with 0x00 or spaces (installation location 0x81,
// standard version 0x82).
func DecodeASCIIText(edt []byte) string {
	end := len(edt)
	for end > 0 && (edt[end-1] == 0x00 || edt[end-1] == ' ') {
		end--
	}
	return string(edt[:end])
}

// DecodeCurrentTime decodes 0x97 into an "hh:mm" string.
func DecodeCurrentTime(edt []byte) (string, error) {
	if len(edt) != 2 {
		return "", errors.New("echonet: 0x97 must be 2 bytes")
	}
	return fmt.Sprintf("%02d:%02d", edt[0], edt[1]), nil
}

// DecodeCurrentDate decodes 0x98 into a "yyyy-mm-dd" string.
func DecodeCurrentDate(edt []byte) (string, error) {
	if len(edt) != 4 {
		return "", errors.New("echonet: 0x98 must be 4 bytes")
	}
	year := binary.BigEndian.Uint16(edt[0:2])
	return fmt.Sprintf("%04d-%02d-%02d", year, edt[2], edt[3]), nil
}
