package echonet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildParseRoundTrip(t *testing.T) {
	req := NewRequest(0x0001, ESVGet, []byte{EPCInstantaneousPower}, nil)
	raw := req.Build()

	got, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, req.TID, got.TID)
	assert.Equal(t, req.SEOJ, got.SEOJ)
	assert.Equal(t, req.DEOJ, got.DEOJ)
	assert.Equal(t, req.ESV, got.ESV)
	assert.Equal(t, req.EPC, got.EPC)
}

// TestInstantaneousPowerWireFormat pins the exact wire bytes of a
// Get-power request and the meter's response.
func TestInstantaneousPowerWireFormat(t *testing.T) {
	req := &Frame{
		TID: 0x0001, SEOJ: Controller, DEOJ: LowVoltageSmartMeter,
		ESV: ESVGet, EPC: []byte{EPCInstantaneousPower}, EDT: [][]byte{{}},
	}
	assert.Equal(t,
		[]byte{0x10, 0x81, 0x00, 0x01, 0x05, 0xFF, 0x01, 0x02, 0x88, 0x01, 0x62, 0x01, 0xE7, 0x00},
		req.Build())

	respRaw := []byte{
		0x10, 0x81, 0x00, 0x01, 0x02, 0x88, 0x01, 0x05, 0xFF, 0x01,
		0x72, 0x01, 0xE7, 0x04, 0x00, 0x00, 0x01, 0xF4,
	}
	resp, err := Parse(respRaw)
	require.NoError(t, err)
	assert.True(t, resp.CorrespondTo(req))

	w, err := DecodeInstantaneousPower(resp.EDT[0])
	require.NoError(t, err)
	assert.Equal(t, int32(500), w)
}

func TestParseRejectsWrongHeader(t *testing.T) {
	_, err := Parse([]byte{0x00, 0x00, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	assert.Error(t, err)
}

func TestParseRejectsTruncated(t *testing.T) {
	_, err := Parse([]byte{0x10, 0x81, 0, 1})
	assert.Error(t, err)
}

func TestCorrespondToRequiresSameTID(t *testing.T) {
	req := NewRequest(1, ESVGet, []byte{EPCInstantaneousPower}, nil)
	resp := &Frame{TID: 2, SEOJ: LowVoltageSmartMeter, DEOJ: Controller, ESV: ESVGetRes, EPC: []byte{EPCInstantaneousPower}}
	assert.False(t, resp.CorrespondTo(req))
}

func TestCorrespondToAggregateNegative(t *testing.T) {
	// Request {0xE7, 0xD3, 0x7F}; the meter answers ESV=0x52 with
	// PDC=0 marking 0x7F as the unreadable property.
	req := NewRequest(5, ESVGet, []byte{EPCInstantaneousPower, EPCCoefficient, 0x7F}, nil)
	resp := &Frame{
		TID: 5, SEOJ: LowVoltageSmartMeter, DEOJ: Controller, ESV: ESVGetSNA,
		EPC: []byte{EPCInstantaneousPower, EPCCoefficient, 0x7F},
		EDT: [][]byte{{0x00, 0x00, 0x01, 0xF4}, {0x00, 0x00, 0x00, 0x01}, {}},
	}
	require.True(t, resp.CorrespondTo(req))
	assert.True(t, resp.IsNegative())
	assert.Equal(t, []byte{0x7F}, resp.OffendingEPCs())
}

func TestOffendingEPCsSetCSNA(t *testing.T) {
	// A SetC SNA echoes the refused property's EDT back and zeroes the
	// accepted one.
	resp := &Frame{
		TID: 6, SEOJ: LowVoltageSmartMeter, DEOJ: Controller, ESV: ESVSetCSNA,
		EPC: []byte{EPCDayForHistorical1, EPCTimeForHistorical2},
		EDT: [][]byte{{}, {0x07, 0xE8, 0x05, 0x01, 0x0C, 0x00, 0x00, 0x06}},
	}
	assert.Equal(t, []byte{EPCTimeForHistorical2}, resp.OffendingEPCs())
}

func TestOffendingEPCsUnmarkedSNARejectsAll(t *testing.T) {
	resp := &Frame{
		TID: 7, SEOJ: LowVoltageSmartMeter, DEOJ: Controller, ESV: ESVGetSNA,
		EPC: []byte{EPCInstantaneousPower, EPCCoefficient},
		EDT: [][]byte{{0x00, 0x00, 0x01, 0xF4}, {0x00, 0x00, 0x00, 0x01}},
	}
	assert.Equal(t, []byte{EPCInstantaneousPower, EPCCoefficient}, resp.OffendingEPCs())
}
