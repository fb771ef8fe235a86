package meter_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbtk/momonga/echonet"
	"github.com/nbtk/momonga/meter"
)

// fakeRequester stubs echonet.Client for façade tests: Get/SetC answers
// are scripted per-EPC, and every SetC call is recorded so tests can
// assert on the exact EDT the façade sent.
type fakeRequester struct {
	getAnswers map[byte][]byte
	setCalls   []setCCall
}

type setCCall struct {
	epc byte
	edt []byte
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{getAnswers: map[byte][]byte{}}
}

func (f *fakeRequester) Get(ctx context.Context, epc []byte, timeout time.Duration) (*echonet.Frame, error) {
	edt, ok := f.getAnswers[epc[0]]
	if !ok {
		return nil, fmt.Errorf("meter_test: no scripted answer for EPC %02X", epc[0])
	}
	return &echonet.Frame{EPC: epc, EDT: [][]byte{edt}}, nil
}

func (f *fakeRequester) SetC(ctx context.Context, epc []byte, edt [][]byte, timeout time.Duration) (*echonet.Frame, error) {
	f.setCalls = append(f.setCalls, setCCall{epc: epc[0], edt: edt[0]})
	return &echonet.Frame{EPC: epc, EDT: edt}, nil
}

func withCoefAndUnit(f *fakeRequester, coef uint32, unitCode byte) {
	f.getAnswers[echonet.EPCCoefficient] = echonet.EncodeU32(coef)
	f.getAnswers[echonet.EPCUnitCumulativeEnergy] = []byte{unitCode}
}

func TestInstantaneousPower(t *testing.T) {
	f := newFakeRequester()
	f.getAnswers[echonet.EPCInstantaneousPower] = []byte{0x00, 0x00, 0x01, 0xF4}
	m := meter.New(f, meter.Config{}, nil)

	w, err := m.InstantaneousPower(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(500), w)
}

func TestEffectiveDigits(t *testing.T) {
	f := newFakeRequester()
	f.getAnswers[echonet.EPCEffectiveDigits] = []byte{6}
	m := meter.New(f, meter.Config{}, nil)

	digits, err := m.EffectiveDigits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint8(6), digits)
}

func TestCumulativeEnergyAppliesCoefficientAndUnit(t *testing.T) {
	f := newFakeRequester()
	withCoefAndUnit(f, 10, 0x01) // coefficient=10, unit=0.1
	f.getAnswers[echonet.EPCCumulativeEnergyFwd] = echonet.EncodeU32(123)
	m := meter.New(f, meter.Config{}, nil)

	kwh, err := m.CumulativeEnergyForward(context.Background())
	require.NoError(t, err)
	require.NotNil(t, kwh)
	assert.InDelta(t, 123.0*10*0.1, *kwh, 1e-9)
}

func TestCumulativeEnergyCoefficientCachedAcrossCalls(t *testing.T) {
	f := newFakeRequester()
	withCoefAndUnit(f, 1, 0x00)
	f.getAnswers[echonet.EPCCumulativeEnergyFwd] = echonet.EncodeU32(1)
	f.getAnswers[echonet.EPCCumulativeEnergyRev] = echonet.EncodeU32(2)
	m := meter.New(f, meter.Config{}, nil)

	_, err := m.CumulativeEnergyForward(context.Background())
	require.NoError(t, err)
	// Remove the scripted coefficient/unit answers: a second cumulative
	// read must not re-fetch them.
	delete(f.getAnswers, echonet.EPCCoefficient)
	delete(f.getAnswers, echonet.EPCUnitCumulativeEnergy)

	_, err = m.CumulativeEnergyReverse(context.Background())
	require.NoError(t, err)
}

func TestCumulativeEnergySentinelIsNil(t *testing.T) {
	f := newFakeRequester()
	withCoefAndUnit(f, 1, 0x00)
	f.getAnswers[echonet.EPCCumulativeEnergyFwd] = echonet.EncodeU32(0xFFFFFFFE)
	m := meter.New(f, meter.Config{}, nil)

	kwh, err := m.CumulativeEnergyForward(context.Background())
	require.NoError(t, err)
	assert.Nil(t, kwh)
}

// A 6-point request at 2024-05-01T12:00:00 must SetC 0xED =
// 07 E8 05 01 0C 00 00 06 before the Get, and the 6 returned slots
// must be spaced 30 minutes apart ending at the given time.
func TestHistoricalEnergy2SetsTimeThenGets(t *testing.T) {
	f := newFakeRequester()
	withCoefAndUnit(f, 1, 0x00)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	respEdt := append([]byte{0x07, 0xE8, 0x05, 0x01, 0x0C, 0x00, 0x00}, 6)
	for i := 0; i < 6; i++ {
		respEdt = append(respEdt, echonet.EncodeU32(uint32(100+i))...) // forward
		respEdt = append(respEdt, echonet.EncodeU32(uint32(200+i))...) // reverse
	}
	f.getAnswers[echonet.EPCHistorical2] = respEdt

	m := meter.New(f, meter.Config{}, nil)
	slots, err := m.HistoricalEnergy2(context.Background(), ts, 6)
	require.NoError(t, err)

	require.Len(t, f.setCalls, 1)
	assert.Equal(t, byte(echonet.EPCTimeForHistorical2), f.setCalls[0].epc)
	assert.Equal(t, []byte{0x07, 0xE8, 0x05, 0x01, 0x0C, 0x00, 0x00, 0x06}, f.setCalls[0].edt)

	require.Len(t, slots, 6)
	assert.Equal(t, ts, slots[5].At)
	for i := 0; i < 6; i++ {
		assert.Equal(t, ts.Add(-time.Duration(5-i)*30*time.Minute), slots[i].At)
		require.NotNil(t, slots[i].Forward)
		assert.InDelta(t, float64(100+i), *slots[i].Forward, 1e-9)
	}
}

func TestHistoricalEnergy1Timestamps(t *testing.T) {
	f := newFakeRequester()
	withCoefAndUnit(f, 1, 0x00)

	edt := make([]byte, 2+48*4)
	for i := 0; i < 48; i++ {
		copy(edt[2+i*4:2+i*4+4], echonet.EncodeU32(uint32(i)))
	}
	f.getAnswers[echonet.EPCHistorical1Fwd] = edt

	m := meter.New(f, meter.Config{}, nil)
	readings, err := m.HistoricalEnergy1Forward(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, readings, 48)

	require.Len(t, f.setCalls, 1)
	assert.Equal(t, byte(echonet.EPCDayForHistorical1), f.setCalls[0].epc)
	assert.Equal(t, []byte{1}, f.setCalls[0].edt)

	// Slots are 30 minutes apart, starting at 00:30 of (today - 1 day).
	assert.Equal(t, 30*time.Minute, readings[1].At.Sub(readings[0].At))
	assert.Equal(t, 0, readings[0].At.Minute()%30)
}

func TestInvalidHistorical2RangeRejectedSynchronously(t *testing.T) {
	f := newFakeRequester()
	withCoefAndUnit(f, 1, 0x00)
	m := meter.New(f, meter.Config{}, nil)

	_, err := m.HistoricalEnergy2(context.Background(), time.Now(), 13)
	require.Error(t, err)
	assert.Empty(t, f.setCalls, "no SetC should be issued for an invalid range")
}
