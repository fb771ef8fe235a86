// Package meter composes the echonet package's Get/SetC primitives
// into named, unit-aware operations for a Route B low-voltage smart
// meter.
package meter

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nbtk/momonga/echonet"
)

// Logger is the minimal logging interface the meter package needs.
// Satisfied by *logrus.Entry and by momonga.Logger.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

func newDefaultLogger() Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l.WithField("component", "echonet")
}

// Requester is the subset of *echonet.Client the façade needs, kept as
// an interface so meter_test.go can exercise the unit/coefficient
// caching and timestamp synthesis logic without a live session.
type Requester interface {
	Get(ctx context.Context, epc []byte, timeout time.Duration) (*echonet.Frame, error)
	SetC(ctx context.Context, epc []byte, edt [][]byte, timeout time.Duration) (*echonet.Frame, error)
}

// Config tunes the façade's per-request timeout.
type Config struct {
	// RequestTimeout bounds every individual Get/SetC exchange issued
	// by the façade. Default 3s.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 3 * time.Second
	}
	return c
}

// Meter is the meter-oriented façade: named per-property operations
// over an echonet.Client, with coefficient/unit caching for cumulative
// energy and client-side timestamp synthesis for historical series.
type Meter struct {
	client Requester
	cfg    Config
	logger Logger

	mu          sync.Mutex
	haveCoef    bool
	coefficient uint32
	unit        float64
}

// New creates a Meter bound to client. A nil logger falls back to a
// standalone logrus logger tagged component=echonet (the façade shares
// the echonet layer's named sink).
func New(client Requester, cfg Config, logger Logger) *Meter {
	if logger == nil {
		logger = newDefaultLogger()
	}
	return &Meter{client: client, cfg: cfg.withDefaults(), logger: logger, coefficient: 1, unit: 1}
}

func (m *Meter) get(ctx context.Context, epc byte) ([]byte, error) {
	fr, err := m.client.Get(ctx, []byte{epc}, m.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	return fr.EDT[0], nil
}

func (m *Meter) setC(ctx context.Context, epc byte, edt []byte) error {
	_, err := m.client.SetC(ctx, []byte{epc}, [][]byte{edt}, m.cfg.RequestTimeout)
	return err
}

// OperationStatus reads 0x80.
func (m *Meter) OperationStatus(ctx context.Context) (bool, error) {
	edt, err := m.get(ctx, echonet.EPCOperationStatus)
	if err != nil {
		return false, err
	}
	return echonet.DecodeBool(edt)
}

// InstallationLocation reads 0x81.
func (m *Meter) InstallationLocation(ctx context.Context) (string, error) {
	edt, err := m.get(ctx, echonet.EPCInstallationLocation)
	if err != nil {
		return "", err
	}
	return echonet.DecodeASCIIText(edt), nil
}

// StandardVersion reads 0x82.
func (m *Meter) StandardVersion(ctx context.Context) (string, error) {
	edt, err := m.get(ctx, echonet.EPCStandardVersion)
	if err != nil {
		return "", err
	}
	return echonet.DecodeASCIIText(edt), nil
}

// FaultStatus reads 0x88.
func (m *Meter) FaultStatus(ctx context.Context) (bool, error) {
	edt, err := m.get(ctx, echonet.EPCFaultStatus)
	if err != nil {
		return false, err
	}
	return echonet.DecodeBool(edt)
}

// ManufacturerCode reads 0x8A, the raw 3-byte maker code.
func (m *Meter) ManufacturerCode(ctx context.Context) ([3]byte, error) {
	var out [3]byte
	edt, err := m.get(ctx, echonet.EPCManufacturerCode)
	if err != nil {
		return out, err
	}
	copy(out[:], edt)
	return out, nil
}

// SerialNumber reads 0x8D.
func (m *Meter) SerialNumber(ctx context.Context) (string, error) {
	edt, err := m.get(ctx, echonet.EPCSerialNumber)
	if err != nil {
		return "", err
	}
	return echonet.DecodeASCIIText(edt), nil
}

// CurrentTime reads 0x97.
func (m *Meter) CurrentTime(ctx context.Context) (string, error) {
	edt, err := m.get(ctx, echonet.EPCCurrentTime)
	if err != nil {
		return "", err
	}
	return echonet.DecodeCurrentTime(edt)
}

// CurrentDate reads 0x98.
func (m *Meter) CurrentDate(ctx context.Context) (string, error) {
	edt, err := m.get(ctx, echonet.EPCCurrentDate)
	if err != nil {
		return "", err
	}
	return echonet.DecodeCurrentDate(edt)
}

// EffectiveDigits reads 0xD7: the number of significant digits the
// meter's cumulative-energy display uses.
func (m *Meter) EffectiveDigits(ctx context.Context) (uint8, error) {
	edt, err := m.get(ctx, echonet.EPCEffectiveDigits)
	if err != nil {
		return 0, err
	}
	return echonet.DecodeU8(edt)
}

// InstantaneousPower reads 0xE7, in watts.
func (m *Meter) InstantaneousPower(ctx context.Context) (int32, error) {
	edt, err := m.get(ctx, echonet.EPCInstantaneousPower)
	if err != nil {
		return 0, err
	}
	return echonet.DecodeInstantaneousPower(edt)
}

// InstantaneousCurrent reads 0xE8, in amps.
func (m *Meter) InstantaneousCurrent(ctx context.Context) (echonet.Current, error) {
	edt, err := m.get(ctx, echonet.EPCInstantaneousCurrent)
	if err != nil {
		return echonet.Current{}, err
	}
	return echonet.DecodeInstantaneousCurrent(edt)
}

// ensureCoefficientUnit fetches 0xD3 (coefficient) and 0xE1 (unit) on
// first access and caches them for the session lifetime; both are
// fixed per meter, so every cumulative-energy read shares the cached
// pair.
func (m *Meter) ensureCoefficientUnit(ctx context.Context) error {
	m.mu.Lock()
	cached := m.haveCoef
	m.mu.Unlock()
	if cached {
		return nil
	}

	coefEdt, err := m.get(ctx, echonet.EPCCoefficient)
	if err != nil {
		return err
	}
	coef, err := echonet.DecodeU32(coefEdt)
	if err != nil {
		return err
	}
	unitEdt, err := m.get(ctx, echonet.EPCUnitCumulativeEnergy)
	if err != nil {
		return err
	}
	unit, err := echonet.DecodeUnit(unitEdt)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.coefficient = coef
	m.unit = unit
	m.haveCoef = true
	m.mu.Unlock()
	m.logger.Debugf("cached coefficient=%d unit=%v", coef, unit)
	return nil
}

// applyEnergy converts a raw cumulative-energy reading to kWh using
// the cached coefficient and unit multiplier. A nil raw (the
// 0xFFFFFFFE "no data" sentinel) stays nil: a missing slot must come
// out as nil rather than zero, and raw integer readings never cross
// the façade.
func (m *Meter) applyEnergy(raw *uint32) *float64 {
	if raw == nil {
		return nil
	}
	m.mu.Lock()
	coef, unit := m.coefficient, m.unit
	m.mu.Unlock()
	v := float64(*raw) * float64(coef) * unit
	return &v
}

// CumulativeEnergyForward reads 0xE0 and applies the cached
// coefficient/unit, returning kWh (nil if the meter reports no data).
func (m *Meter) CumulativeEnergyForward(ctx context.Context) (*float64, error) {
	return m.cumulativeEnergy(ctx, echonet.EPCCumulativeEnergyFwd)
}

// CumulativeEnergyReverse reads 0xE3 and applies the cached
// coefficient/unit, returning kWh (nil if the meter reports no data).
func (m *Meter) CumulativeEnergyReverse(ctx context.Context) (*float64, error) {
	return m.cumulativeEnergy(ctx, echonet.EPCCumulativeEnergyRev)
}

func (m *Meter) cumulativeEnergy(ctx context.Context, epc byte) (*float64, error) {
	if err := m.ensureCoefficientUnit(ctx); err != nil {
		return nil, err
	}
	edt, err := m.get(ctx, epc)
	if err != nil {
		return nil, err
	}
	raw, err := echonet.DecodeCumulativeEnergyRaw(edt)
	if err != nil {
		return nil, err
	}
	return m.applyEnergy(raw), nil
}

// FixedTimeEnergy is one timestamped cumulative-energy reading in kWh
// (Reading is nil if the meter reports no data for that instant).
type FixedTimeEnergy struct {
	Timestamp time.Time
	Reading   *float64
}

// FixedTimeEnergyForward reads 0xEA: the most recent fixed-interval
// forward cumulative-energy reading.
func (m *Meter) FixedTimeEnergyForward(ctx context.Context) (FixedTimeEnergy, error) {
	return m.fixedTimeEnergy(ctx, echonet.EPCFixedTimeEnergyFwd)
}

// FixedTimeEnergyReverse reads 0xEB: the most recent fixed-interval
// reverse cumulative-energy reading.
func (m *Meter) FixedTimeEnergyReverse(ctx context.Context) (FixedTimeEnergy, error) {
	return m.fixedTimeEnergy(ctx, echonet.EPCFixedTimeEnergyRev)
}

func (m *Meter) fixedTimeEnergy(ctx context.Context, epc byte) (FixedTimeEnergy, error) {
	if err := m.ensureCoefficientUnit(ctx); err != nil {
		return FixedTimeEnergy{}, err
	}
	edt, err := m.get(ctx, epc)
	if err != nil {
		return FixedTimeEnergy{}, err
	}
	dec, err := echonet.DecodeFixedTimeEnergy(edt)
	if err != nil {
		return FixedTimeEnergy{}, err
	}
	return FixedTimeEnergy{
		Timestamp: asTime(dec.Timestamp),
		Reading:   m.applyEnergy(dec.Raw),
	}, nil
}

func asTime(ts echonet.Timestamp) time.Time {
	return time.Date(ts.Year, time.Month(ts.Month), ts.Day, ts.Hour, ts.Minute, ts.Second, 0, time.Local)
}

// HistoricalReading pairs a synthesized or meter-reported timestamp
// with a kWh reading (nil for a slot the meter has no data for).
type HistoricalReading struct {
	At      time.Time
	Reading *float64
}

// HistoricalEnergy1Forward retrieves the 48 half-hour forward
// cumulative-energy readings for dayOffset days ago (0 = today),
// setting 0xE5 then reading 0xE2. Timestamps are synthesized
// client-side; see synthesizeHistorical1 for the midnight caveat.
func (m *Meter) HistoricalEnergy1Forward(ctx context.Context, dayOffset byte) ([]HistoricalReading, error) {
	return m.historical1(ctx, dayOffset, echonet.EPCHistorical1Fwd)
}

// HistoricalEnergy1Reverse is HistoricalEnergy1Forward's reverse-flow
// counterpart, reading 0xE4.
func (m *Meter) HistoricalEnergy1Reverse(ctx context.Context, dayOffset byte) ([]HistoricalReading, error) {
	return m.historical1(ctx, dayOffset, echonet.EPCHistorical1Rev)
}

func (m *Meter) historical1(ctx context.Context, dayOffset byte, epc byte) ([]HistoricalReading, error) {
	if err := m.ensureCoefficientUnit(ctx); err != nil {
		return nil, err
	}
	if err := m.setC(ctx, echonet.EPCDayForHistorical1, []byte{dayOffset}); err != nil {
		return nil, err
	}
	edt, err := m.get(ctx, epc)
	if err != nil {
		return nil, err
	}
	dec, err := echonet.DecodeHistorical1(edt)
	if err != nil {
		return nil, err
	}

	stamps := synthesizeHistorical1(time.Now(), dayOffset)
	out := make([]HistoricalReading, 48)
	for i := 0; i < 48; i++ {
		out[i] = HistoricalReading{At: stamps[i], Reading: m.applyEnergy(dec.Slots[i])}
	}
	return out, nil
}

// HistoricalSlotPair is one 30-minute or 1-minute slot of the 0xEC/0xEE
// historical series: forward and reverse readings at the same instant.
type HistoricalSlotPair struct {
	At      time.Time
	Forward *float64
	Reverse *float64
}

// HistoricalEnergy2 retrieves n (1..12) 30-minute-interval forward/
// reverse readings ending at at, setting 0xED then reading 0xEC.
func (m *Meter) HistoricalEnergy2(ctx context.Context, at time.Time, n int) ([]HistoricalSlotPair, error) {
	return m.historicalSlots(ctx, at, n, echonet.EPCTimeForHistorical2, echonet.EPCHistorical2, 30*time.Minute, echonet.EncodeHistorical2Request)
}

// HistoricalEnergy3 retrieves n (1..10) 1-minute-interval forward/
// reverse readings ending at at, setting 0xEF then reading 0xEE.
func (m *Meter) HistoricalEnergy3(ctx context.Context, at time.Time, n int) ([]HistoricalSlotPair, error) {
	return m.historicalSlots(ctx, at, n, echonet.EPCTimeForHistorical3, echonet.EPCHistorical3, time.Minute, echonet.EncodeHistorical3Request)
}

func (m *Meter) historicalSlots(ctx context.Context, at time.Time, n int, setEPC, getEPC byte, interval time.Duration, encodeReq func(echonet.Timestamp, int) ([]byte, error)) ([]HistoricalSlotPair, error) {
	// Range validation happens before any I/O.
	edt, err := encodeReq(toTimestamp(at), n)
	if err != nil {
		return nil, err
	}
	if err := m.ensureCoefficientUnit(ctx); err != nil {
		return nil, err
	}
	if err := m.setC(ctx, setEPC, edt); err != nil {
		return nil, err
	}
	respEdt, err := m.get(ctx, getEPC)
	if err != nil {
		return nil, err
	}
	dec, err := echonet.DecodeHistoricalSlots(respEdt)
	if err != nil {
		return nil, err
	}

	out := make([]HistoricalSlotPair, dec.N)
	start := at.Add(-interval * time.Duration(dec.N-1))
	for i := 0; i < dec.N; i++ {
		out[i] = HistoricalSlotPair{
			At:      start.Add(interval * time.Duration(i)),
			Forward: m.applyEnergy(dec.Forward[i]),
			Reverse: m.applyEnergy(dec.Reverse[i]),
		}
	}
	return out, nil
}

func toTimestamp(t time.Time) echonet.Timestamp {
	return echonet.Timestamp{
		Year: t.Year(), Month: int(t.Month()), Day: t.Day(),
		Hour: t.Hour(), Minute: t.Minute(), Second: t.Second(),
	}
}
