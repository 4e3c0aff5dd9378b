package bulk

import (
	"fmt"
	"strings"
	"unicode"

	"installcore/internal/engine"
	"installcore/pkg/domain"
)

// Mode selects how a row key resolves to a device.
type Mode string

// Supported matching modes.
const (
	// ModeDirect treats the key as a device id or an installation's device id.
	ModeDirect Mode = "direct"
	// ModeSerialPrefix treats the key as "<serial>-<suffix>" and resolves the
	// serial against device serial ids.
	ModeSerialPrefix Mode = "serial_prefix"
)

// ParseMode maps user input onto a Mode.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeDirect, "":
		return ModeDirect, nil
	case ModeSerialPrefix, "serial", "serial-prefix":
		return ModeSerialPrefix, nil
	default:
		return "", domain.InvalidInput("unknown match mode %q", raw)
	}
}

// Outcome classifies one row.
type Outcome string

// Row outcomes.
const (
	OutcomeMatched  Outcome = "matched"
	OutcomeNotFound Outcome = "not_found"
	OutcomeError    Outcome = "error"
)

// Result is the resolution of one row. Coordinates are set only when an
// installation resolved and either its location or its own coordinates exist.
type Result struct {
	Row              int                     `json:"row"`
	Key              string                  `json:"key"`
	Outcome          Outcome                 `json:"outcome"`
	Reason           string                  `json:"reason,omitempty"`
	Device           *domain.Device          `json:"device,omitempty"`
	Installation     *domain.Installation    `json:"installation,omitempty"`
	Latitude         *float64                `json:"latitude,omitempty"`
	Longitude        *float64                `json:"longitude,omitempty"`
	CoordinateSource engine.CoordinateSource `json:"coordinate_source,omitempty"`
}

// Report is the ordered outcome of a batch: one result per non-blank data row.
type Report struct {
	Mode    Mode     `json:"mode"`
	Results []Result `json:"results"`
	Summary
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithErrorCap overrides DefaultErrorCap.
func WithErrorCap(n int) Option {
	return func(m *Matcher) { m.errorCap = n }
}

// WithMetrics counts outcomes per mode.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Matcher) { m.metrics = metrics }
}

// Matcher resolves keys against fixed snapshots. It is safe for concurrent use.
type Matcher struct {
	idx      engine.Index
	bySerial map[string]domain.Device
	errorCap int
	metrics  *Metrics
}

// NewMatcher indexes the snapshots. When several devices share a serial id the
// lowest device id wins.
func NewMatcher(devices []domain.Device, installations []domain.Installation, locations []domain.Location, opts ...Option) *Matcher {
	m := &Matcher{
		idx: engine.BuildIndex(engine.Inputs{
			Devices:       devices,
			Installations: installations,
			Locations:     locations,
		}),
		bySerial: make(map[string]domain.Device, len(devices)),
		errorCap: DefaultErrorCap,
	}
	for _, d := range devices {
		if d.DeviceSerialID == "" {
			continue
		}
		if cur, ok := m.bySerial[d.DeviceSerialID]; !ok || d.ID < cur.ID {
			m.bySerial[d.DeviceSerialID] = d
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match extracts rows from a raw table and resolves each one.
func (m *Matcher) Match(table [][]string, mode Mode) Report {
	return m.MatchRows(ExtractRows(table), mode)
}

// MatchRows resolves already extracted rows, preserving their order.
func (m *Matcher) MatchRows(rows []Row, mode Mode) Report {
	report := Report{Mode: mode, Results: make([]Result, 0, len(rows)), Summary: NewSummary(m.errorCap)}
	for _, row := range rows {
		res := m.resolve(row, mode)
		switch res.Outcome {
		case OutcomeMatched:
			report.Succeed()
		case OutcomeNotFound:
			report.Miss(row, res.Reason)
		default:
			report.Fail(row, res.Reason)
		}
		m.metrics.observe(mode, res.Outcome)
		report.Results = append(report.Results, res)
	}
	return report
}

func (m *Matcher) resolve(row Row, mode Mode) Result {
	res := Result{Row: row.Number, Key: row.Key}
	fail := func(format string, args ...any) Result {
		res.Outcome, res.Reason = OutcomeError, fmt.Sprintf(format, args...)
		return res
	}
	if row.Key == "" {
		return fail("missing key")
	}

	var (
		device domain.Device
		found  bool
	)
	switch mode {
	case ModeDirect:
		if strings.IndexFunc(row.Key, unicode.IsSpace) >= 0 {
			return fail("key %q contains whitespace", row.Key)
		}
		device, found = m.idx.Device(row.Key)
		if !found {
			if inst, ok := m.idx.ActiveInstallation(row.Key); ok {
				res.Outcome = OutcomeMatched
				m.attachInstallation(&res, inst)
				return res
			}
		}
	case ModeSerialPrefix:
		// A key without a separator is the serial itself.
		prefix, _, _ := strings.Cut(row.Key, "-")
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			return fail("key %q has an empty serial prefix", row.Key)
		}
		device, found = m.bySerial[prefix]
	default:
		return fail("unknown match mode %q", mode)
	}

	if !found {
		res.Outcome, res.Reason = OutcomeNotFound, "no matching device or installation"
		return res
	}
	res.Outcome = OutcomeMatched
	d := device
	res.Device = &d
	if inst, ok := m.idx.ActiveInstallation(device.ID); ok {
		m.attachInstallation(&res, inst)
	}
	return res
}

func (m *Matcher) attachInstallation(res *Result, inst domain.Installation) {
	res.Installation = &inst
	if loc, ok := m.idx.Location(inst.LocationID); ok && inst.LocationID != "" {
		lat, lng := loc.Latitude, loc.Longitude
		res.Latitude, res.Longitude, res.CoordinateSource = &lat, &lng, engine.SourceLocation
		return
	}
	if lat, lng, ok := inst.Coordinates(); ok {
		res.Latitude, res.Longitude, res.CoordinateSource = &lat, &lng, engine.SourceInstallation
	}
}
