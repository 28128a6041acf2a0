package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	analytics "iot-kpi/internal/analytics/domain"
	inventory "iot-kpi/internal/inventory/domain"
	status "iot-kpi/internal/status/domain"
	"iot-kpi/internal/storage"
	telemetry "iot-kpi/internal/telemetry/domain"
)

// ErrOpenIntervalExists mirrors the single-open-interval unique index.
var ErrOpenIntervalExists = errors.New("memory: device already has an open interval")

// Store is an in-memory storage.UnitOfWork for tests and dry runs.
// Transactions are serialized; a failed transaction restores the snapshot
// taken when it began.
type Store struct {
	mu     sync.Mutex
	state  *state
	faults map[string]error
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{state: newState(), faults: make(map[string]error)}
}

// InjectFault makes the named operation (e.g. "samples.insert") fail with err
// until cleared with a nil err.
func (s *Store) InjectFault(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// Do implements storage.UnitOfWork.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) (err error) {
	if fn == nil {
		return errors.New("memory: nil unit of work")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	tx := &memTx{st: s.state, faults: s.faults}
	defer func() {
		if r := recover(); r != nil {
			s.state = snapshot
			panic(r)
		}
		if err != nil {
			s.state = snapshot
		}
	}()
	return fn(ctx, tx)
}

type windowKey struct {
	deviceID uuid.UUID
	start    int64
}

type state struct {
	devices      map[uuid.UUID]inventory.Device
	byExternal   map[string]uuid.UUID
	intervals    []status.Interval
	samples      []telemetry.Sample
	nextSampleID int64
	metrics      []telemetry.Metric
	windows      map[windowKey]analytics.Window
	kpis         []analytics.Calculation
}

func newState() *state {
	return &state{
		devices:    make(map[uuid.UUID]inventory.Device),
		byExternal: make(map[string]uuid.UUID),
		windows:    make(map[windowKey]analytics.Window),
	}
}

func (st *state) clone() *state {
	out := newState()
	for id, d := range st.devices {
		out.devices[id] = copyDevice(d)
	}
	for k, v := range st.byExternal {
		out.byExternal[k] = v
	}
	out.intervals = append([]status.Interval(nil), st.intervals...)
	out.samples = append([]telemetry.Sample(nil), st.samples...)
	out.nextSampleID = st.nextSampleID
	out.metrics = append([]telemetry.Metric(nil), st.metrics...)
	for k, v := range st.windows {
		out.windows[k] = v
	}
	out.kpis = append([]analytics.Calculation(nil), st.kpis...)
	return out
}

func copyDevice(d inventory.Device) inventory.Device {
	d.Metadata = d.Metadata.Clone()
	if d.InstalledAt != nil {
		t := *d.InstalledAt
		d.InstalledAt = &t
	}
	if d.LastSeen != nil {
		t := *d.LastSeen
		d.LastSeen = &t
	}
	return d
}

type memTx struct {
	st     *state
	faults map[string]error
}

func (t *memTx) fault(op string) error {
	if err, ok := t.faults[op]; ok {
		return err
	}
	return nil
}

func (t *memTx) Devices() storage.DeviceRepository     { return deviceRepo{t} }
func (t *memTx) Intervals() storage.IntervalRepository { return intervalRepo{t} }
func (t *memTx) Samples() storage.SampleRepository     { return sampleRepo{t} }
func (t *memTx) Metrics() storage.MetricRepository     { return metricRepo{t} }
func (t *memTx) Windows() storage.WindowRepository     { return windowRepo{t} }
func (t *memTx) KPIs() storage.KPIRepository           { return kpiRepo{t} }

type deviceRepo struct{ tx *memTx }

func (r deviceRepo) FindByExternalID(_ context.Context, externalID string) (*inventory.Device, error) {
	if err := r.tx.fault("devices.find"); err != nil {
		return nil, err
	}
	id, ok := r.tx.st.byExternal[externalID]
	if !ok {
		return nil, nil
	}
	d := copyDevice(r.tx.st.devices[id])
	return &d, nil
}

func (r deviceRepo) Get(_ context.Context, id uuid.UUID) (*inventory.Device, error) {
	d, ok := r.tx.st.devices[id]
	if !ok {
		return nil, inventory.ErrDeviceNotFound
	}
	d = copyDevice(d)
	return &d, nil
}

func (r deviceRepo) List(_ context.Context, filter storage.DeviceFilter) ([]inventory.Device, error) {
	out := make([]inventory.Device, 0, len(r.tx.st.devices))
	for _, d := range r.tx.st.devices {
		if d.IsTest && !filter.IncludeTest {
			continue
		}
		out = append(out, copyDevice(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (r deviceRepo) Insert(_ context.Context, d *inventory.Device) error {
	if err := r.tx.fault("devices.insert"); err != nil {
		return err
	}
	if d == nil || d.ID == uuid.Nil || d.ExternalID == "" {
		return errors.New("memory: invalid device")
	}
	if _, exists := r.tx.st.byExternal[d.ExternalID]; exists {
		return fmt.Errorf("memory: duplicate external id %s", d.ExternalID)
	}
	r.tx.st.devices[d.ID] = copyDevice(*d)
	r.tx.st.byExternal[d.ExternalID] = d.ID
	return nil
}

func (r deviceRepo) Update(_ context.Context, d *inventory.Device) error {
	if err := r.tx.fault("devices.update"); err != nil {
		return err
	}
	if d == nil {
		return errors.New("memory: invalid device")
	}
	current, ok := r.tx.st.devices[d.ID]
	if !ok {
		return inventory.ErrDeviceNotFound
	}
	current.Name = d.Name
	current.DeviceType = d.DeviceType
	current.IsTest = d.IsTest
	current.InstalledAt = d.InstalledAt
	current.Metadata = d.Metadata.Clone()
	current.UpdatedAt = d.UpdatedAt
	r.tx.st.devices[d.ID] = copyDevice(current)
	return nil
}

func (r deviceRepo) SetStatus(_ context.Context, id uuid.UUID, s inventory.Status, at time.Time) error {
	if err := r.tx.fault("devices.set_status"); err != nil {
		return err
	}
	current, ok := r.tx.st.devices[id]
	if !ok {
		return inventory.ErrDeviceNotFound
	}
	current.Status = s
	current.UpdatedAt = at
	r.tx.st.devices[id] = current
	return nil
}

func (r deviceRepo) Touch(_ context.Context, id uuid.UUID, lastSeen time.Time, meta inventory.Metadata) error {
	if err := r.tx.fault("devices.touch"); err != nil {
		return err
	}
	current, ok := r.tx.st.devices[id]
	if !ok {
		return inventory.ErrDeviceNotFound
	}
	if current.LastSeen == nil || lastSeen.After(*current.LastSeen) {
		seen := lastSeen
		current.LastSeen = &seen
	}
	current.Metadata = current.Metadata.Clone().Merge(meta)
	current.UpdatedAt = lastSeen
	r.tx.st.devices[id] = current
	return nil
}

func (r deviceRepo) MaxInstalledAt(_ context.Context) (time.Time, bool, error) {
	var max time.Time
	found := false
	for _, d := range r.tx.st.devices {
		if d.InstalledAt == nil {
			continue
		}
		if !found || d.InstalledAt.After(max) {
			max = *d.InstalledAt
			found = true
		}
	}
	return max, found, nil
}

type intervalRepo struct{ tx *memTx }

func (r intervalRepo) FindOpen(_ context.Context, deviceID uuid.UUID) ([]status.Interval, error) {
	var out []status.Interval
	for _, iv := range r.tx.st.intervals {
		if iv.DeviceID == deviceID && iv.IsOpen() {
			out = append(out, iv)
		}
	}
	return out, nil
}

func (r intervalRepo) CloseOpen(_ context.Context, deviceID uuid.UUID, at time.Time) (int, error) {
	if err := r.tx.fault("intervals.close"); err != nil {
		return 0, err
	}
	closed := 0
	for i := range r.tx.st.intervals {
		iv := &r.tx.st.intervals[i]
		if iv.DeviceID != deviceID || !iv.IsOpen() {
			continue
		}
		if err := iv.Close(at); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

func (r intervalRepo) Insert(_ context.Context, iv status.Interval) error {
	if err := r.tx.fault("intervals.insert"); err != nil {
		return err
	}
	if iv.IsOpen() {
		for _, existing := range r.tx.st.intervals {
			if existing.DeviceID == iv.DeviceID && existing.IsOpen() {
				return ErrOpenIntervalExists
			}
		}
	}
	r.tx.st.intervals = append(r.tx.st.intervals, iv)
	return nil
}

func (r intervalRepo) ListOverlapping(_ context.Context, deviceID *uuid.UUID, from, to time.Time) ([]status.Interval, error) {
	var out []status.Interval
	for _, iv := range r.tx.st.intervals {
		if deviceID != nil && iv.DeviceID != *deviceID {
			continue
		}
		if !iv.StartedAt.Before(to) {
			continue
		}
		if iv.EndedAt != nil && !iv.EndedAt.After(from) {
			continue
		}
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

type sampleRepo struct{ tx *memTx }

func (r sampleRepo) Insert(_ context.Context, s telemetry.Sample) (bool, error) {
	if err := r.tx.fault("samples.insert"); err != nil {
		return false, err
	}
	if err := s.Validate(); err != nil {
		return false, err
	}
	for _, existing := range r.tx.st.samples {
		if existing.DeviceID == s.DeviceID && existing.Timestamp.Equal(s.Timestamp) {
			return false, nil
		}
	}
	r.tx.st.nextSampleID++
	s.ID = r.tx.st.nextSampleID
	r.tx.st.samples = append(r.tx.st.samples, s)
	return true, nil
}

func (r sampleRepo) ListBetween(_ context.Context, from, to time.Time) ([]telemetry.Sample, error) {
	var out []telemetry.Sample
	for _, s := range r.tx.st.samples {
		if !s.Timestamp.Before(from) && s.Timestamp.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r sampleRepo) ListOlderThan(_ context.Context, cutoff time.Time) ([]telemetry.Sample, error) {
	var out []telemetry.Sample
	for _, s := range r.tx.st.samples {
		if s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r sampleRepo) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	older, err := r.ListOlderThan(ctx, cutoff)
	return int64(len(older)), err
}

func (r sampleRepo) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	if err := r.tx.fault("samples.delete"); err != nil {
		return 0, err
	}
	kept := r.tx.st.samples[:0:0]
	var deleted int64
	for _, s := range r.tx.st.samples {
		if s.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, s)
	}
	r.tx.st.samples = kept
	return deleted, nil
}

type metricRepo struct{ tx *memTx }

func (r metricRepo) Insert(_ context.Context, metrics []telemetry.Metric) (int, error) {
	if err := r.tx.fault("metrics.insert"); err != nil {
		return 0, err
	}
	written := 0
	for _, m := range metrics {
		duplicate := false
		for _, existing := range r.tx.st.metrics {
			if existing.DeviceID == m.DeviceID && existing.Kind == m.Kind && existing.Timestamp.Equal(m.Timestamp) {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		r.tx.st.metrics = append(r.tx.st.metrics, m)
		written++
	}
	return written, nil
}

func (r metricRepo) ListBetween(_ context.Context, deviceID *uuid.UUID, kind string, from, to time.Time) ([]telemetry.Metric, error) {
	var out []telemetry.Metric
	for _, m := range r.tx.st.metrics {
		if deviceID != nil && m.DeviceID != *deviceID {
			continue
		}
		if m.Kind != kind || m.Timestamp.Before(from) || !m.Timestamp.Before(to) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

type windowRepo struct{ tx *memTx }

func (r windowRepo) Upsert(_ context.Context, w analytics.Window) error {
	if err := r.tx.fault("windows.upsert"); err != nil {
		return err
	}
	if err := w.Validate(); err != nil {
		return err
	}
	r.tx.st.windows[windowKey{deviceID: w.DeviceID, start: w.Start.UnixNano()}] = w
	return nil
}

func (r windowRepo) ListBetween(_ context.Context, from, to time.Time) ([]analytics.Window, error) {
	var out []analytics.Window
	for _, w := range r.tx.st.windows {
		if !w.Start.Before(from) && w.Start.Before(to) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].DeviceID.String() < out[j].DeviceID.String()
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

type kpiRepo struct{ tx *memTx }

func (r kpiRepo) Insert(_ context.Context, c analytics.Calculation) error {
	if err := r.tx.fault("kpis.insert"); err != nil {
		return err
	}
	r.tx.st.kpis = append(r.tx.st.kpis, c)
	return nil
}

func (r kpiRepo) ListRecent(_ context.Context, deviceID *uuid.UUID, limit int) ([]analytics.Calculation, error) {
	var out []analytics.Calculation
	for i := len(r.tx.st.kpis) - 1; i >= 0; i-- {
		c := r.tx.st.kpis[i]
		if deviceID != nil && (c.DeviceID == nil || *c.DeviceID != *deviceID) {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
