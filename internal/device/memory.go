package device

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a mutex-guarded in-memory store for dev/testing.
type MemoryRepository struct {
	mu      sync.Mutex
	devices map[string]*Device
	now     func() time.Time
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{devices: make(map[string]*Device), now: time.Now}
}

func (m *MemoryRepository) FindByDeviceID(_ context.Context, deviceID string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryRepository) Insert(_ context.Context, d Device) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.DeviceID]; ok {
		return Device{}, ErrDuplicate
	}
	return m.insertLocked(d), nil
}

func (m *MemoryRepository) EnsureExists(_ context.Context, d Device) (Device, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.devices[d.DeviceID]; ok {
		return *existing, false, nil
	}
	return m.insertLocked(d), true, nil
}

func (m *MemoryRepository) insertLocked(d Device) Device {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := m.now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	stored := d
	m.devices[d.DeviceID] = &stored
	return stored
}

func (m *MemoryRepository) ApplyStatus(_ context.Context, deviceID string, u StatusUpdate) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return Device{}, sql.ErrNoRows
	}
	if u.Battery != nil {
		v := *u.Battery
		d.Battery = &v
	}
	if u.Signal != nil {
		v := *u.Signal
		unit := u.SignalUnit
		d.Signal, d.SignalUnit = &v, &unit
	}
	if u.Uptime != nil {
		v := *u.Uptime
		d.Uptime = &v
	}
	at := u.At
	d.Status = u.Status
	d.LastSeen = &at
	d.UpdatedAt = m.now().UTC()
	return *d, nil
}

func (m *MemoryRepository) Touch(_ context.Context, deviceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[deviceID]; ok {
		d.LastSeen = &at
	}
	return nil
}

func (m *MemoryRepository) List(_ context.Context, status string) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Device
	for _, d := range m.devices {
		if status == "" || d.Status == status {
			res = append(res, *d)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

// Len returns the number of stored devices.
func (m *MemoryRepository) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}
