package device

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classtrack/internal/apperr"
)

type countingIssuer struct {
	mu    sync.Mutex
	calls int
}

func (c *countingIssuer) IssueDeviceToken(deviceID string) (string, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return deviceID + "-token-" + strconv.Itoa(c.calls), time.Now().Add(time.Hour), nil
}

func newTestRegistry() (*Registry, *MemoryRepository, *countingIssuer) {
	repo := NewMemoryRepository()
	iss := &countingIssuer{}
	return NewRegistry(repo, iss), repo, iss
}

func intPtr(v int) *int { return &v }

func TestRegister(t *testing.T) {
	reg, _, _ := newTestRegistry()
	ctx := context.Background()

	d, err := reg.Register(ctx, RegisterInput{
		DeviceID: "ESP32-101",
		Name:     "Room 101 Scanner",
		Type:     TypeFingerprintScanner,
		Location: "Room 101",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, UnknownFirmware, d.FirmwareVersion)
	assert.Equal(t, StatusOffline, d.Status)

	_, err = reg.Register(ctx, RegisterInput{
		DeviceID: "ESP32-101",
		Name:     "Other",
		Type:     TypeMultiSensor,
		Location: "Room 102",
	})
	assert.True(t, apperr.Is(err, apperr.KindDuplicate))
	assert.Equal(t, "Device ID already exists", apperr.Message(err))

	_, err = reg.Register(ctx, RegisterInput{DeviceID: "X", Name: "X", Type: "TOASTER", Location: "Lab"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestFindByDeviceIDNotFound(t *testing.T) {
	reg, _, _ := newTestRegistry()
	_, err := reg.FindByDeviceID(context.Background(), "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Equal(t, "Device not found", apperr.Message(err))
}

func TestUpsertStatusAutoRegisters(t *testing.T) {
	reg, repo, _ := newTestRegistry()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	reg.WithClock(func() time.Time { return at })

	d, created, err := reg.UpsertStatus(context.Background(), "ESP32-NEW", StatusUpdate{
		Battery: intPtr(87),
		Signal:  intPtr(-61),
		Status:  "maintenance",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, repo.Len())

	assert.Equal(t, "ESP32-NEW", d.Name)
	assert.Equal(t, TypeMultiSensor, d.Type)
	assert.Equal(t, UnassignedLocation, d.Location)
	assert.Equal(t, UnknownFirmware, d.FirmwareVersion)
	assert.Equal(t, StatusMaintenance, d.Status)
	require.NotNil(t, d.Battery)
	assert.Equal(t, 87, *d.Battery)
	require.NotNil(t, d.SignalUnit)
	assert.Equal(t, SignalDBm, *d.SignalUnit)
	require.NotNil(t, d.LastSeen)
	assert.Equal(t, at, *d.LastSeen)
}

func TestUpsertStatusKeepsOmittedFields(t *testing.T) {
	reg, _, _ := newTestRegistry()
	ctx := context.Background()

	_, _, err := reg.UpsertStatus(ctx, "ESP32-1", StatusUpdate{Battery: intPtr(50), Signal: intPtr(40), SignalUnit: SignalPercent})
	require.NoError(t, err)

	d, created, err := reg.UpsertStatus(ctx, "ESP32-1", StatusUpdate{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, StatusOnline, d.Status)
	require.NotNil(t, d.Battery)
	assert.Equal(t, 50, *d.Battery)
	require.NotNil(t, d.Signal)
	assert.Equal(t, 40, *d.Signal)
	assert.Equal(t, SignalPercent, *d.SignalUnit)
}

func TestUpsertStatusConcurrentPingsCreateOneDevice(t *testing.T) {
	reg, repo, _ := newTestRegistry()

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := reg.UpsertStatus(context.Background(), "ESP32-RACE", StatusUpdate{Battery: intPtr(90)})
			assert.NoError(t, err)
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, repo.Len())
	assert.Equal(t, 1, createdCount)
}

func TestProvisionIsIdempotentButMintsNewTokens(t *testing.T) {
	reg, repo, iss := newTestRegistry()
	ctx := context.Background()

	first, err := reg.Provision(ctx, ProvisionInput{DeviceID: "ESP32-LAB"})
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, first.Device.Status)
	assert.Equal(t, TypeMultiSensor, first.Device.Type)
	assert.Equal(t, UnassignedLocation, first.Device.Location)
	assert.Equal(t, "ESP32-LAB", first.Device.Name)

	second, err := reg.Provision(ctx, ProvisionInput{DeviceID: "ESP32-LAB", Name: "Renamed", Location: "Lab"})
	require.NoError(t, err)

	assert.Equal(t, 1, repo.Len())
	assert.Equal(t, first.Device.ID, second.Device.ID)
	assert.Equal(t, "ESP32-LAB", second.Device.Name)
	assert.NotEqual(t, first.Token, second.Token)
	assert.Equal(t, 2, iss.calls)

	_, err = reg.Provision(ctx, ProvisionInput{DeviceID: "  "})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestListFiltersByStatus(t *testing.T) {
	reg, _, _ := newTestRegistry()
	ctx := context.Background()

	_, _, err := reg.UpsertStatus(ctx, "B-online", StatusUpdate{})
	require.NoError(t, err)
	_, err = reg.Provision(ctx, ProvisionInput{DeviceID: "A-offline"})
	require.NoError(t, err)

	all, err := reg.List(ctx, "all")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "A-offline", all[0].Name)

	online, err := reg.List(ctx, "online")
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "B-online", online[0].DeviceID)

	none, err := reg.List(ctx, "MAINTENANCE")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}
