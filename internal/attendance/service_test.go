package attendance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classtrack/internal/apperr"
	"classtrack/internal/device"
	"classtrack/internal/student"
)

func TestParseCutoff(t *testing.T) {
	tests := []struct {
		in      string
		want    Cutoff
		wantErr bool
	}{
		{"08:30", DefaultCutoff, false},
		{"08:30:15", DefaultCutoff + 15, false},
		{" 9:05 ", 9*3600 + 5*60, false},
		{"24:00", 0, true},
		{"08:60", 0, true},
		{"0830", 0, true},
		{"aa:bb", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCutoff(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "08:30", DefaultCutoff.String())
	assert.Equal(t, "08:30:15", (DefaultCutoff + 15).String())
}

func TestStatusAt(t *testing.T) {
	loc := time.FixedZone("school", 2*3600)
	at := func(h, m, s, ns int) time.Time { return time.Date(2026, 3, 2, h, m, s, ns, loc) }

	tests := []struct {
		name string
		t    time.Time
		want Status
	}{
		{"early morning", at(6, 0, 0, 0), StatusPresent},
		{"exactly cutoff", at(8, 30, 0, 0), StatusPresent},
		{"within cutoff second", at(8, 30, 0, 999_999_999), StatusPresent},
		{"one second late", at(8, 30, 1, 0), StatusLate},
		{"afternoon", at(14, 0, 0, 0), StatusLate},
		{"just before midnight", at(23, 59, 59, 0), StatusLate},
		{"midnight", at(0, 0, 0, 0), StatusPresent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusAt(tt.t, DefaultCutoff, loc))
		})
	}

	// the same instant is judged in the configured zone, not UTC
	utc := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	assert.Equal(t, StatusPresent, StatusAt(utc, DefaultCutoff, time.UTC))
	assert.Equal(t, StatusLate, StatusAt(utc, DefaultCutoff, loc))
}

type fixture struct {
	eval     *Evaluator
	repo     *MemoryRepository
	students *student.Service
	devices  *device.Registry
	clock    time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		repo:     NewMemoryRepository(),
		students: student.NewService(student.NewMemoryRepository()),
		devices:  device.NewRegistry(device.NewMemoryRepository(), nil),
		clock:    time.Date(2026, 3, 2, 8, 15, 0, 0, time.UTC),
	}
	_, err := f.students.Create(ctx, student.Student{StudentID: "STU0001", Name: "Ada", Class: "10A"})
	require.NoError(t, err)
	_, err = f.students.Create(ctx, student.Student{StudentID: "STU0002", Name: "Grace", Class: "11B"})
	require.NoError(t, err)
	_, err = f.devices.Register(ctx, device.RegisterInput{
		DeviceID: "ESP32-101", Name: "Room 101", Type: device.TypeFingerprintScanner, Location: "Room 101",
	})
	require.NoError(t, err)

	if opts.Location == nil {
		opts.Location = time.UTC
	}
	f.eval = NewEvaluator(f.students, f.devices, f.repo, opts).WithClock(func() time.Time { return f.clock })
	return f
}

func TestRecordPresentThenLate(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	res, err := f.eval.Record(ctx, CheckIn{StudentID: "STU0001", DeviceID: "ESP32-101", FingerprintMatch: true})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, StatusPresent, res.Record.Status)
	assert.Equal(t, 98, res.Record.Reliability)
	assert.True(t, res.Record.FingerprintMatch)
	require.NotNil(t, res.Record.Student)
	assert.Equal(t, "Ada", res.Record.Student.Name)

	f.clock = time.Date(2026, 3, 2, 8, 45, 0, 0, time.UTC)
	reliability := 71
	res, err = f.eval.Record(ctx, CheckIn{StudentID: "STU0001", DeviceID: "ESP32-101", Reliability: &reliability})
	require.NoError(t, err)
	assert.Equal(t, StatusLate, res.Record.Status)
	assert.Equal(t, 71, res.Record.Reliability)

	// no same-day guard by default
	assert.Equal(t, 2, f.repo.Len())
}

func TestRecordUnknownStudentWritesNothing(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.eval.Record(context.Background(), CheckIn{StudentID: "STU9999", DeviceID: "ESP32-101", FingerprintMatch: true})

	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Equal(t, "Student not found", apperr.Message(err))
	assert.Zero(t, f.repo.Len())
}

func TestRecordUnknownDeviceWritesNothing(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.eval.Record(context.Background(), CheckIn{StudentID: "STU0001", DeviceID: "ESP32-GHOST", FingerprintMatch: true})

	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Equal(t, "Device not found", apperr.Message(err))
	assert.Zero(t, f.repo.Len())
}

func TestRecordHonoursCustomCutoffAndZone(t *testing.T) {
	cutoff, err := ParseCutoff("09:00")
	require.NoError(t, err)
	f := newFixture(t, Options{Cutoff: cutoff, Location: time.FixedZone("UTC+1", 3600)})

	// 07:50 UTC is 08:50 local, before a 09:00 cutoff
	f.clock = time.Date(2026, 3, 2, 7, 50, 0, 0, time.UTC)
	res, err := f.eval.Record(context.Background(), CheckIn{StudentID: "STU0001", DeviceID: "ESP32-101"})
	require.NoError(t, err)
	assert.Equal(t, StatusPresent, res.Record.Status)
}

func TestWindowPolicyReturnsExistingRecord(t *testing.T) {
	f := newFixture(t, Options{Policy: WindowPolicy{Window: 10 * time.Minute}})
	ctx := context.Background()

	first, err := f.eval.Record(ctx, CheckIn{StudentID: "STU0001", DeviceID: "ESP32-101", FingerprintMatch: true})
	require.NoError(t, err)

	f.clock = f.clock.Add(5 * time.Minute)
	second, err := f.eval.Record(ctx, CheckIn{StudentID: "STU0001", DeviceID: "ESP32-101", FingerprintMatch: true})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Record.ID, second.Record.ID)

	other, err := f.eval.Record(ctx, CheckIn{StudentID: "STU0002", DeviceID: "ESP32-101"})
	require.NoError(t, err)
	assert.False(t, other.Duplicate)

	f.clock = f.clock.Add(6 * time.Minute)
	third, err := f.eval.Record(ctx, CheckIn{StudentID: "STU0001", DeviceID: "ESP32-101"})
	require.NoError(t, err)
	assert.False(t, third.Duplicate)
	assert.Equal(t, 3, f.repo.Len())
}

func TestWindowPolicyConcurrentRetries(t *testing.T) {
	f := newFixture(t, Options{Policy: WindowPolicy{Window: 10 * time.Minute}})
	ctx := context.Background()

	const retries = 16
	var wg sync.WaitGroup
	results := make([]Result, retries)
	errs := make([]error, retries)
	for i := 0; i < retries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.eval.Record(ctx, CheckIn{StudentID: "STU0001", DeviceID: "ESP32-101", FingerprintMatch: true})
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := range results {
		require.NoError(t, errs[i])
		if !results[i].Duplicate {
			fresh++
		}
		assert.Equal(t, results[0].Record.ID, results[i].Record.ID)
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 1, f.repo.Len())
}

func TestListAndStats(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.eval.Record(ctx, CheckIn{StudentID: "STU0001", DeviceID: "ESP32-101"})
	require.NoError(t, err)
	f.clock = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	_, err = f.eval.Record(ctx, CheckIn{StudentID: "STU0002", DeviceID: "ESP32-101"})
	require.NoError(t, err)
	f.clock = time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	_, err = f.eval.Record(ctx, CheckIn{StudentID: "STU0001", DeviceID: "ESP32-101"})
	require.NoError(t, err)

	from, to := f.eval.Day(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	day, err := f.eval.List(ctx, ListFilter{From: from, To: to})
	require.NoError(t, err)
	require.Len(t, day, 2)
	assert.Equal(t, "Grace", day[0].Student.Name)
	require.NotNil(t, day[0].Device)
	assert.Equal(t, "ESP32-101", day[0].Device.DeviceID)

	tenA, err := f.eval.List(ctx, ListFilter{Class: "10A"})
	require.NoError(t, err)
	assert.Len(t, tenA, 2)

	all, err := f.eval.List(ctx, ListFilter{Class: "all"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	stats, err := f.eval.Stats(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Present: 2, Late: 1, PresentRate: "66.7"}, stats)

	empty, err := NewEvaluator(f.students, f.devices, NewMemoryRepository(), Options{}).Stats(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "0.0", empty.PresentRate)
}
