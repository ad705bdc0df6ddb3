package attendance

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"classtrack/internal/apperr"
	"classtrack/internal/device"
	"classtrack/internal/student"
)

// Status of a check-in. ABSENT is never written by ingestion; it only exists
// as the absence of a record against a roster.
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusLate    Status = "LATE"
	StatusAbsent  Status = "ABSENT"
)

// Record represents a recorded check-in. StudentID and DeviceID are the
// internal ids of the owning rows.
type Record struct {
	ID               string           `json:"id"`
	StudentID        string           `json:"studentId"`
	DeviceID         string           `json:"deviceId"`
	CheckInTime      time.Time        `json:"checkInTime"`
	Status           Status           `json:"status"`
	FingerprintMatch bool             `json:"fingerprintMatch"`
	Reliability      int              `json:"reliability"`
	CreatedAt        time.Time        `json:"createdAt"`
	Student          *student.Student `json:"student,omitempty"`
	Device           *device.Device   `json:"device,omitempty"`
}

// Cutoff is a time of day, in seconds after midnight.
type Cutoff int

// DefaultCutoff is 08:30.
const DefaultCutoff Cutoff = 8*3600 + 30*60

// ParseCutoff reads "HH:MM" or "HH:MM:SS".
func ParseCutoff(s string) (Cutoff, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, errors.Errorf("invalid cutoff %q", s)
	}
	limits := []int{23, 59, 59}
	total := 0
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > limits[i] {
			return 0, errors.Errorf("invalid cutoff %q", s)
		}
		total += v * []int{3600, 60, 1}[i]
	}
	return Cutoff(total), nil
}

func (c Cutoff) String() string {
	h, m, s := int(c)/3600, int(c)%3600/60, int(c)%60
	if s == 0 {
		return pad(h) + ":" + pad(m)
	}
	return pad(h) + ":" + pad(m) + ":" + pad(s)
}

func pad(v int) string {
	if v < 10 {
		return "0" + strconv.Itoa(v)
	}
	return strconv.Itoa(v)
}

// StatusAt derives the status of a check-in at t: PRESENT up to and including
// the cutoff second in loc, LATE afterwards.
func StatusAt(t time.Time, cutoff Cutoff, loc *time.Location) Status {
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)
	secs := local.Hour()*3600 + local.Minute()*60 + local.Second()
	if secs <= int(cutoff) {
		return StatusPresent
	}
	return StatusLate
}

// StudentResolver resolves a student or fails with "Student not found".
type StudentResolver interface {
	Find(ctx context.Context, studentID string) (student.Student, error)
}

// DeviceResolver resolves a device or fails with "Device not found".
type DeviceResolver interface {
	FindByDeviceID(ctx context.Context, deviceID string) (device.Device, error)
}

// CheckIn is a validated attendance submission. Reliability is nil when the
// device did not send one.
type CheckIn struct {
	StudentID        string
	DeviceID         string
	FingerprintMatch bool
	Reliability      *int
}

// Result of an evaluation. Duplicate is set when the policy returned an
// existing record instead of writing a new one.
type Result struct {
	Record    Record
	Duplicate bool
}

// Options configure an Evaluator.
type Options struct {
	Cutoff             Cutoff
	Location           *time.Location
	DefaultReliability int
	Policy             DuplicatePolicy
}

// Evaluator turns check-ins into status-tagged attendance records.
type Evaluator struct {
	students    StudentResolver
	devices     DeviceResolver
	repo        Repository
	policy      DuplicatePolicy
	cutoff      Cutoff
	loc         *time.Location
	reliability int
	now         func() time.Time
	locks       [32]sync.Mutex
}

// NewEvaluator creates an evaluator; zero options fall back to 08:30 local
// time, reliability 98 and no duplicate guard.
func NewEvaluator(students StudentResolver, devices DeviceResolver, repo Repository, opts Options) *Evaluator {
	if opts.Cutoff <= 0 {
		opts.Cutoff = DefaultCutoff
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.DefaultReliability <= 0 {
		opts.DefaultReliability = 98
	}
	if opts.Policy == nil {
		opts.Policy = AllowAll{}
	}
	return &Evaluator{
		students:    students,
		devices:     devices,
		repo:        repo,
		policy:      opts.Policy,
		cutoff:      opts.Cutoff,
		loc:         opts.Location,
		reliability: opts.DefaultReliability,
		now:         time.Now,
	}
}

// WithClock overrides the time source.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Record resolves the student and the device, derives the status from the
// current time and writes a new record. Nothing is written when either
// lookup fails.
func (e *Evaluator) Record(ctx context.Context, in CheckIn) (Result, error) {
	st, err := e.students.Find(ctx, in.StudentID)
	if err != nil {
		return Result{}, err
	}
	dev, err := e.devices.FindByDeviceID(ctx, in.DeviceID)
	if err != nil {
		return Result{}, err
	}

	// the duplicate lookup and the insert run under the student's lock so
	// concurrent retries see each other. Other processes are not covered.
	mu := e.studentLock(st.ID)
	mu.Lock()
	defer mu.Unlock()

	now := e.now()
	existing, err := e.policy.Existing(ctx, e.repo, st.ID, now)
	if err != nil {
		return Result{}, apperr.Persistence(err, "Failed to record attendance")
	}
	if existing != nil {
		existing.Student = &st
		return Result{Record: *existing, Duplicate: true}, nil
	}

	reliability := e.reliability
	if in.Reliability != nil {
		reliability = *in.Reliability
	}
	rec, err := e.repo.Insert(ctx, Record{
		StudentID:        st.ID,
		DeviceID:         dev.ID,
		CheckInTime:      now.UTC(),
		Status:           StatusAt(now, e.cutoff, e.loc),
		FingerprintMatch: in.FingerprintMatch,
		Reliability:      reliability,
		Student:          &st,
		Device:           &dev,
	})
	if err != nil {
		return Result{}, apperr.Persistence(err, "Failed to record attendance")
	}
	rec.Student = &st
	rec.Device = nil
	return Result{Record: rec}, nil
}

func (e *Evaluator) studentLock(studentPK string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(studentPK))
	return &e.locks[h.Sum32()%uint32(len(e.locks))]
}

// List returns records for the dashboard.
func (e *Evaluator) List(ctx context.Context, f ListFilter) ([]Record, error) {
	if strings.EqualFold(f.Class, "all") {
		f.Class = ""
	}
	res, err := e.repo.List(ctx, f)
	if err != nil {
		return nil, apperr.Persistence(err, "Failed to fetch attendance records")
	}
	if res == nil {
		res = []Record{}
	}
	return res, nil
}

// Day returns the [start, end) bounds of the calendar day containing t in
// the evaluator's zone.
func (e *Evaluator) Day(t time.Time) (time.Time, time.Time) {
	local := t.In(e.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.loc)
	return start, start.AddDate(0, 0, 1)
}

// Location is the zone the cutoff is evaluated in.
func (e *Evaluator) Location() *time.Location { return e.loc }

// Stats counts records by status between from and to; zero bounds select all.
func (e *Evaluator) Stats(ctx context.Context, from, to time.Time) (Stats, error) {
	s, err := e.repo.Stats(ctx, from, to)
	if err != nil {
		return Stats{}, apperr.Persistence(err, "Failed to fetch attendance statistics")
	}
	s.PresentRate = "0.0"
	if s.Total > 0 {
		s.PresentRate = strconv.FormatFloat(float64(s.Present)/float64(s.Total)*100, 'f', 1, 64)
	}
	return s, nil
}

// DuplicatePolicy decides whether a check-in repeats an earlier one. It
// returns the earlier record to reuse, or nil to write a new one.
type DuplicatePolicy interface {
	Existing(ctx context.Context, repo Repository, studentPK string, at time.Time) (*Record, error)
}

// AllowAll records every check-in. Students may check in several times a day.
type AllowAll struct{}

func (AllowAll) Existing(context.Context, Repository, string, time.Time) (*Record, error) {
	return nil, nil
}

// WindowPolicy reuses the student's latest record when it is younger than
// Window.
type WindowPolicy struct {
	Window time.Duration
}

func (w WindowPolicy) Existing(ctx context.Context, repo Repository, studentPK string, at time.Time) (*Record, error) {
	return repo.LatestForStudent(ctx, studentPK, at.Add(-w.Window))
}
