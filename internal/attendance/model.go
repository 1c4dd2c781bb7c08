package attendance

import (
	"errors"
	"time"
)

// DayLayout is how calendar dates are stored and exchanged.
const DayLayout = "2006-01-02"

var (
	ErrSessionNotFound  = errors.New("scan session not found")
	ErrDuplicateScan    = errors.New("attendance already marked")
	ErrInvalidStatus    = errors.New("invalid attendance status")
	ErrStoreUnavailable = errors.New("attendance store unavailable")
)

// Status is a daily verdict.
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusAbsent  Status = "ABSENT"
	StatusOD      Status = "OD"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusOD:
		return true
	}
	return false
}

// Source records how a daily record came to exist.
type Source string

const (
	SourceAuto   Source = "AUTO"
	SourceCRScan Source = "CR_SCAN"
	SourceAdmin  Source = "ADMIN"
)

// SessionKey identifies a scan session.
type SessionKey struct {
	AdminID     string
	SubjectCode string
	SlotName    string
	Day         string
}

// ScanSession is one live opportunity to mark presence for a (subject, slot, day).
type ScanSession struct {
	ID          string    `db:"id" json:"session_id"`
	AdminID     string    `db:"admin_id" json:"admin_id"`
	SubjectCode string    `db:"subject_code" json:"subject"`
	SlotName    string    `db:"slot_name" json:"slot"`
	Day         string    `db:"day" json:"date"`
	Secret      string    `db:"secret" json:"-"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Key returns the session's uniqueness tuple.
func (s ScanSession) Key() SessionKey {
	return SessionKey{AdminID: s.AdminID, SubjectCode: s.SubjectCode, SlotName: s.SlotName, Day: s.Day}
}

// SlotPresence confirms a student scanned into one slot on one day.
type SlotPresence struct {
	ID          string    `db:"id" json:"id"`
	StudentID   string    `db:"student_id" json:"student_id"`
	AdminID     string    `db:"admin_id" json:"admin_id"`
	SubjectCode string    `db:"subject_code" json:"subject"`
	SlotName    string    `db:"slot_name" json:"slot"`
	Day         string    `db:"day" json:"date"`
	ScannedAt   time.Time `db:"scanned_at" json:"scanned_at"`
}

// DailyRecord is the single authoritative verdict for a student on a day.
type DailyRecord struct {
	ID        string    `db:"id" json:"id"`
	StudentID string    `db:"student_id" json:"student_id"`
	AdminID   string    `db:"admin_id" json:"admin_id"`
	Day       string    `db:"day" json:"date"`
	Status    Status    `db:"status" json:"status"`
	Source    Source    `db:"source" json:"source"`
	MarkedBy  string    `db:"marked_by" json:"marked_by,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// TimetableEntry schedules one slot on a weekday.
type TimetableEntry struct {
	AdminID     string `db:"admin_id" json:"admin_id"`
	Weekday     string `db:"weekday" json:"weekday"`
	SlotName    string `db:"slot_name" json:"slot"`
	SubjectCode string `db:"subject_code" json:"subject"`
}

// SlotCount is the number of students present in one timetabled slot on a day.
type SlotCount struct {
	SlotName    string `db:"slot_name" json:"slot"`
	SubjectCode string `db:"subject_code" json:"subject"`
	Present     int    `db:"present" json:"present"`
}

// NotMarked is reported for a student with no daily record yet.
const NotMarked = "NOT_MARKED"

// DayStatus is a student's verdict for one day, NotMarked until a record exists.
type DayStatus struct {
	Day    string `json:"date"`
	Status string `json:"status"`
	Source Source `json:"source,omitempty"`
}

// DayOf formats t's calendar date in loc.
func DayOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DayLayout)
}

// WeekdayOf returns the weekday name for a stored day, e.g. "Monday".
func WeekdayOf(day string) (string, error) {
	t, err := time.Parse(DayLayout, day)
	if err != nil {
		return "", err
	}
	return t.Weekday().String(), nil
}
