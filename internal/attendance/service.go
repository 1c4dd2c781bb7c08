package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"presenza/internal/metrics"
	"presenza/internal/token"
)

// ScanOutcome is the result of a scan attempt. Only ScanMarked changes state.
type ScanOutcome string

const (
	ScanMarked          ScanOutcome = "marked"
	ScanInvalidToken    ScanOutcome = "invalid_token"
	ScanDuplicate       ScanOutcome = "duplicate"
	ScanSessionNotFound ScanOutcome = "session_not_found"
)

// ScanRequest is a student's submission of a displayed code.
type ScanRequest struct {
	StudentID   string
	AdminID     string
	SubjectCode string
	SlotName    string
	Code        string
}

// ScanResult reports the scan outcome and, for marked scans, the daily reconciliation.
type ScanResult struct {
	Outcome   ScanOutcome     `json:"outcome"`
	Presence  *SlotPresence   `json:"presence,omitempty"`
	Daily     *Reconciliation `json:"daily,omitempty"`
	Scheduled int             `json:"scheduled_slots"`
	Confirmed int             `json:"confirmed_slots"`
}

// OpenedSession is a session plus the code to show right now.
type OpenedSession struct {
	Session ScanSession
	Created bool
	Code    token.DisplayCode
}

// ManualMark is a daily verdict entered by a person rather than derived from scans.
type ManualMark struct {
	StudentID string
	AdminID   string
	Day       string
	Status    Status
	Source    Source
	MarkedBy  string
	// Override replaces an existing record instead of leaving it in place.
	Override bool
}

// MarkResult reports whether a manual mark was written.
type MarkResult struct {
	Record  DailyRecord `json:"record"`
	Written bool        `json:"written"`
}

// Service coordinates the session lifecycle, scan verification and daily rollup.
type Service struct {
	store  Store
	tokens *token.Engine
	agg    *Aggregator
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the timezone calendar days are computed in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a service backed by store and tokens.
func NewService(store Store, tokens *token.Engine, opts ...Option) *Service {
	s := &Service{
		store:  store,
		tokens: tokens,
		loc:    time.UTC,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.agg = NewAggregator(store, s.now, s.logger)
	return s
}

// Aggregator exposes the rollup engine.
func (s *Service) Aggregator() *Aggregator { return s.agg }

// Today returns the current calendar day in the service timezone.
func (s *Service) Today() string { return DayOf(s.now(), s.loc) }

// CleanupExpired deletes sessions dated strictly before asOf.
func (s *Service) CleanupExpired(ctx context.Context, asOf string) (int64, error) {
	n, err := s.store.DeleteSessionsBefore(ctx, asOf)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.SessionsExpired.Add(float64(n))
		s.logger.Info("expired scan sessions removed", "count", n, "before", asOf)
	}
	return n, nil
}

// OpenSession sweeps expired sessions, then returns today's session for (admin, subject, slot),
// minting a secret only if none exists.
func (s *Service) OpenSession(ctx context.Context, adminID, subject, slot string) (OpenedSession, error) {
	if adminID == "" || subject == "" || slot == "" {
		return OpenedSession{}, errors.New("admin, subject and slot required")
	}
	now := s.now()
	today := DayOf(now, s.loc)
	if _, err := s.CleanupExpired(ctx, today); err != nil {
		return OpenedSession{}, err
	}

	secret, err := token.NewSecret()
	if err != nil {
		return OpenedSession{}, fmt.Errorf("mint secret: %w", err)
	}
	sess, created, err := s.store.FindOrCreateSession(ctx, ScanSession{
		ID:          uuid.NewString(),
		AdminID:     adminID,
		SubjectCode: subject,
		SlotName:    slot,
		Day:         today,
		Secret:      secret,
		CreatedAt:   now.UTC(),
	})
	if err != nil {
		return OpenedSession{}, err
	}
	metrics.SessionsOpened.WithLabelValues(strconv.FormatBool(created)).Inc()
	if created {
		s.logger.Info("scan session opened", "admin_id", adminID, "subject", subject, "slot", slot, "day", today)
	}
	return OpenedSession{Session: sess, Created: created, Code: s.tokens.Display(sess.Secret, now)}, nil
}

// DisplayCode re-derives the current code for today's existing session.
func (s *Service) DisplayCode(ctx context.Context, adminID, subject, slot string) (token.DisplayCode, error) {
	now := s.now()
	sess, err := s.store.GetSession(ctx, SessionKey{AdminID: adminID, SubjectCode: subject, SlotName: slot, Day: DayOf(now, s.loc)})
	if err != nil {
		return token.DisplayCode{}, err
	}
	return s.GenerateDisplayCode(sess, now), nil
}

// GenerateDisplayCode returns the code for sess at now.
func (s *Service) GenerateDisplayCode(sess ScanSession, now time.Time) token.DisplayCode {
	return s.tokens.Display(sess.Secret, now)
}

// VerifyScan checks candidate against sess at now.
func (s *Service) VerifyScan(sess ScanSession, candidate string, now time.Time) bool {
	return s.tokens.Verify(sess.Secret, strings.TrimSpace(candidate), now)
}

// Scan verifies a code, records the slot presence and reconciles the student's day.
// Invalid codes, duplicates and missing sessions are outcomes, not errors.
func (s *Service) Scan(ctx context.Context, req ScanRequest) (ScanResult, error) {
	if req.StudentID == "" || req.AdminID == "" || req.SubjectCode == "" || req.SlotName == "" {
		return ScanResult{}, errors.New("student, admin, subject and slot required")
	}
	now := s.now()
	today := DayOf(now, s.loc)

	sess, err := s.store.GetSession(ctx, SessionKey{AdminID: req.AdminID, SubjectCode: req.SubjectCode, SlotName: req.SlotName, Day: today})
	if errors.Is(err, ErrSessionNotFound) {
		return s.scanOutcome(ScanResult{Outcome: ScanSessionNotFound}), nil
	}
	if err != nil {
		return ScanResult{}, err
	}

	if !s.VerifyScan(sess, req.Code, now) {
		return s.scanOutcome(ScanResult{Outcome: ScanInvalidToken}), nil
	}

	p := SlotPresence{
		ID:          uuid.NewString(),
		StudentID:   req.StudentID,
		AdminID:     req.AdminID,
		SubjectCode: req.SubjectCode,
		SlotName:    req.SlotName,
		Day:         today,
		ScannedAt:   now.UTC(),
	}
	if err := s.store.InsertSlotPresence(ctx, p); err != nil {
		if errors.Is(err, ErrDuplicateScan) {
			return s.scanOutcome(ScanResult{Outcome: ScanDuplicate}), nil
		}
		return ScanResult{}, err
	}

	rec, scheduled, confirmed, err := s.reconcile(ctx, req.StudentID, req.AdminID, today)
	if err != nil {
		return ScanResult{}, err
	}
	return s.scanOutcome(ScanResult{
		Outcome:   ScanMarked,
		Presence:  &p,
		Daily:     &rec,
		Scheduled: scheduled,
		Confirmed: confirmed,
	}), nil
}

func (s *Service) scanOutcome(res ScanResult) ScanResult {
	metrics.Scans.WithLabelValues(string(res.Outcome)).Inc()
	return res
}

func (s *Service) reconcile(ctx context.Context, studentID, adminID, day string) (Reconciliation, int, int, error) {
	weekday, err := WeekdayOf(day)
	if err != nil {
		return Reconciliation{}, 0, 0, err
	}
	scheduled, err := s.store.CountScheduledSlots(ctx, adminID, weekday)
	if err != nil {
		return Reconciliation{}, 0, 0, err
	}
	confirmed, err := s.store.CountScheduledPresences(ctx, studentID, adminID, day, weekday)
	if err != nil {
		return Reconciliation{}, 0, 0, err
	}
	rec, err := s.agg.ReconcileDaily(ctx, adminID, studentID, day, scheduled, confirmed)
	return rec, scheduled, confirmed, err
}

// RecomputeDay reconciles every student with presences under adminID on day.
// It only adds records; students already recorded are left alone.
func (s *Service) RecomputeDay(ctx context.Context, adminID, day string) (map[ReconcileOutcome]int, error) {
	students, err := s.store.StudentsWithPresences(ctx, adminID, day)
	if err != nil {
		return nil, err
	}
	counts := make(map[ReconcileOutcome]int)
	for _, id := range students {
		rec, _, _, err := s.reconcile(ctx, id, adminID, day)
		if err != nil {
			return counts, fmt.Errorf("reconcile %s: %w", id, err)
		}
		counts[rec.Outcome]++
	}
	s.logger.Info("day recomputed", "admin_id", adminID, "day", day, "students", len(students),
		"created", counts[ReconcileCreated])
	return counts, nil
}

// SetTimetableEntry schedules subject in slot on weekday for adminID.
func (s *Service) SetTimetableEntry(ctx context.Context, e TimetableEntry) error {
	wd, ok := parseWeekday(e.Weekday)
	if !ok {
		return fmt.Errorf("invalid weekday %q", e.Weekday)
	}
	if e.AdminID == "" || e.SlotName == "" || e.SubjectCode == "" {
		return errors.New("admin, slot and subject required")
	}
	e.Weekday = wd
	return s.store.UpsertTimetableEntry(ctx, e)
}

func parseWeekday(name string) (string, bool) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), strings.TrimSpace(name)) {
			return d.String(), true
		}
	}
	return "", false
}

// MarkDaily records a manual verdict. Without Override an existing record wins.
func (s *Service) MarkDaily(ctx context.Context, m ManualMark) (MarkResult, error) {
	if m.StudentID == "" || m.AdminID == "" {
		return MarkResult{}, errors.New("student and admin required")
	}
	if !m.Status.Valid() {
		return MarkResult{}, ErrInvalidStatus
	}
	if m.Source != SourceCRScan && m.Source != SourceAdmin {
		return MarkResult{}, fmt.Errorf("source %q cannot mark daily attendance", m.Source)
	}
	day, err := s.dayOrToday(m.Day)
	if err != nil {
		return MarkResult{}, err
	}
	m.Day = day

	rec := DailyRecord{
		ID:        uuid.NewString(),
		StudentID: m.StudentID,
		AdminID:   m.AdminID,
		Day:       m.Day,
		Status:    m.Status,
		Source:    m.Source,
		MarkedBy:  m.MarkedBy,
		CreatedAt: s.now().UTC(),
	}
	if m.Override {
		stored, err := s.store.UpsertDaily(ctx, rec)
		if err != nil {
			return MarkResult{}, err
		}
		metrics.DailyRecords.WithLabelValues(string(m.Source)).Inc()
		s.logger.Info("daily attendance overridden", "student_id", m.StudentID, "day", m.Day, "status", m.Status, "by", m.MarkedBy)
		return MarkResult{Record: stored, Written: true}, nil
	}

	created, err := s.store.InsertDailyIfAbsent(ctx, rec)
	if err != nil {
		return MarkResult{}, err
	}
	if !created {
		existing, err := s.store.GetDaily(ctx, m.StudentID, m.Day)
		if err != nil {
			return MarkResult{}, err
		}
		if existing != nil {
			rec = *existing
		}
		return MarkResult{Record: rec, Written: false}, nil
	}
	metrics.DailyRecords.WithLabelValues(string(m.Source)).Inc()
	return MarkResult{Record: rec, Written: true}, nil
}

// DailyRecords lists adminID's daily records on day.
func (s *Service) DailyRecords(ctx context.Context, adminID, day string) ([]DailyRecord, error) {
	if day == "" {
		day = s.Today()
	}
	return s.store.ListDaily(ctx, adminID, day)
}

// StudentDay reports studentID's daily verdict on day, defaulting to today.
func (s *Service) StudentDay(ctx context.Context, studentID, day string) (DayStatus, error) {
	if studentID == "" {
		return DayStatus{}, errors.New("student required")
	}
	day, err := s.dayOrToday(day)
	if err != nil {
		return DayStatus{}, err
	}
	rec, err := s.store.GetDaily(ctx, studentID, day)
	if err != nil {
		return DayStatus{}, err
	}
	if rec == nil {
		return DayStatus{Day: day, Status: NotMarked}, nil
	}
	return DayStatus{Day: day, Status: string(rec.Status), Source: rec.Source}, nil
}

// SlotCounts reports how many students were present in each of adminID's timetabled slots on day.
func (s *Service) SlotCounts(ctx context.Context, adminID, day string) ([]SlotCount, error) {
	if adminID == "" {
		return nil, errors.New("admin required")
	}
	day, err := s.dayOrToday(day)
	if err != nil {
		return nil, err
	}
	weekday, err := WeekdayOf(day)
	if err != nil {
		return nil, err
	}
	return s.store.SlotCounts(ctx, adminID, weekday, day)
}

func (s *Service) dayOrToday(day string) (string, error) {
	if day == "" {
		return s.Today(), nil
	}
	if _, err := time.Parse(DayLayout, day); err != nil {
		return "", fmt.Errorf("invalid day %q", day)
	}
	return day, nil
}
