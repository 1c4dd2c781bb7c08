package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Repository persists attendance data in Postgres or SQLite.
// Uniqueness rules live in the schema; inserts use ON CONFLICT DO NOTHING and inspect rows affected.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a repo.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

const sessionColumns = `id, admin_id, subject_code, slot_name, day, secret, created_at`

// FindOrCreateSession inserts s unless its key is taken, then returns whichever row is stored.
func (r *Repository) FindOrCreateSession(ctx context.Context, s ScanSession) (ScanSession, bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO scan_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (admin_id, subject_code, slot_name, day) DO NOTHING
	`), s.ID, s.AdminID, s.SubjectCode, s.SlotName, s.Day, s.Secret, s.CreatedAt)
	if err != nil {
		return ScanSession{}, false, unavailable("insert session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ScanSession{}, false, unavailable("insert session", err)
	}
	stored, err := r.GetSession(ctx, s.Key())
	if err != nil {
		return ScanSession{}, false, err
	}
	return stored, n == 1, nil
}

// GetSession returns the session for key or ErrSessionNotFound.
func (r *Repository) GetSession(ctx context.Context, key SessionKey) (ScanSession, error) {
	var s ScanSession
	err := r.db.GetContext(ctx, &s, r.db.Rebind(`
		SELECT `+sessionColumns+` FROM scan_sessions
		WHERE admin_id = ? AND subject_code = ? AND slot_name = ? AND day = ?
	`), key.AdminID, key.SubjectCode, key.SlotName, key.Day)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ScanSession{}, ErrSessionNotFound
		}
		return ScanSession{}, unavailable("get session", err)
	}
	return s, nil
}

// DeleteSessionsBefore removes sessions dated strictly before day.
func (r *Repository) DeleteSessionsBefore(ctx context.Context, day string) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM scan_sessions WHERE day < ?`), day)
	if err != nil {
		return 0, unavailable("delete sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("delete sessions", err)
	}
	return n, nil
}

// InsertSlotPresence writes p or returns ErrDuplicateScan if the slot was already marked.
func (r *Repository) InsertSlotPresence(ctx context.Context, p SlotPresence) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO slot_presences (id, student_id, admin_id, subject_code, slot_name, day, scanned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (student_id, subject_code, slot_name, day) DO NOTHING
	`), p.ID, p.StudentID, p.AdminID, p.SubjectCode, p.SlotName, p.Day, p.ScannedAt)
	if err != nil {
		return unavailable("insert presence", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("insert presence", err)
	}
	if n == 0 {
		return ErrDuplicateScan
	}
	return nil
}

// CountScheduledPresences counts the distinct slots of adminID's weekday timetable that the
// student confirmed on day. Presences for unscheduled slots or for a subject other than the one
// timetabled in that slot do not count.
func (r *Repository) CountScheduledPresences(ctx context.Context, studentID, adminID, day, weekday string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind(`
		SELECT COUNT(DISTINCT p.slot_name) FROM slot_presences p
		JOIN timetable_entries t
			ON t.admin_id = p.admin_id
			AND t.slot_name = p.slot_name
			AND t.subject_code = p.subject_code
		WHERE p.student_id = ? AND p.admin_id = ? AND p.day = ? AND t.weekday = ?
	`), studentID, adminID, day, weekday)
	if err != nil {
		return 0, unavailable("count presences", err)
	}
	return n, nil
}

// StudentsWithPresences lists distinct students scanned under adminID on day.
func (r *Repository) StudentsWithPresences(ctx context.Context, adminID, day string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, r.db.Rebind(`
		SELECT DISTINCT student_id FROM slot_presences
		WHERE admin_id = ? AND day = ?
		ORDER BY student_id
	`), adminID, day)
	if err != nil {
		return nil, unavailable("list students", err)
	}
	return ids, nil
}

// UpsertTimetableEntry sets the subject taught in a weekday slot.
func (r *Repository) UpsertTimetableEntry(ctx context.Context, e TimetableEntry) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO timetable_entries (admin_id, weekday, slot_name, subject_code)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (admin_id, weekday, slot_name) DO UPDATE SET subject_code = excluded.subject_code
	`), e.AdminID, e.Weekday, e.SlotName, e.SubjectCode)
	if err != nil {
		return unavailable("upsert timetable", err)
	}
	return nil
}

// CountScheduledSlots counts adminID's slots on weekday.
func (r *Repository) CountScheduledSlots(ctx context.Context, adminID, weekday string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind(`
		SELECT COUNT(*) FROM timetable_entries WHERE admin_id = ? AND weekday = ?
	`), adminID, weekday)
	if err != nil {
		return 0, unavailable("count slots", err)
	}
	return n, nil
}

// SlotCounts returns every slot on adminID's weekday timetable, including slots nobody scanned.
func (r *Repository) SlotCounts(ctx context.Context, adminID, weekday, day string) ([]SlotCount, error) {
	var counts []SlotCount
	err := r.db.SelectContext(ctx, &counts, r.db.Rebind(`
		SELECT t.slot_name, t.subject_code, COUNT(p.id) AS present
		FROM timetable_entries t
		LEFT JOIN slot_presences p
			ON p.admin_id = t.admin_id
			AND p.slot_name = t.slot_name
			AND p.subject_code = t.subject_code
			AND p.day = ?
		WHERE t.admin_id = ? AND t.weekday = ?
		GROUP BY t.slot_name, t.subject_code
		ORDER BY t.slot_name
	`), day, adminID, weekday)
	if err != nil {
		return nil, unavailable("slot counts", err)
	}
	return counts, nil
}

const dailyColumns = `id, student_id, admin_id, day, status, source, marked_by, created_at`

// InsertDailyIfAbsent inserts rec unless (student, day) already has a record.
func (r *Repository) InsertDailyIfAbsent(ctx context.Context, rec DailyRecord) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO daily_attendance (`+dailyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (student_id, day) DO NOTHING
	`), rec.ID, rec.StudentID, rec.AdminID, rec.Day, rec.Status, rec.Source, rec.MarkedBy, rec.CreatedAt)
	if err != nil {
		return false, unavailable("insert daily", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("insert daily", err)
	}
	return n == 1, nil
}

// UpsertDaily writes rec, superseding any existing record for (student, day).
func (r *Repository) UpsertDaily(ctx context.Context, rec DailyRecord) (DailyRecord, error) {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO daily_attendance (`+dailyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (student_id, day) DO UPDATE SET
			admin_id = excluded.admin_id,
			status = excluded.status,
			source = excluded.source,
			marked_by = excluded.marked_by
	`), rec.ID, rec.StudentID, rec.AdminID, rec.Day, rec.Status, rec.Source, rec.MarkedBy, rec.CreatedAt)
	if err != nil {
		return DailyRecord{}, unavailable("upsert daily", err)
	}
	stored, err := r.GetDaily(ctx, rec.StudentID, rec.Day)
	if err != nil {
		return DailyRecord{}, err
	}
	if stored == nil {
		return DailyRecord{}, unavailable("upsert daily", sql.ErrNoRows)
	}
	return *stored, nil
}

// GetDaily returns the record for (student, day), or nil if none exists.
func (r *Repository) GetDaily(ctx context.Context, studentID, day string) (*DailyRecord, error) {
	var rec DailyRecord
	err := r.db.GetContext(ctx, &rec, r.db.Rebind(`
		SELECT `+dailyColumns+` FROM daily_attendance WHERE student_id = ? AND day = ?
	`), studentID, day)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("get daily", err)
	}
	return &rec, nil
}

// ListDaily returns adminID's records on day in creation order.
func (r *Repository) ListDaily(ctx context.Context, adminID, day string) ([]DailyRecord, error) {
	var recs []DailyRecord
	err := r.db.SelectContext(ctx, &recs, r.db.Rebind(`
		SELECT `+dailyColumns+` FROM daily_attendance
		WHERE admin_id = ? AND day = ?
		ORDER BY created_at, student_id
	`), adminID, day)
	if err != nil {
		return nil, unavailable("list daily", err)
	}
	return recs, nil
}
