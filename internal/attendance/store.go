package attendance

import "context"

// Store is the persistence the service needs. Uniqueness is enforced by the store, not by callers.
type Store interface {
	// FindOrCreateSession inserts s unless a session with the same key exists and returns the stored one.
	FindOrCreateSession(ctx context.Context, s ScanSession) (ScanSession, bool, error)
	GetSession(ctx context.Context, key SessionKey) (ScanSession, error)
	DeleteSessionsBefore(ctx context.Context, day string) (int64, error)

	// InsertSlotPresence returns ErrDuplicateScan when the (student, subject, slot, day) row exists.
	InsertSlotPresence(ctx context.Context, p SlotPresence) error
	// CountScheduledPresences counts distinct timetabled slots on weekday the student confirmed on day.
	CountScheduledPresences(ctx context.Context, studentID, adminID, day, weekday string) (int, error)
	StudentsWithPresences(ctx context.Context, adminID, day string) ([]string, error)

	UpsertTimetableEntry(ctx context.Context, e TimetableEntry) error
	CountScheduledSlots(ctx context.Context, adminID, weekday string) (int, error)
	// SlotCounts lists adminID's weekday slots with the students present in each on day.
	SlotCounts(ctx context.Context, adminID, weekday, day string) ([]SlotCount, error)

	DailyStore
	UpsertDaily(ctx context.Context, rec DailyRecord) (DailyRecord, error)
	GetDaily(ctx context.Context, studentID, day string) (*DailyRecord, error)
	ListDaily(ctx context.Context, adminID, day string) ([]DailyRecord, error)
}

// DailyStore is the slice of Store the Aggregator writes through.
type DailyStore interface {
	// InsertDailyIfAbsent atomically inserts rec and reports false if (student, day) already has a record.
	InsertDailyIfAbsent(ctx context.Context, rec DailyRecord) (bool, error)
}
