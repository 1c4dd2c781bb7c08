package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"presenza/internal/attendance"
	"presenza/internal/auth"
	"presenza/internal/httpmiddleware"
	"presenza/internal/queue"
	"presenza/internal/store"
	"presenza/internal/token"
)

const (
	testKey    = "api-test-key"
	testIssuer = "presenza-test"
)

type staticPinger bool

func (p staticPinger) Healthy(context.Context) bool { return bool(p) }

type testEnv struct {
	router *gin.Engine
	svc    *attendance.Service
	queue  *queue.InMemory
	now    time.Time
}

func setup(t *testing.T, scanLimit int) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := store.NewDB(context.Background(), store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{now: time.Date(2026, time.October, 19, 9, 0, 0, 0, time.UTC), queue: queue.NewInMemory(8)}
	env.svc = attendance.NewService(attendance.NewRepository(db.Client), token.NewEngine(3*time.Second, 1),
		attendance.WithClock(func() time.Time { return env.now }))

	deps := Deps{
		Service:    env.svc,
		Queue:      env.queue,
		DB:         db,
		Redis:      staticPinger(true),
		SigningKey: testKey,
		Issuer:     testIssuer,
		Metrics:    true,
	}
	if scanLimit > 0 {
		deps.ScanLimiter = httpmiddleware.NewSimpleTokenBucket(scanLimit, scanLimit)
	}
	env.router = NewRouter(deps)
	return env
}

func tokenFor(t *testing.T, id auth.Identity) string {
	t.Helper()
	pair, err := auth.Issue(id, testIssuer, testKey, time.Hour, 24*time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return pair.AccessToken
}

var (
	adminID   = auth.Identity{Subject: "A1", Role: auth.RoleAdmin}
	studentR1 = auth.Identity{Subject: "R1", Role: auth.RoleStudent, AdminID: "A1"}
	crR7      = auth.Identity{Subject: "R7", Role: auth.RoleStudent, AdminID: "A1", CR: true}
)

func (e *testEnv) do(t *testing.T, method, path string, who auth.Identity, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who.Subject != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, who))
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	env := setup(t, 0)
	rec := env.do(t, http.MethodGet, "/healthz", auth.Identity{}, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/metrics", auth.Identity{}, nil); rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", rec.Code)
	}
}

func TestSessionLifecycleAndScan(t *testing.T) {
	env := setup(t, 0)

	for _, slot := range []string{"S1", "S2"} {
		rec := env.do(t, http.MethodPut, "/v1/admin/timetable", adminID, gin.H{"weekday": "monday", "slot": slot, "subject": "CS" + slot})
		if rec.Code != http.StatusNoContent {
			t.Fatalf("timetable status = %d: %s", rec.Code, rec.Body.String())
		}
	}

	rec := env.do(t, http.MethodPost, "/v1/admin/sessions", adminID, gin.H{"subject": "CSS1", "slot": "S1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open status = %d: %s", rec.Code, rec.Body.String())
	}
	opened := decode(t, rec)
	code, _ := opened["code"].(string)
	if code == "" || opened["date"] != "2026-10-19" {
		t.Fatalf("open body = %v", opened)
	}

	rec = env.do(t, http.MethodPost, "/v1/admin/sessions", adminID, gin.H{"subject": "CSS1", "slot": "S1"})
	if rec.Code != http.StatusOK {
		t.Errorf("reopen status = %d, want 200", rec.Code)
	}
	if again := decode(t, rec); again["session_id"] != opened["session_id"] {
		t.Error("reopen returned a different session")
	}

	rec = env.do(t, http.MethodGet, "/v1/admin/sessions/code?subject=CSS1&slot=S1", adminID, nil)
	if rec.Code != http.StatusOK || decode(t, rec)["code"] != code {
		t.Errorf("display code = %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/v1/student/scan", studentR1, gin.H{"subject": "CSS1", "slot": "S1", "code": "0000"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad code status = %d, want 401", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/student/scan", studentR1, gin.H{"subject": "CSS1", "slot": "S1", "code": code})
	if rec.Code != http.StatusOK {
		t.Fatalf("scan status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["outcome"] != "marked" {
		t.Errorf("outcome = %v", body["outcome"])
	}
	if daily, _ := body["daily"].(map[string]any); daily["outcome"] != "partial" {
		t.Errorf("daily = %v, want partial", body["daily"])
	}

	rec = env.do(t, http.MethodPost, "/v1/student/scan", studentR1, gin.H{"subject": "CSS1", "slot": "S1", "code": code})
	if rec.Code != http.StatusConflict {
		t.Errorf("rescan status = %d, want 409", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/student/scan", studentR1, gin.H{"subject": "CSS2", "slot": "S2", "code": code})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/admin/sessions", adminID, gin.H{"subject": "CSS2", "slot": "S2"})
	code2, _ := decode(t, rec)["code"].(string)
	rec = env.do(t, http.MethodPost, "/v1/student/scan", studentR1, gin.H{"subject": "CSS2", "slot": "S2", "code": code2})
	if rec.Code != http.StatusOK {
		t.Fatalf("second scan status = %d: %s", rec.Code, rec.Body.String())
	}
	daily, _ := decode(t, rec)["daily"].(map[string]any)
	if daily["outcome"] != "created" {
		t.Errorf("daily = %v, want created", daily)
	}

	rec = env.do(t, http.MethodGet, "/v1/admin/daily", adminID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if recs, _ := decode(t, rec)["records"].([]any); len(recs) != 1 {
		t.Errorf("records = %v, want 1", recs)
	}
}

func TestRoleEnforcement(t *testing.T) {
	env := setup(t, 0)
	tests := []struct {
		name   string
		method string
		path   string
		who    auth.Identity
		want   int
	}{
		{name: "anonymous admin route", method: http.MethodPost, path: "/v1/admin/sessions", want: http.StatusUnauthorized},
		{name: "student on admin route", method: http.MethodPost, path: "/v1/admin/sessions", who: studentR1, want: http.StatusForbidden},
		{name: "admin on scan route", method: http.MethodPost, path: "/v1/student/scan", who: adminID, want: http.StatusForbidden},
		{name: "plain student on cr route", method: http.MethodPost, path: "/v1/cr/daily", who: studentR1, want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(t, tt.method, tt.path, tt.who, gin.H{}); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestCRAndAdminDaily(t *testing.T) {
	env := setup(t, 0)

	rec := env.do(t, http.MethodPost, "/v1/cr/daily", crR7, gin.H{"student_id": "R1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("cr mark status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/v1/cr/daily", crR7, gin.H{"student_id": "R1", "status": "absent"})
	if rec.Code != http.StatusOK {
		t.Errorf("repeat cr mark status = %d, want 200", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/admin/daily", adminID, gin.H{"student_id": "R1", "status": "od"})
	if rec.Code != http.StatusOK {
		t.Fatalf("override status = %d: %s", rec.Code, rec.Body.String())
	}
	record, _ := decode(t, rec)["record"].(map[string]any)
	if record["status"] != "OD" || record["source"] != "ADMIN" {
		t.Errorf("record = %v, want OD/ADMIN", record)
	}

	rec = env.do(t, http.MethodPost, "/v1/admin/daily", adminID, gin.H{"student_id": "R1", "status": "late"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad status code = %d, want 400", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/v1/admin/daily?date=19-10-2026", adminID, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad date code = %d, want 400", rec.Code)
	}
}

func TestEnqueueRecompute(t *testing.T) {
	env := setup(t, 0)

	rec := env.do(t, http.MethodPost, "/v1/admin/reconcile", adminID, gin.H{"date": "2026-10-18"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, _ := env.queue.Consume(ctx)
	select {
	case msg := <-ch:
		job, err := msg.Recompute()
		if err != nil {
			t.Fatalf("decode job: %v", err)
		}
		if job.AdminID != "A1" || job.Day != "2026-10-18" {
			t.Errorf("job = %+v", job)
		}
	case <-ctx.Done():
		t.Fatal("no job queued")
	}
}

func TestScanRateLimited(t *testing.T) {
	env := setup(t, 1)
	body := gin.H{"subject": "X", "slot": "S1", "code": "c"}
	if rec := env.do(t, http.MethodPost, "/v1/student/scan", studentR1, body); rec.Code != http.StatusNotFound {
		t.Errorf("first scan = %d, want 404", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/v1/student/scan", studentR1, body); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second scan = %d, want 429", rec.Code)
	}
	other := auth.Identity{Subject: "R2", Role: auth.RoleStudent, AdminID: "A1"}
	if rec := env.do(t, http.MethodPost, "/v1/student/scan", other, body); rec.Code != http.StatusNotFound {
		t.Errorf("other student = %d, want 404", rec.Code)
	}
}

func TestStudentTodayAndSlotCounts(t *testing.T) {
	env := setup(t, 0)

	rec := env.do(t, http.MethodGet, "/v1/student/today", studentR1, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("today status = %d: %s", rec.Code, rec.Body.String())
	}
	if body := decode(t, rec); body["status"] != attendance.NotMarked || body["date"] != "2026-10-19" {
		t.Errorf("today before marking = %v", body)
	}

	env.do(t, http.MethodPut, "/v1/admin/timetable", adminID, gin.H{"weekday": "Monday", "slot": "S1", "subject": "CS101"})
	env.do(t, http.MethodPut, "/v1/admin/timetable", adminID, gin.H{"weekday": "Monday", "slot": "S2", "subject": "CS102"})
	rec = env.do(t, http.MethodPost, "/v1/admin/sessions", adminID, gin.H{"subject": "CS101", "slot": "S1"})
	code, _ := decode(t, rec)["code"].(string)
	if rec := env.do(t, http.MethodPost, "/v1/student/scan", studentR1, gin.H{"subject": "CS101", "slot": "S1", "code": code}); rec.Code != http.StatusOK {
		t.Fatalf("scan status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/v1/admin/slots", adminID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("slots status = %d: %s", rec.Code, rec.Body.String())
	}
	slots, _ := decode(t, rec)["slots"].([]any)
	if len(slots) != 2 {
		t.Fatalf("slots = %v, want 2", slots)
	}
	first, _ := slots[0].(map[string]any)
	second, _ := slots[1].(map[string]any)
	if first["slot"] != "S1" || first["present"] != float64(1) || second["present"] != float64(0) {
		t.Errorf("slots = %v", slots)
	}

	env.do(t, http.MethodPost, "/v1/admin/daily", adminID, gin.H{"student_id": "R1", "status": "absent"})
	rec = env.do(t, http.MethodGet, "/v1/student/today", studentR1, nil)
	if body := decode(t, rec); body["status"] != "ABSENT" || body["source"] != "ADMIN" {
		t.Errorf("today after override = %v", body)
	}

	if rec := env.do(t, http.MethodGet, "/v1/student/today", adminID, nil); rec.Code != http.StatusForbidden {
		t.Errorf("admin on student route = %d, want 403", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/admin/slots?date=bad", adminID, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad date = %d, want 400", rec.Code)
	}
}
