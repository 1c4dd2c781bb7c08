package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"presenza/internal/attendance"
	"presenza/internal/auth"
	"presenza/internal/queue"
)

// fail maps service errors to HTTP responses.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, attendance.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrStoreUnavailable):
		h.logger.Error("store failure", "path", c.FullPath(), "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "attendance store unavailable"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

func identity(c *gin.Context) auth.Identity {
	id, _ := auth.IdentityFrom(c)
	return id
}

type sessionRequest struct {
	Subject string `json:"subject" binding:"required"`
	Slot    string `json:"slot" binding:"required"`
}

func (h *Handler) openSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opened, err := h.svc.OpenSession(c.Request.Context(), identity(c).AdminID, req.Subject, req.Slot)
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if opened.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"session_id":        opened.Session.ID,
		"subject":           opened.Session.SubjectCode,
		"slot":              opened.Session.SlotName,
		"date":              opened.Session.Day,
		"created":           opened.Created,
		"code":              opened.Code.Code,
		"valid_for_seconds": opened.Code.ValidForSeconds,
	})
}

func (h *Handler) displayCode(c *gin.Context) {
	subject, slot := c.Query("subject"), c.Query("slot")
	if subject == "" || slot == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject and slot required"})
		return
	}
	code, err := h.svc.DisplayCode(c.Request.Context(), identity(c).AdminID, subject, slot)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, code)
}

type timetableRequest struct {
	Weekday string `json:"weekday" binding:"required"`
	Slot    string `json:"slot" binding:"required"`
	Subject string `json:"subject" binding:"required"`
}

func (h *Handler) setTimetable(c *gin.Context) {
	var req timetableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.svc.SetTimetableEntry(c.Request.Context(), attendance.TimetableEntry{
		AdminID:     identity(c).AdminID,
		Weekday:     req.Weekday,
		SlotName:    req.Slot,
		SubjectCode: req.Subject,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) enqueueRecompute(c *gin.Context) {
	var req struct {
		Date string `json:"date"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	day, ok := dayParam(c, req.Date, h.svc.Today())
	if !ok {
		return
	}
	if h.queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue not configured"})
		return
	}
	msg, err := queue.NewRecompute(identity(c).AdminID, day)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.queue.Publish(c.Request.Context(), msg); err != nil {
		h.logger.Error("queue publish failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "date": day})
}

func (h *Handler) listDaily(c *gin.Context) {
	day, ok := dayParam(c, c.Query("date"), h.svc.Today())
	if !ok {
		return
	}
	recs, err := h.svc.DailyRecords(c.Request.Context(), identity(c).AdminID, day)
	if err != nil {
		h.fail(c, err)
		return
	}
	if recs == nil {
		recs = []attendance.DailyRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"date": day, "records": recs})
}

func (h *Handler) slotCounts(c *gin.Context) {
	day, ok := dayParam(c, c.Query("date"), h.svc.Today())
	if !ok {
		return
	}
	counts, err := h.svc.SlotCounts(c.Request.Context(), identity(c).AdminID, day)
	if err != nil {
		h.fail(c, err)
		return
	}
	if counts == nil {
		counts = []attendance.SlotCount{}
	}
	c.JSON(http.StatusOK, gin.H{"date": day, "slots": counts})
}

func (h *Handler) studentToday(c *gin.Context) {
	status, err := h.svc.StudentDay(c.Request.Context(), identity(c).Subject, "")
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type dailyRequest struct {
	StudentID string `json:"student_id" binding:"required"`
	Date      string `json:"date"`
	Status    string `json:"status"`
}

func (h *Handler) overrideDaily(c *gin.Context) {
	var req dailyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := identity(c)
	res, err := h.svc.MarkDaily(c.Request.Context(), attendance.ManualMark{
		StudentID: req.StudentID,
		AdminID:   id.AdminID,
		Day:       req.Date,
		Status:    parseStatus(req.Status),
		Source:    attendance.SourceAdmin,
		MarkedBy:  id.Subject,
		Override:  true,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) crMarkDaily(c *gin.Context) {
	var req dailyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := identity(c)
	res, err := h.svc.MarkDaily(c.Request.Context(), attendance.ManualMark{
		StudentID: req.StudentID,
		AdminID:   id.AdminID,
		Status:    parseStatus(req.Status),
		Source:    attendance.SourceCRScan,
		MarkedBy:  id.Subject,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	if !res.Written {
		c.JSON(http.StatusOK, gin.H{"message": "attendance already marked", "record": res.Record})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "attendance marked", "record": res.Record})
}

type scanRequest struct {
	Subject string `json:"subject" binding:"required"`
	Slot    string `json:"slot" binding:"required"`
	Code    string `json:"code" binding:"required"`
}

func (h *Handler) scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := identity(c)
	if id.AdminID == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "student token has no class"})
		return
	}
	res, err := h.svc.Scan(c.Request.Context(), attendance.ScanRequest{
		StudentID:   id.Subject,
		AdminID:     id.AdminID,
		SubjectCode: req.Subject,
		SlotName:    req.Slot,
		Code:        req.Code,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	switch res.Outcome {
	case attendance.ScanMarked:
		c.JSON(http.StatusOK, res)
	case attendance.ScanInvalidToken:
		c.JSON(http.StatusUnauthorized, gin.H{"outcome": res.Outcome, "error": "invalid or expired code, scan again"})
	case attendance.ScanDuplicate:
		c.JSON(http.StatusConflict, gin.H{"outcome": res.Outcome, "error": "attendance already marked"})
	case attendance.ScanSessionNotFound:
		c.JSON(http.StatusNotFound, gin.H{"outcome": res.Outcome, "error": "scan session not found"})
	}
}

func parseStatus(s string) attendance.Status {
	if s == "" {
		return attendance.StatusPresent
	}
	return attendance.Status(strings.ToUpper(strings.TrimSpace(s)))
}

// dayParam validates an optional YYYY-MM-DD value, writing a 400 when malformed.
func dayParam(c *gin.Context, v, fallback string) (string, bool) {
	if v == "" {
		return fallback, true
	}
	if _, err := time.Parse(attendance.DayLayout, v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return "", false
	}
	return v, true
}
