package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"time"
)

const (
	// DefaultWindow is the width of one time bucket.
	DefaultWindow = 3 * time.Second
	// DefaultTolerance is the number of buckets accepted on either side of the current one.
	DefaultTolerance = 1

	secretBytes = 16
)

// Engine derives and checks rotating proof-of-presence codes.
type Engine struct {
	window    time.Duration
	tolerance int
}

// DisplayCode is what a session screen shows.
type DisplayCode struct {
	Code            string `json:"code"`
	ValidForSeconds int    `json:"valid_for_seconds"`
}

// NewEngine creates an engine. Buckets are whole seconds, so window is rounded to the nearest second.
// A window under one second or a negative tolerance falls back to the default.
func NewEngine(window time.Duration, tolerance int) *Engine {
	window = window.Round(time.Second)
	if window < time.Second {
		window = DefaultWindow
	}
	if tolerance < 0 {
		tolerance = DefaultTolerance
	}
	return &Engine{window: window, tolerance: tolerance}
}

// Window returns the bucket width.
func (e *Engine) Window() time.Duration { return e.window }

// NewSecret mints a hex-encoded 128-bit session secret from crypto/rand.
func NewSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Bucket returns floor(now / window).
func (e *Engine) Bucket(now time.Time) int64 {
	secs := now.Unix()
	w := int64(e.window / time.Second)
	b := secs / w
	if secs < 0 && secs%w != 0 {
		b--
	}
	return b
}

// Generate returns the code for the bucket containing now.
func (e *Engine) Generate(secret string, now time.Time) string {
	return sign(secret, e.Bucket(now))
}

// Display returns the current code and how many seconds remain in its bucket.
func (e *Engine) Display(secret string, now time.Time) DisplayCode {
	w := int64(e.window / time.Second)
	next := (e.Bucket(now) + 1) * w
	left := int(next - now.Unix())
	if left < 1 {
		left = 1
	}
	return DisplayCode{Code: e.Generate(secret, now), ValidForSeconds: left}
}

// Verify reports whether candidate matches a code from the current bucket or one within tolerance.
// Every window is compared so the time taken does not depend on which one matched.
func (e *Engine) Verify(secret, candidate string, now time.Time) bool {
	if secret == "" || candidate == "" {
		return false
	}
	current := e.Bucket(now)
	got := []byte(candidate)
	match := 0
	for off := -e.tolerance; off <= e.tolerance; off++ {
		want := []byte(sign(secret, current+int64(off)))
		match |= subtle.ConstantTimeCompare(want, got)
	}
	return match == 1
}

func sign(secret string, bucket int64) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(secret))
	h.Write([]byte{':'})
	h.Write([]byte(strconv.FormatInt(bucket, 10)))
	return hex.EncodeToString(h.Sum(nil))
}
