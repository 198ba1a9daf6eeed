package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"gorm.io/gorm"

	"lprewards/services/rewardd/auth"
	"lprewards/services/rewardd/models"
)

// replayWindow bounds how long a pinned response stays replayable. Rows past
// the window are dropped and the request executes again.
const replayWindow = 24 * time.Hour

// Replayer pins the first response to a subject-scoped Idempotency-Key and
// replays it for retries of the same mutation.
type Replayer struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewReplayer constructs a replayer backed by the service database.
func NewReplayer(db *gorm.DB) *Replayer {
	return &Replayer{db: db, clock: time.Now}
}

// SetClock overrides the time source for deterministic tests.
func (rp *Replayer) SetClock(clock func() time.Time) {
	if rp != nil && clock != nil {
		rp.clock = clock
	}
}

// Middleware intercepts mutating requests that carry an Idempotency-Key.
// Requests without a key, reads, and unauthenticated requests pass through.
func (rp *Replayer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || !mutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := auth.FromContext(r.Context())
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		now := rp.clock()
		var record models.IdempotencyKey
		err = rp.db.WithContext(r.Context()).
			First(&record, "subject = ? AND key = ?", claims.Subject, key).Error
		switch {
		case err == nil && now.Sub(record.CreatedAt) < replayWindow:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(record.Status)
			_, _ = io.WriteString(w, record.Response)
			return
		case err == nil:
			_ = rp.db.WithContext(r.Context()).Delete(&models.IdempotencyKey{}, record.ID).Error
		case !errors.Is(err, gorm.ErrRecordNotFound):
			http.Error(w, "idempotency lookup failed", http.StatusInternalServerError)
			return
		}

		capture := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)

		// Server-side failures stay retryable.
		if capture.status >= http.StatusInternalServerError {
			return
		}
		_ = rp.db.WithContext(r.Context()).Create(&models.IdempotencyKey{
			Subject:   claims.Subject,
			Key:       key,
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    capture.status,
			Response:  capture.body.String(),
			CreatedAt: now,
		}).Error
	})
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// captureWriter tees the response so it can be pinned for replay.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (cw *captureWriter) WriteHeader(status int) {
	cw.status = status
	cw.ResponseWriter.WriteHeader(status)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	cw.body.Write(b)
	return cw.ResponseWriter.Write(b)
}
