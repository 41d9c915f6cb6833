package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/patjackson52/hilt/internal/store"
)

// HeaderIdemKey carries the client-supplied idempotency key on the
// task-creation path. Requests without it get no idempotency behavior.
const HeaderIdemKey = "Idempotency-Key"

// Guard caches the first successful response per idempotency key and replays
// it for byte-equivalent retries. Persistence after the response is best
// effort, and two truly concurrent first-time requests with the same key can
// both execute; a stronger guarantee would need a compare-and-set insert in
// the store.
type Guard struct {
	Store store.Store
	Log   *zap.Logger
	Now   func() time.Time
}

func NewGuard(st store.Store, log *zap.Logger) *Guard {
	return &Guard{Store: st, Log: log, Now: time.Now}
}

// BodyHash hashes the NFC-normalized request body, so byte-level Unicode
// representation differences do not defeat replay detection.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(norm.NFC.Bytes(body))
	return hex.EncodeToString(sum[:])
}

func (g *Guard) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderIdemKey)
		if key == "" {
			next(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		hash := BodyHash(body)

		if rec, ok := g.Store.GetIdempotency(key); ok {
			if rec.BodyHash != hash {
				writeJSON(w, http.StatusConflict, map[string]string{"error": "idempotency key reused with a different body"})
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(rec.ResponseStatus)
			_, _ = w.Write(rec.ResponseBody)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		if rec.status < 200 || rec.status >= 300 {
			return
		}
		err = g.Store.PutIdempotency(store.IdemRecord{
			IdemKey:        key,
			BodyHash:       hash,
			ResponseStatus: rec.status,
			ResponseBody:   rec.body.Bytes(),
			CreatedAt:      g.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			g.Log.Warn("idempotency record not persisted", zap.String("key", key), zap.Error(err))
		}
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
