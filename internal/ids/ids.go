package ids

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
// It is not secret: never use it where unpredictability matters.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// CorrelationID returns a random identifier attached to denials so that
// operators can join a client-visible error with server-side telemetry.
func CorrelationID() string {
	return uuid.NewString()
}

// Secret returns n bytes from crypto/rand encoded as unpadded base64url.
func Secret(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("ids: secret length must be positive, got %d", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("ids: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
