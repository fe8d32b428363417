package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"agora.app/internal/gate"
	"agora.app/internal/ids"
	"agora.app/internal/obs"
	"agora.app/internal/verification"
)

var kindStatus = map[gate.Kind]int{
	gate.KindUnauthenticatedApp:  http.StatusUnauthorized,
	gate.KindUnauthenticatedUser: http.StatusUnauthorized,
	gate.KindForbidden:           http.StatusForbidden,
	gate.KindLocked:              http.StatusLocked,
	gate.KindRateLimited:         http.StatusTooManyRequests,
	gate.KindChallengeExpired:    http.StatusGone,
	gate.KindChallengeInvalid:    http.StatusBadRequest,
	gate.KindVerifierUnavailable: http.StatusServiceUnavailable,
	gate.KindServerError:         http.StatusInternalServerError,
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(k gate.Kind) int {
	if code, ok := kindStatus[k]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// errorBody is the only error shape clients ever see.
type errorBody struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id"`
	RequestID     string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeKind(w http.ResponseWriter, r *http.Request, kind gate.Kind, correlationID string) {
	if correlationID == "" {
		correlationID = ids.CorrelationID()
	}
	writeJSON(w, StatusFor(kind), errorBody{
		Error:         string(kind),
		CorrelationID: correlationID,
		RequestID:     RequestIDFromContext(r),
	})
}

// writeError reports err using the taxonomy. Gate refusals keep their
// correlation id; anything else is classified here and logged with a fresh
// one.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ge *gate.Error
	if errors.As(err, &ge) {
		if ge.Kind == gate.KindRateLimited && ge.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(ge.RetryAfter.Seconds()))))
		}
		writeKind(w, r, ge.Kind, ge.CorrelationID)
		return
	}

	kind := kindOf(err)
	corr := ids.CorrelationID()
	log := obs.Logger().Info
	if kind == gate.KindServerError {
		log = obs.Logger().Error
	}
	log("request failed",
		zap.String("request_id", RequestIDFromContext(r)),
		zap.String("correlation_id", corr),
		zap.String("path", r.URL.Path),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	writeKind(w, r, kind, corr)
}

func kindOf(err error) gate.Kind {
	switch {
	case errors.Is(err, verification.ErrChallengeExpired):
		return gate.KindChallengeExpired
	case errors.Is(err, verification.ErrChallengeInvalid), errors.Is(err, verification.ErrInvalidInput), errors.Is(err, errBadRequest):
		return gate.KindChallengeInvalid
	case errors.Is(err, verification.ErrVerifierUnavailable):
		return gate.KindVerifierUnavailable
	case errors.Is(err, verification.ErrForbidden):
		return gate.KindForbidden
	}
	return gate.KindServerError
}

// writeNotFound covers unknown routes and admin targets, which sit outside
// the refusal taxonomy.
func writeNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorBody{
		Error:         "not_found",
		CorrelationID: ids.CorrelationID(),
		RequestID:     RequestIDFromContext(r),
	})
}

var errBadRequest = errors.New("httpapi: malformed request body")

// decodeJSON reads exactly one JSON object. Unknown fields are ignored.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return errors.Join(errBadRequest, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errBadRequest
	}
	return nil
}
