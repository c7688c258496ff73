package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"parley.chat/internal/auth"
	"parley.chat/internal/credential"
	"parley.chat/internal/gate"
	"parley.chat/internal/obs"
)

// verificationFailed is the only thing outsiders learn about a rejected
// second factor or password.
const verificationFailed = "verification failed"

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// handleGateError renders a pipeline error. Internal failures are logged and
// reported without detail.
func handleGateError(w http.ResponseWriter, r *http.Request, err error) {
	var retryErr *gate.RetryError
	switch {
	case errors.As(err, &retryErr):
		setRetryAfter(w, retryErr.RetryAfter)
		writeError(w, r, http.StatusTooManyRequests, retryErr.Err.Error())
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidToken):
		w.Header().Set("WWW-Authenticate", `Bearer realm="parley"`)
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, credential.ErrInvalidCode),
		errors.Is(err, credential.ErrMalformedCode),
		errors.Is(err, credential.ErrNotConfigured),
		errors.Is(err, credential.ErrInvalidPassword):
		writeError(w, r, http.StatusForbidden, verificationFailed)
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, gate.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, gate.ErrInvalidInput),
		errors.Is(err, gate.ErrRejectedContent),
		errors.Is(err, credential.ErrAlreadyEnabled):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		obs.Logger().WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).
			Error("httpapi: request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
