package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"parley.chat/internal/audit"
	"parley.chat/internal/gate"
)

type durationRequest struct {
	TargetID string `json:"target_id"`
	Reason   string `json:"reason"`
	Duration string `json:"duration"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type revealRequest struct {
	Code string `json:"code"`
}

type joinRequest struct {
	Key string `json:"key"`
}

type setupRequest struct {
	Account string `json:"account"`
}

type codeRequest struct {
	Code string `json:"code"`
}

type disableRequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

type messageRequest struct {
	Text string `json:"text"`
}

// maxDays keeps the whole-day form well inside time.Duration's range.
const maxDays = 36500

// parseDuration accepts Go durations plus a whole-day form such as "30d".
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 || n > maxDays {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

func (a *API) banUser(w http.ResponseWriter, r *http.Request) {
	var req durationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := parseDuration(req.Duration)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.gate.BanUser(r.Context(), principalFrom(r), gate.BanRequest{
		TargetID: req.TargetID,
		Reason:   req.Reason,
		Duration: d,
	})
	if err != nil {
		handleGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ban_id":     res.BanID,
		"target_id":  req.TargetID,
		"expires_at": res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) unbanUser(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	target := chi.URLParam(r, "subjectID")
	err := a.gate.UnbanUser(r.Context(), principalFrom(r), gate.UnbanRequest{TargetID: target, Reason: req.Reason})
	if err != nil {
		handleGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target_id": target, "status": "unbanned"})
}

func (a *API) suspendAdmin(w http.ResponseWriter, r *http.Request) {
	var req durationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	d, err := parseDuration(req.Duration)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.gate.SuspendAdmin(r.Context(), principalFrom(r), gate.SuspendRequest{
		TargetID: req.TargetID,
		Reason:   req.Reason,
		Duration: d,
	})
	if err != nil {
		handleGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"timeout_id": res.TimeoutID,
		"target_id":  req.TargetID,
		"expires_at": res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) liftSuspension(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	target := chi.URLParam(r, "subjectID")
	err := a.gate.LiftSuspension(r.Context(), principalFrom(r), gate.LiftRequest{TargetID: target, Reason: req.Reason})
	if err != nil {
		handleGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target_id": target, "status": "lifted"})
}

func (a *API) lockRoom(w http.ResponseWriter, r *http.Request) {
	a.setRoomLock(w, r, true)
}

func (a *API) unlockRoom(w http.ResponseWriter, r *http.Request) {
	a.setRoomLock(w, r, false)
}

func (a *API) setRoomLock(w http.ResponseWriter, r *http.Request, locked bool) {
	var req reasonRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	roomReq := gate.RoomRequest{RoomID: chi.URLParam(r, "roomID"), Reason: req.Reason}
	var err error
	if locked {
		err = a.gate.LockRoom(r.Context(), principalFrom(r), roomReq)
	} else {
		err = a.gate.UnlockRoom(r.Context(), principalFrom(r), roomReq)
	}
	if err != nil {
		handleGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room_id": roomReq.RoomID, "locked": locked})
}

func (a *API) revealRoomKey(w http.ResponseWriter, r *http.Request) {
	var req revealRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	key, err := a.gate.RevealRoomKey(r.Context(), principalFrom(r), gate.RevealRequest{
		RoomID: chi.URLParam(r, "roomID"),
		Code:   req.Code,
	})
	if err != nil {
		handleGateError(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, map[string]any{"room_id": key.RoomID, "key": key.Key})
}

func (a *API) joinRoom(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	source := audit.ClientFromContext(r.Context()).SourceAddress
	roomID, err := a.gate.ValidateRoomSecret(r.Context(), source, req.Key)
	if err != nil {
		handleGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room_id": roomID})
}

func (a *API) setupTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	enr, err := a.gate.SetupTwoFactor(r.Context(), principalFrom(r), req.Account)
	if err != nil {
		handleGateError(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusCreated, map[string]any{
		"secret":       enr.Secret,
		"otpauth_url":  enr.URL,
		"backup_codes": enr.BackupCodes,
	})
}

func (a *API) confirmTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.gate.ConfirmTwoFactor(r.Context(), principalFrom(r), gate.CodeRequest{Code: req.Code}); err != nil {
		handleGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true})
}

func (a *API) verifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.gate.VerifyTwoFactor(r.Context(), principalFrom(r), gate.CodeRequest{Code: req.Code})
	if err != nil {
		handleGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": res.Valid, "used_backup_code": res.UsedBackupCode})
}

func (a *API) disableTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req disableRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.gate.DisableTwoFactor(r.Context(), principalFrom(r), gate.DisableRequest{
		Password: req.Password,
		Code:     req.Code,
	})
	if err != nil {
		handleGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
}

func (a *API) checkMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := a.gate.CheckMessage(r.Context(), principalFrom(r), gate.MessageRequest{Text: req.Text}); err != nil {
		handleGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}
