// Package memory implements every persistence interface in process. It backs
// `serve --memory` and the pipeline tests.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"parley.chat/internal/action"
	"parley.chat/internal/audit"
	"parley.chat/internal/auth"
	"parley.chat/internal/credential"
	"parley.chat/internal/gate"
	"parley.chat/internal/quota"
	"parley.chat/internal/secret"
)

var (
	_ auth.SubjectStore = (*Store)(nil)
	_ auth.TimeoutStore = (*Store)(nil)
	_ credential.Store  = (*Store)(nil)
	_ quota.Store       = (*Store)(nil)
	_ audit.Store       = (*Store)(nil)
	_ secret.RoomStore  = (*Store)(nil)
	_ gate.BanStore     = (*Store)(nil)
	_ gate.RoomStore    = (*Store)(nil)
)

// Store guards all state with one mutex.
type Store struct {
	mu          sync.Mutex
	subjects    map[string]auth.Subject
	timeouts    map[string][]auth.Timeout
	credentials map[string]credential.Credential
	backupCodes map[string][][]byte
	quotas      map[string]quota.Usage
	audit       []audit.Entry
	auditIDs    map[string]struct{}
	bans        map[string][]gate.Ban
	rooms       map[string]gate.Room
}

func New() *Store {
	return &Store{
		subjects:    make(map[string]auth.Subject),
		timeouts:    make(map[string][]auth.Timeout),
		credentials: make(map[string]credential.Credential),
		backupCodes: make(map[string][][]byte),
		quotas:      make(map[string]quota.Usage),
		auditIDs:    make(map[string]struct{}),
		bans:        make(map[string][]gate.Ban),
		rooms:       make(map[string]gate.Room),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// PutSubject creates or replaces a subject.
func (s *Store) PutSubject(subj auth.Subject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects[subj.ID] = subj
}

// PutRoom creates or replaces a room.
func (s *Store) PutRoom(r gate.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[r.ID] = r
}

func (s *Store) Subject(_ context.Context, id string) (auth.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subj, ok := s.subjects[id]
	if !ok {
		return auth.Subject{}, auth.ErrNotFound
	}
	return subj, nil
}

func (s *Store) ActiveTimeout(_ context.Context, subjectID string, now time.Time) (auth.Timeout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  auth.Timeout
		found bool
	)
	for _, t := range s.timeouts[subjectID] {
		if !t.InEffect(now) {
			continue
		}
		if !found || t.ExpiresAt.After(best.ExpiresAt) {
			best, found = t, true
		}
	}
	if !found {
		return auth.Timeout{}, auth.ErrNotFound
	}
	return best, nil
}

func (s *Store) CreateTimeout(_ context.Context, t auth.Timeout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts[t.SubjectID] = append(s.timeouts[t.SubjectID], t)
	return nil
}

func (s *Store) LiftTimeouts(_ context.Context, subjectID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	list := s.timeouts[subjectID]
	for i := range list {
		if list[i].InEffect(at) {
			list[i].Active = false
			n++
		}
	}
	return n, nil
}

func (s *Store) Credential(_ context.Context, subjectID string) (credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[subjectID]
	if !ok {
		return credential.Credential{}, credential.ErrNotConfigured
	}
	return cred, nil
}

func (s *Store) SavePendingCredential(_ context.Context, cred credential.Credential, digests [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.credentials[cred.SubjectID]; ok && cur.Enabled {
		return credential.ErrAlreadyEnabled
	}
	cred.Enabled = false
	s.credentials[cred.SubjectID] = cred
	codes := make([][]byte, len(digests))
	for i, d := range digests {
		codes[i] = append([]byte(nil), d...)
	}
	s.backupCodes[cred.SubjectID] = codes
	return nil
}

func (s *Store) EnableCredential(_ context.Context, subjectID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[subjectID]
	if !ok {
		return credential.ErrNotConfigured
	}
	if cred.Enabled {
		return credential.ErrAlreadyEnabled
	}
	cred.Enabled = true
	cred.ConfirmedAt = at
	s.credentials[subjectID] = cred
	return nil
}

func (s *Store) ConsumeBackupCode(_ context.Context, subjectID string, digest []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := s.backupCodes[subjectID]
	for i, d := range codes {
		if bytes.Equal(d, digest) {
			s.backupCodes[subjectID] = append(codes[:i:i], codes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CountBackupCodes(_ context.Context, subjectID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backupCodes[subjectID]), nil
}

func (s *Store) DeleteCredential(_ context.Context, subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credentials, subjectID)
	delete(s.backupCodes, subjectID)
	return nil
}

func quotaKey(subjectID string, a action.Type) string {
	return subjectID + "\x00" + string(a)
}

func (s *Store) QuotaUsage(_ context.Context, subjectID string, a action.Type) (quota.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.quotas[quotaKey(subjectID, a)]
	if !ok {
		return quota.Usage{}, quota.ErrNotFound
	}
	return u, nil
}

func (s *Store) IncrementQuota(_ context.Context, subjectID string, a action.Type, period time.Duration, now time.Time) (quota.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := quotaKey(subjectID, a)
	u, ok := s.quotas[key]
	if !ok || !now.Before(u.PeriodStart.Add(period)) {
		u = quota.Usage{SubjectID: subjectID, Action: a, PeriodStart: now}
	}
	u.Count++
	s.quotas[key] = u
	return u, nil
}

func (s *Store) AppendAudit(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.auditIDs[e.ID]; dup {
		return nil
	}
	s.auditIDs[e.ID] = struct{}{}
	s.audit = append(s.audit, e)
	return nil
}

// AuditEntries returns a copy of the trail in append order.
func (s *Store) AuditEntries() []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Entry, len(s.audit))
	copy(out, s.audit)
	return out
}

func (s *Store) PrivateRoomKeys(context.Context) ([]secret.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]secret.Candidate, 0, len(s.rooms))
	for _, r := range s.rooms {
		if r.Private && r.KeyHash != "" {
			out = append(out, secret.Candidate{RoomID: r.ID, KeyHash: r.KeyHash})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}

func (s *Store) Room(_ context.Context, id string) (gate.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return gate.Room{}, gate.ErrNotFound
	}
	return r, nil
}

func (s *Store) SetRoomLock(_ context.Context, id string, lock gate.RoomLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return gate.ErrNotFound
	}
	r.Locked = lock.Locked
	if lock.Locked {
		r.LockedBy, r.LockReason, r.LockedAt = lock.By, lock.Reason, lock.At
	} else {
		r.LockedBy, r.LockReason, r.LockedAt = "", "", time.Time{}
	}
	s.rooms[id] = r
	return nil
}

func (s *Store) CreateBan(_ context.Context, b gate.Ban) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bans[b.SubjectID] = append(s.bans[b.SubjectID], b)
	return nil
}

func (s *Store) ActiveBan(_ context.Context, subjectID string, now time.Time) (gate.Ban, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  gate.Ban
		found bool
	)
	for _, b := range s.bans[subjectID] {
		if b.InEffect(now) && (!found || b.ExpiresAt.After(best.ExpiresAt)) {
			best, found = b, true
		}
	}
	if !found {
		return gate.Ban{}, gate.ErrNotFound
	}
	return best, nil
}

func (s *Store) LiftBans(_ context.Context, subjectID, liftedBy string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	list := s.bans[subjectID]
	for i := range list {
		if list[i].InEffect(at) {
			list[i].Active = false
			list[i].LiftedBy = liftedBy
			list[i].LiftedAt = at
			n++
		}
	}
	return n, nil
}
