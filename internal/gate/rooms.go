package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"parley.chat/internal/action"
	"parley.chat/internal/audit"
	"parley.chat/internal/auth"
	"parley.chat/internal/secret"
)

func (s *Service) loadRoom(ctx context.Context, id string) (Room, error) {
	room, err := s.rooms.Room(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Room{}, fmt.Errorf("%w: room %s", ErrNotFound, id)
	}
	if err != nil {
		return Room{}, fmt.Errorf("load room: %w", err)
	}
	return room, nil
}

// LockRoom stops new messages in a room.
func (s *Service) LockRoom(ctx context.Context, p auth.Principal, req RoomRequest) error {
	return s.setLock(ctx, p, req, true)
}

// UnlockRoom reopens a locked room.
func (s *Service) UnlockRoom(ctx context.Context, p auth.Principal, req RoomRequest) error {
	return s.setLock(ctx, p, req, false)
}

func (s *Service) setLock(ctx context.Context, p auth.Principal, req RoomRequest, locked bool) error {
	if err := s.check(req); err != nil {
		return err
	}
	act := action.AdminRoomUnlock
	if locked {
		act = action.AdminRoomLock
	}
	return s.run(ctx, p, operation{
		action:     act,
		tier:       auth.RoleElevated,
		targetType: audit.TargetRoom,
		targetID:   req.RoomID,
		target: func(ctx context.Context, _ auth.State) error {
			room, err := s.loadRoom(ctx, req.RoomID)
			if err != nil {
				return err
			}
			if room.Locked == locked {
				return fmt.Errorf("%w: room %s locked=%t already", ErrInvalidState, room.ID, locked)
			}
			return nil
		},
		apply: func(ctx context.Context, actor auth.State) (map[string]any, error) {
			lock := RoomLock{Locked: locked, By: actor.SubjectID, Reason: strings.TrimSpace(req.Reason), At: s.now().UTC()}
			if err := s.rooms.SetRoomLock(ctx, req.RoomID, lock); err != nil {
				return nil, fmt.Errorf("set room lock: %w", err)
			}
			return map[string]any{"locked": locked, "reason": lock.Reason}, nil
		},
	})
}

// RoomKey is a revealed private room key.
type RoomKey struct {
	RoomID string
	Key    string
}

// RevealRoomKey returns the plaintext key of a private room. Superelevated
// actors only, and only with a second-factor code presented for this request.
func (s *Service) RevealRoomKey(ctx context.Context, p auth.Principal, req RevealRequest) (RoomKey, error) {
	if err := s.check(req); err != nil {
		return RoomKey{}, err
	}
	var (
		out  RoomKey
		room Room
	)
	err := s.run(ctx, p, operation{
		action:     action.AdminRoomKeyReveal,
		tier:       auth.RoleSuperelevated,
		targetType: audit.TargetRoom,
		targetID:   req.RoomID,
		target: func(ctx context.Context, actor auth.State) error {
			var err error
			room, err = s.loadRoom(ctx, req.RoomID)
			if err != nil {
				return err
			}
			if !room.Private || len(room.SealedKey) == 0 {
				return fmt.Errorf("%w: room %s has no private key", ErrInvalidState, room.ID)
			}
			if _, err := s.creds.Verify(ctx, actor.SubjectID, req.Code); err != nil {
				return err
			}
			return nil
		},
		apply: func(ctx context.Context, actor auth.State) (map[string]any, error) {
			if s.sealer == nil {
				return nil, fmt.Errorf("%w: no room key identity configured", secret.ErrSealed)
			}
			key, err := s.sealer.Open(room.SealedKey)
			if err != nil {
				return nil, err
			}
			out = RoomKey{RoomID: room.ID, Key: key}
			return map[string]any{"room_name": room.Name}, nil
		},
	})
	return out, err
}

// ValidateRoomSecret resolves a presented private room key to its room. It is
// anonymous, rate limited per source address and not audited.
func (s *Service) ValidateRoomSecret(ctx context.Context, sourceAddress, presented string) (string, error) {
	res, err := s.limiter.Allow(ctx, action.RoomSecretValidate, sourceAddress)
	if err != nil {
		return "", err
	}
	if !res.Allowed {
		return "", retry(ErrRateLimited, res.RetryAfter())
	}
	roomID, err := s.scanner.FindRoomBySecret(ctx, presented)
	if errors.Is(err, secret.ErrNotFound) {
		return "", fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return roomID, err
}
