package gate

import (
	"context"

	"parley.chat/internal/action"
	"parley.chat/internal/audit"
	"parley.chat/internal/auth"
	"parley.chat/internal/credential"
)

// SetupTwoFactor issues a pending credential for the caller. The enrollment is
// returned once and never written to the audit trail.
func (s *Service) SetupTwoFactor(ctx context.Context, p auth.Principal, account string) (credential.Enrollment, error) {
	var out credential.Enrollment
	err := s.run(ctx, p, selfOp(action.TwoFactorSetup, p, func(ctx context.Context, actor auth.State) (map[string]any, error) {
		enr, err := s.creds.Issue(ctx, actor.SubjectID, account)
		if err != nil {
			return nil, err
		}
		out = enr
		return map[string]any{"backup_codes_issued": len(enr.BackupCodes)}, nil
	}))
	return out, err
}

// ConfirmTwoFactor enables the pending credential.
func (s *Service) ConfirmTwoFactor(ctx context.Context, p auth.Principal, req CodeRequest) error {
	if err := s.check(req); err != nil {
		return err
	}
	return s.run(ctx, p, selfOp(action.TwoFactorConfirm, p, func(ctx context.Context, actor auth.State) (map[string]any, error) {
		if err := s.creds.Confirm(ctx, actor.SubjectID, req.Code); err != nil {
			return nil, err
		}
		return map[string]any{"enabled": true}, nil
	}))
}

// VerifyTwoFactor checks a TOTP or backup code for the caller.
func (s *Service) VerifyTwoFactor(ctx context.Context, p auth.Principal, req CodeRequest) (credential.Result, error) {
	if err := s.check(req); err != nil {
		return credential.Result{}, err
	}
	var out credential.Result
	err := s.run(ctx, p, selfOp(action.TwoFactorVerify, p, func(ctx context.Context, actor auth.State) (map[string]any, error) {
		res, err := s.creds.Verify(ctx, actor.SubjectID, req.Code)
		if err != nil {
			return nil, err
		}
		out = res
		details := map[string]any{"used_backup_code": res.UsedBackupCode}
		if res.UsedBackupCode {
			if n, err := s.creds.RemainingBackupCodes(ctx, actor.SubjectID); err == nil {
				details["remaining_backup_codes"] = n
			}
		}
		return details, nil
	}))
	return out, err
}

// DisableTwoFactor removes the caller's credential after a fresh password and code check.
func (s *Service) DisableTwoFactor(ctx context.Context, p auth.Principal, req DisableRequest) error {
	if err := s.check(req); err != nil {
		return err
	}
	return s.run(ctx, p, selfOp(action.TwoFactorDisable, p, func(ctx context.Context, actor auth.State) (map[string]any, error) {
		if err := s.creds.Disable(ctx, actor.SubjectID, req.Password, req.Code); err != nil {
			return nil, err
		}
		return map[string]any{"enabled": false}, nil
	}))
}

func selfOp(a action.Type, p auth.Principal, apply func(context.Context, auth.State) (map[string]any, error)) operation {
	return operation{
		action:     a,
		tier:       tierNone,
		targetType: audit.TargetSelf,
		targetID:   p.SubjectID,
		apply:      apply,
	}
}
