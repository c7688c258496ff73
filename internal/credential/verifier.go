// Package credential manages the second factor: TOTP secrets and single-use
// backup codes.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"parley.chat/internal/auth"
	"parley.chat/internal/obs"
)

var (
	ErrNotConfigured   = errors.New("credential: second factor not configured")
	ErrAlreadyEnabled  = errors.New("credential: second factor already enabled")
	ErrMalformedCode   = errors.New("credential: malformed code")
	ErrInvalidCode     = errors.New("credential: invalid code")
	ErrInvalidPassword = errors.New("credential: invalid password")
	ErrUnavailable     = errors.New("credential: store unavailable")
)

const (
	DefaultIssuer = "Parley"

	totpPeriod = 30
	totpSkew   = 1
	totpDigits = otp.DigitsSix

	defaultStoreTimeout = 2 * time.Second
)

// Credential is a stored TOTP secret. It is not used for verification until Enabled.
type Credential struct {
	SubjectID   string
	Secret      string
	Enabled     bool
	CreatedAt   time.Time
	ConfirmedAt time.Time
}

// Store persists credentials and backup code digests.
type Store interface {
	// Credential returns the stored credential or ErrNotConfigured.
	Credential(ctx context.Context, subjectID string) (Credential, error)
	// SavePendingCredential replaces any disabled credential and backup codes of
	// the subject. It fails with ErrAlreadyEnabled when an enabled one exists.
	SavePendingCredential(ctx context.Context, cred Credential, codeDigests [][]byte) error
	// EnableCredential flips a pending credential on; ErrAlreadyEnabled if it already is.
	EnableCredential(ctx context.Context, subjectID string, at time.Time) error
	// ConsumeBackupCode deletes the matching digest and reports whether one was deleted.
	// Concurrent calls with the same digest must see exactly one true.
	ConsumeBackupCode(ctx context.Context, subjectID string, digest []byte) (bool, error)
	CountBackupCodes(ctx context.Context, subjectID string) (int, error)
	DeleteCredential(ctx context.Context, subjectID string) error
}

// Enrollment is returned once by Issue. Nothing in it can be recovered later.
type Enrollment struct {
	Secret      string
	URL         string
	BackupCodes []string
}

// Result is a successful verification.
type Result struct {
	Valid          bool
	UsedBackupCode bool
}

// Verifier issues, confirms, verifies and disables second factors.
type Verifier struct {
	store    Store
	subjects auth.SubjectStore
	issuer   string
	now      func() time.Time
	timeout  time.Duration
}

type Option func(*Verifier)

// WithIssuer sets the issuer shown by authenticator apps.
func WithIssuer(issuer string) Option {
	return func(v *Verifier) {
		if strings.TrimSpace(issuer) != "" {
			v.issuer = issuer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

func WithStoreTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// NewVerifier needs subjects to re-check passwords on Disable.
func NewVerifier(store Store, subjects auth.SubjectStore, opts ...Option) (*Verifier, error) {
	if store == nil || subjects == nil {
		return nil, errors.New("credential: store and subject store are required")
	}
	v := &Verifier{
		store:    store,
		subjects: subjects,
		issuer:   DefaultIssuer,
		now:      time.Now,
		timeout:  defaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func (v *Verifier) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    totpDigits,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// Issue generates a new secret and backup codes, stored disabled until Confirm.
func (v *Verifier) Issue(ctx context.Context, subjectID, account string) (Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	cur, err := v.store.Credential(ctx, subjectID)
	switch {
	case err == nil && cur.Enabled:
		return Enrollment{}, ErrAlreadyEnabled
	case err != nil && !errors.Is(err, ErrNotConfigured):
		return Enrollment{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if strings.TrimSpace(account) == "" {
		account = subjectID
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: account,
		Period:      totpPeriod,
		Digits:      totpDigits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("generate totp secret: %w", err)
	}
	codes, err := GenerateBackupCodes(BackupCodeCount)
	if err != nil {
		return Enrollment{}, err
	}
	digests := make([][]byte, len(codes))
	for i, c := range codes {
		digests[i] = Digest(subjectID, c)
	}

	cred := Credential{SubjectID: subjectID, Secret: key.Secret(), CreatedAt: v.now().UTC()}
	if err := v.store.SavePendingCredential(ctx, cred, digests); err != nil {
		if errors.Is(err, ErrAlreadyEnabled) {
			return Enrollment{}, err
		}
		return Enrollment{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Enrollment{Secret: key.Secret(), URL: key.URL(), BackupCodes: codes}, nil
}

// Confirm enables a pending credential when code is a current TOTP code for it.
func (v *Verifier) Confirm(ctx context.Context, subjectID, code string) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	cred, err := v.load(ctx, subjectID)
	if err != nil {
		return err
	}
	if cred.Enabled {
		return ErrAlreadyEnabled
	}
	code = normalizeCode(code)
	if !isTOTPCode(code) {
		return ErrMalformedCode
	}
	if !v.validTOTP(code, cred.Secret) {
		return ErrInvalidCode
	}
	if err := v.store.EnableCredential(ctx, subjectID, v.now().UTC()); err != nil {
		if errors.Is(err, ErrAlreadyEnabled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Verify accepts a TOTP code or, failing that, consumes a backup code.
func (v *Verifier) Verify(ctx context.Context, subjectID, code string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	res, err := v.verify(ctx, subjectID, code)
	outcome := "allowed"
	if err != nil {
		outcome = "denied"
	}
	obs.ObserveGate("second_factor", outcome)
	return res, err
}

func (v *Verifier) verify(ctx context.Context, subjectID, code string) (Result, error) {
	cred, err := v.load(ctx, subjectID)
	if err != nil {
		return Result{}, err
	}
	if !cred.Enabled {
		return Result{}, ErrNotConfigured
	}
	code = normalizeCode(code)
	switch {
	case isTOTPCode(code):
		if v.validTOTP(code, cred.Secret) {
			return Result{Valid: true}, nil
		}
		return Result{}, ErrInvalidCode
	case isBackupCode(code):
		ok, err := v.store.ConsumeBackupCode(ctx, subjectID, Digest(subjectID, code))
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if !ok {
			return Result{}, ErrInvalidCode
		}
		obs.Logger().WithField("subject_id", subjectID).Info("credential: backup code redeemed")
		return Result{Valid: true, UsedBackupCode: true}, nil
	default:
		return Result{}, ErrMalformedCode
	}
}

// Disable removes the credential and its backup codes after re-checking the
// password and a current code.
func (v *Verifier) Disable(ctx context.Context, subjectID, password, code string) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	subj, err := v.subjects.Subject(ctx, subjectID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return ErrInvalidPassword
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := auth.VerifyPassword(subj.PasswordHash, password); err != nil {
		return ErrInvalidPassword
	}
	if _, err := v.verify(ctx, subjectID, code); err != nil {
		return err
	}
	if err := v.store.DeleteCredential(ctx, subjectID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Enabled reports whether subjectID has a confirmed credential.
func (v *Verifier) Enabled(ctx context.Context, subjectID string) (bool, error) {
	cred, err := v.store.Credential(ctx, subjectID)
	if errors.Is(err, ErrNotConfigured) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cred.Enabled, nil
}

// RemainingBackupCodes counts unused backup codes.
func (v *Verifier) RemainingBackupCodes(ctx context.Context, subjectID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	n, err := v.store.CountBackupCodes(ctx, subjectID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

func (v *Verifier) load(ctx context.Context, subjectID string) (Credential, error) {
	cred, err := v.store.Credential(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return Credential{}, err
		}
		return Credential{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return cred, nil
}

func (v *Verifier) validTOTP(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, v.now().UTC(), v.validateOpts())
	return err == nil && ok
}
