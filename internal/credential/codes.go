package credential

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	BackupCodeCount  = 10
	BackupCodeLength = 8

	codeAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	digestContext = "parley 2024-06 backup code digest"
)

// GenerateBackupCodes returns n uppercase alphanumeric codes.
func GenerateBackupCodes(n int) ([]string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	codes := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	for len(codes) < n {
		var b strings.Builder
		for i := 0; i < BackupCodeLength; i++ {
			idx, err := rand.Int(rand.Reader, max)
			if err != nil {
				return nil, fmt.Errorf("generate backup code: %w", err)
			}
			b.WriteByte(codeAlphabet[idx.Int64()])
		}
		code := b.String()
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

// Digest is the stored form of a backup code. The subject id is mixed in so equal
// codes of different subjects never share a digest.
func Digest(subjectID, code string) []byte {
	h := blake3.NewDeriveKey(digestContext)
	_, _ = h.Write([]byte(subjectID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(normalizeCode(code)))
	return h.Sum(nil)
}

// normalizeCode upper-cases and strips separators users tend to type.
func normalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer(" ", "", "-", "").Replace(code)
}

func isTOTPCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isBackupCode(code string) bool {
	if len(code) != BackupCodeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(codeAlphabet, r) {
			return false
		}
	}
	return true
}
