package auth

import (
	"fmt"
	"strings"
)

// Role is the closed set of privilege tiers. The numeric order is the rank order.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleUser
	RoleElevated
	RoleSuperelevated
)

var roleNames = map[Role]string{
	RoleUser:          "user",
	RoleElevated:      "elevated",
	RoleSuperelevated: "superelevated",
}

// Capabilities are the per-role flags consulted by the gates instead of role names.
type Capabilities struct {
	// Privileged roles may pass RequireElevated.
	Privileged bool
	// QuotaExempt roles skip the quota ledger entirely.
	QuotaExempt bool
	// Suspendable roles can receive an AdminTimeout through the pipeline.
	Suspendable bool
}

var roleCapabilities = map[Role]Capabilities{
	RoleUser:          {},
	RoleElevated:      {Privileged: true, Suspendable: true},
	RoleSuperelevated: {Privileged: true, QuotaExempt: true},
}

// ParseRole converts the wire representation into a Role.
func ParseRole(s string) (Role, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for r, name := range roleNames {
		if name == s {
			return r, nil
		}
	}
	return RoleUnknown, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether r is one of the three defined tiers.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// AtLeast reports whether r ranks at or above min.
func (r Role) AtLeast(min Role) bool {
	return r.Valid() && r >= min
}

// Capabilities returns the flags for r; unknown roles have none.
func (r Role) Capabilities() Capabilities {
	return roleCapabilities[r]
}

// CanActOn is the partial order used for target checks: elevated actors act on users,
// superelevated actors act on users and elevated subjects, nobody acts on a superelevated subject.
func (r Role) CanActOn(target Role) bool {
	switch r {
	case RoleElevated:
		return target == RoleUser
	case RoleSuperelevated:
		return target == RoleUser || target == RoleElevated
	default:
		return false
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
