// Package action names the rate-limited, quota-tracked and audited operation types.
package action

// Type identifies an operation for rate limiting, quotas and the audit trail.
type Type string

const (
	Login              Type = "login"
	Register           Type = "register"
	MessageSend        Type = "message.send"
	RoomSecretValidate Type = "room.secret_validate"

	TwoFactorSetup   Type = "twofactor.setup"
	TwoFactorConfirm Type = "twofactor.confirm"
	TwoFactorVerify  Type = "twofactor.verify"
	TwoFactorDisable Type = "twofactor.disable"

	AdminBan           Type = "admin.ban"
	AdminUnban         Type = "admin.unban"
	AdminTimeout       Type = "admin.timeout"
	AdminTimeoutLift   Type = "admin.timeout_lift"
	AdminRoomLock      Type = "admin.room_lock"
	AdminRoomUnlock    Type = "admin.room_unlock"
	AdminRoomKeyReveal Type = "admin.room_key_reveal"
)

// Category is the severity class recorded with each audit entry.
type Category string

const (
	Informational Category = "informational"
	Moderate      Category = "moderate"
	Critical      Category = "critical"
)

var categories = map[Type]Category{
	Login:              Informational,
	Register:           Informational,
	MessageSend:        Informational,
	RoomSecretValidate: Informational,
	TwoFactorSetup:     Critical,
	TwoFactorConfirm:   Critical,
	TwoFactorVerify:    Informational,
	TwoFactorDisable:   Critical,
	AdminBan:           Moderate,
	AdminUnban:         Moderate,
	AdminTimeout:       Critical,
	AdminTimeoutLift:   Critical,
	AdminRoomLock:      Moderate,
	AdminRoomUnlock:    Moderate,
	AdminRoomKeyReveal: Critical,
}

// CategoryOf returns the audit category of t. Unknown types are treated as critical.
func CategoryOf(t Type) Category {
	if c, ok := categories[t]; ok {
		return c
	}
	return Critical
}

// Known reports whether t is part of the catalogue.
func Known(t Type) bool {
	_, ok := categories[t]
	return ok
}

func (t Type) String() string { return string(t) }

// All returns every catalogued type in a stable order.
func All() []Type {
	return []Type{
		Login, Register, MessageSend, RoomSecretValidate,
		TwoFactorSetup, TwoFactorConfirm, TwoFactorVerify, TwoFactorDisable,
		AdminBan, AdminUnban, AdminTimeout, AdminTimeoutLift,
		AdminRoomLock, AdminRoomUnlock, AdminRoomKeyReveal,
	}
}
