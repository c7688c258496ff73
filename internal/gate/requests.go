package gate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	MinReasonLength = 10
	MaxBanDuration  = 365 * 24 * time.Hour
	MaxTimeout      = 30 * 24 * time.Hour
)

type BanRequest struct {
	TargetID string        `json:"target_id" validate:"required,max=64"`
	Reason   string        `json:"reason" validate:"reason,max=500"`
	Duration time.Duration `json:"duration" validate:"min=1m,max=8760h"`
}

type UnbanRequest struct {
	TargetID string `json:"target_id" validate:"required,max=64"`
	Reason   string `json:"reason" validate:"reason,max=500"`
}

type SuspendRequest struct {
	TargetID string        `json:"target_id" validate:"required,max=64"`
	Reason   string        `json:"reason" validate:"reason,max=500"`
	Duration time.Duration `json:"duration" validate:"min=1m,max=720h"`
}

type LiftRequest struct {
	TargetID string `json:"target_id" validate:"required,max=64"`
	Reason   string `json:"reason" validate:"reason,max=500"`
}

type RoomRequest struct {
	RoomID string `json:"room_id" validate:"required,max=64"`
	Reason string `json:"reason" validate:"reason,max=500"`
}

type RevealRequest struct {
	RoomID string `json:"room_id" validate:"required,max=64"`
	Code   string `json:"code" validate:"required,max=16"`
}

type CodeRequest struct {
	Code string `json:"code" validate:"required,max=16"`
}

type DisableRequest struct {
	Password string `json:"password" validate:"required,max=256"`
	Code     string `json:"code" validate:"required,max=16"`
}

type MessageRequest struct {
	Text string `json:"text" validate:"max=4000"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("reason", func(fl validator.FieldLevel) bool {
		return utf8.RuneCountInString(strings.TrimSpace(fl.Field().String())) >= MinReasonLength
	})
	return v
}

func (s *Service) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "reason":
		return fmt.Sprintf("%s must be at least %d characters", field, MinReasonLength)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
