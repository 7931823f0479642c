package core

import (
	"reflect"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	slugRegex  = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
	phoneRegex = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
)

// StructValidator adapts github.com/go-playground/validator/v10 to the
// Validator contract, for handlers whose payload types carry `validate:"..."`
// struct tags. Beyond the library's built-in tags, it registers "slug",
// "phone_e164", and "password_strong" for payloads that carry
// user-provided identifiers or credentials.
type StructValidator struct {
	validate *validator.Validate
}

// NewStructValidator builds a StructValidator.
func NewStructValidator() *StructValidator {
	v := validator.New()
	_ = v.RegisterValidation("slug", validateSlug)
	_ = v.RegisterValidation("phone_e164", validatePhone)
	_ = v.RegisterValidation("password_strong", validatePasswordStrong)
	return &StructValidator{validate: v}
}

func validateSlug(fl validator.FieldLevel) bool {
	return slugRegex.MatchString(fl.Field().String())
}

func validatePhone(fl validator.FieldLevel) bool {
	return phoneRegex.MatchString(fl.Field().String())
}

func validatePasswordStrong(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) >= 8
}

// Validate runs struct-tag validation against msg.Payload. Non-struct
// payloads (e.g. primitives, maps) always succeed, since validator/v10 has
// nothing to check against.
func (v *StructValidator) Validate(msg Message) ValidationResult {
	if msg.Payload == nil {
		return Valid
	}
	rv := reflect.Indirect(reflect.ValueOf(msg.Payload))
	if rv.Kind() != reflect.Struct {
		return Valid
	}
	if err := v.validate.Struct(msg.Payload); err != nil {
		return ValidationResult{Success: false, Message: err.Error()}
	}
	return Valid
}
