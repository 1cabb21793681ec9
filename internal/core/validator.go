package core

import (
	"errors"
	"log/slog"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"bagbot/internal/types"
)

// slackUserIDPattern matches Slack user IDs such as U024BE7LH or W012A3CDE.
var slackUserIDPattern = regexp.MustCompile(`^[UW][A-Z0-9]{2,}$`)

// Validator wraps go-playground/validator with the bot's custom tags:
//
//	slackid - a Slack user ID
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator with the custom tags registered.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("slackid", func(fl validator.FieldLevel) bool {
		return slackUserIDPattern.MatchString(fl.Field().String())
	})
	return &Validator{validate: v, logger: logger}
}

// ValidateStruct checks s and returns a validation AppError listing every
// failing field by its JSON name.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		v.logger.Error("validator misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	fields := make(map[string]any, len(verrs))
	code := types.ErrCodeValidationMissingField
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
		if fe.Tag() == "slackid" {
			code = types.ErrCodeValidationInvalidUser
		}
	}
	return types.NewAppErrorWithDetails(code, "request validation failed", err, map[string]any{"fields": fields})
}
