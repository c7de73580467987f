package core

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"billfetch/internal/types"
)

// Validator wraps go-playground/validator and translates its failures into
// the AppError taxonomy so handlers never surface raw validator output.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator.
func NewValidator(logger *slog.Logger) *Validator {
	return &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// ValidateStruct checks the struct's validate tags and returns a 400-class
// AppError describing the first set of violations, or nil.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation could not run", err)
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "request failed validation", err)
	}

	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[strings.ToLower(fe.Field())] = fe.Tag()
	}

	code := types.ErrCodeValidationInvalidBody
	if len(verrs) > 0 && verrs[0].Tag() == "required" {
		code = types.ErrCodeValidationMissingField
	}
	return types.NewAppErrorWithDetails(code, "request failed validation", err, details)
}
