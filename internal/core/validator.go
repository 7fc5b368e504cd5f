package core

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"routeready/internal/types"
)

// Validator wraps go-playground/validator so handlers can validate decoded
// request structs and get back structured AppErrors.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a new Validator.
func NewValidator(logger *slog.Logger) *Validator {
	return &Validator{
		validate: validator.New(),
		logger:   logger,
	}
}

// ValidateStruct validates the struct's `validate` tags and translates the
// first batch of failures into a single AppError with per-field details.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var invalidErr *validator.InvalidValidationError
	if errors.As(err, &invalidErr) {
		// Programming error (non-struct passed), not client input.
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation target is not a struct", err)
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed", err)
	}

	details := make(map[string]any, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[strings.ToLower(fe.Field())] = validationMessage(fe)
	}

	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationMissingField,
		"request validation failed",
		err,
		details,
	)
}

// validationMessage renders a client-safe description of one field failure.
func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "url":
		return "must be a valid URL"
	default:
		return "failed validation rule: " + fe.Tag()
	}
}
