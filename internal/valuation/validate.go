package valuation

import (
	"errors"
	"math"
	"time"

	"github.com/go-playground/validator/v10"

	"compsense/server/internal/models"
)

// newSubjectValidator registers the domain tags used on SubjectProperty.
func newSubjectValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("half_step", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return math.Mod(f*2, 1) == 0
	})
	_ = v.RegisterValidation("property_type", func(fl validator.FieldLevel) bool {
		return models.PropertyType(fl.Field().String()).Valid()
	})
	return v
}

// validateSubject checks the subject before any source query is made.
func validateSubject(v *validator.Validate, subject models.SubjectProperty, asOf time.Time) error {
	var fields []string

	if err := v.Struct(subject); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &Error{Kind: KindInvalidPropertyInput, Op: "validate subject", Err: err}
		}
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+":"+fe.Tag())
		}
	}
	// New construction may close the year after valuation.
	if subject.YearBuilt > asOf.Year()+1 {
		fields = append(fields, "YearBuilt:future")
	}

	if len(fields) > 0 {
		return &Error{
			Kind:       KindInvalidPropertyInput,
			Op:         "validate subject",
			Message:    "invalid subject property",
			SegmentKey: subject.SegmentKey,
			Fields:     fields,
		}
	}
	return nil
}
