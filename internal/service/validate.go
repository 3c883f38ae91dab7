package service

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// validateStruct reports the first failing field as ErrInvalidInput.
func validateStruct(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return invalidf("%v", err)
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return invalidf("%s is required", fe.Field())
	case "email":
		return invalidf("%s must be a valid email address", fe.Field())
	case "e164":
		return invalidf("%s must be an E.164 phone number", fe.Field())
	case "number":
		return invalidf("%s must contain digits only", fe.Field())
	case "len":
		return invalidf("%s must be exactly %s characters", fe.Field(), fe.Param())
	case "min", "max":
		return invalidf("%s length is out of range", fe.Field())
	case "oneof":
		return invalidf("%s must be one of: %s", fe.Field(), fe.Param())
	case "datetime":
		return invalidf("%s must be a date (YYYY-MM-DD)", fe.Field())
	}
	return invalidf("%s is invalid", fe.Field())
}
