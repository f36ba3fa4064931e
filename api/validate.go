package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/shopspring/decimal"
	"github.com/warp/school-billing/billing"
)

const maxBodyBytes = 1 << 20

var (
	validate   *validator.Validate
	translator ut.Translator

	monthTag = "month"
)

func init() {
	validate = validator.New()

	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// report JSON names instead of Go field names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// decimals validate as numbers, so gt=0 / gte=0 apply to money
	validate.RegisterCustomTypeFunc(func(v reflect.Value) interface{} {
		if d, ok := v.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	_ = validate.RegisterValidation(monthTag, func(fl validator.FieldLevel) bool {
		_, err := billing.ParseMonth(fl.Field().String())
		return err == nil
	})
	_ = validate.RegisterTranslation(monthTag, translator,
		func(ut.Translator) error { return nil },
		func(_ ut.Translator, fe validator.FieldError) string {
			return fmt.Sprintf("%s must be a month formatted YYYY-MM", fe.Field())
		})
}

// bindError is a request body that failed to decode or validate.
type bindError struct {
	message string
	fields  map[string]string
}

func (e *bindError) Error() string { return e.message }

// bind decodes the JSON body into dst and validates it.
func bind(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &bindError{message: "Invalid request body: " + err.Error()}
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &bindError{message: err.Error()}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Translate(translator)
	}
	return &bindError{message: "Validation failed", fields: fields}
}
