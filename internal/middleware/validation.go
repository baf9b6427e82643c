package middleware

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/jwalitptl/booking-api/internal/model"
	apperrors "github.com/jwalitptl/booking-api/pkg/errors"
	"github.com/jwalitptl/booking-api/pkg/httputil"
)

// ValidationConfig represents validation middleware configuration
type ValidationConfig struct {
	CustomValidators    map[string]validator.Func
	CustomErrorMessages map[string]string
}

var phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 ()\-]{6,19}$`)

func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		CustomValidators: map[string]validator.Func{
			"otpscope": func(fl validator.FieldLevel) bool {
				return model.OTPScope(fl.Field().String()).Valid()
			},
			"phone": func(fl validator.FieldLevel) bool {
				return phonePattern.MatchString(strings.TrimSpace(fl.Field().String()))
			},
			"isodate": func(fl validator.FieldLevel) bool {
				_, err := time.Parse(time.DateOnly, fl.Field().String())
				return err == nil
			},
		},
		CustomErrorMessages: map[string]string{
			"required": "field is required",
			"email":    "invalid email format",
			"phone":    "invalid phone number",
			"otpscope": "unsupported verification scope",
			"isodate":  "expected a date in YYYY-MM-DD form",
			"len":      "invalid length",
			"numeric":  "must contain digits only",
			"max":      "value is too long",
		},
	}
}

// RegisterValidators installs the custom tags on gin's validator engine and
// reports field names by their json tag.
func RegisterValidators(config ValidationConfig) {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	for tag, fn := range config.CustomValidators {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(err)
		}
	}
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, key := range []string{"json", "form"} {
			name := strings.SplitN(fld.Tag.Get(key), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return fld.Name
	})
}

// Validation renders binding errors attached by handlers. Field-level
// failures become a field list; anything else is a malformed request.
func Validation(config ValidationConfig) gin.HandlerFunc {
	RegisterValidators(config)

	return func(c *gin.Context) {
		c.Next()

		bindErrs := c.Errors.ByType(gin.ErrorTypeBind)
		if len(bindErrs) == 0 || c.Writer.Written() {
			return
		}

		err := bindErrs.Last().Err
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			httputil.RespondWithError(c, apperrors.BadRequest("malformed request", err))
			return
		}

		fields := make([]httputil.FieldError, 0, len(verrs))
		for _, e := range verrs {
			msg := config.CustomErrorMessages[e.Tag()]
			if msg == "" {
				msg = e.Error()
			}
			fields = append(fields, httputil.FieldError{Field: e.Field(), Message: msg})
		}
		httputil.RespondWithFieldErrors(c, fields)
	}
}
