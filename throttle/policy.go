package throttle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// ErrInvalidPolicy is wrapped by every error returned from Policy.Validate.
var ErrInvalidPolicy = errors.New("invalid throttle policy")

// Policy configures an Entry. It is a plain value: copy it freely, every
// entry keeps its own copy.
type Policy struct {
	// SlidingWindowPeriod is the span over which reservations are counted.
	SlidingWindowPeriod time.Duration `mapstructure:"sliding_window_period" validate:"gt=0"`
	// MaxSendThreshold caps reservations inside one window before the
	// advisory delay becomes non-zero.
	MaxSendThreshold int `mapstructure:"max_send_threshold" validate:"gt=0"`
	// NumErrorsToIgnore is how many leading failures are absorbed before
	// backoff starts.
	NumErrorsToIgnore int `mapstructure:"num_errors_to_ignore" validate:"gte=0"`
	// InitialDelay is the backoff applied at the first counted failure.
	InitialDelay time.Duration `mapstructure:"initial_delay" validate:"gt=0"`
	// MultiplyFactor grows the delay for each additional failure.
	MultiplyFactor float64 `mapstructure:"multiply_factor" validate:"gte=1"`
	// JitterFactor is the fraction of the delay that may be randomly removed.
	JitterFactor float64 `mapstructure:"jitter_factor" validate:"gte=0,lte=1"`
	// MaximumBackoff caps the computed delay.
	MaximumBackoff time.Duration `mapstructure:"maximum_backoff" validate:"gtefield=InitialDelay"`
	// EntryLifetime is how long an idle, failure free entry is kept.
	EntryLifetime time.Duration `mapstructure:"entry_lifetime" validate:"gt=0"`
}

// DefaultPolicy returns the values browsers have shipped with for years.
func DefaultPolicy() Policy {
	return Policy{
		SlidingWindowPeriod: 2 * time.Second,
		MaxSendThreshold:    20,
		NumErrorsToIgnore:   2,
		InitialDelay:        700 * time.Millisecond,
		MultiplyFactor:      1.4,
		JitterFactor:        0.4,
		MaximumBackoff:      15 * time.Minute,
		EntryLifetime:       2 * time.Minute,
	}
}

var validate *validator.Validate
var translator ut.Translator

func init() {
	validate = validator.New()
	var ok bool
	translator, ok = ut.New(en.New(), en.New()).GetTranslator("en")
	if !ok {
		panic("throttle: failed to get 'en' translator")
	}

	if err := en_translations.RegisterDefaultTranslations(validate, translator); err != nil {
		panic(err)
	}
}

// Validate reports every field that is out of range. The returned error
// wraps ErrInvalidPolicy and, when fields failed, a FieldErrors.
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		verrors, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
		}

		fields := make(FieldErrors, 0, len(verrors))
		for _, verror := range verrors {
			fields = append(fields, FieldError{
				Field: verror.Field(),
				Err:   verror.Translate(translator),
			})
		}
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, fields)
	}

	return nil
}

// FieldError is a single out-of-range Policy field.
type FieldError struct {
	Field string
	Err   string
}

// FieldErrors is the set of Policy fields that failed validation.
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	parts := make([]string, len(fe))
	for i, f := range fe {
		parts[i] = f.Field + ": " + f.Err
	}
	return strings.Join(parts, "; ")
}

// Fields returns the failed fields keyed by name.
func (fe FieldErrors) Fields() map[string]string {
	m := make(map[string]string, len(fe))
	for _, f := range fe {
		m[f.Field] = f.Err
	}
	return m
}

// GetFieldErrors extracts FieldErrors from err, or nil.
func GetFieldErrors(err error) FieldErrors {
	var fe FieldErrors
	if !errors.As(err, &fe) {
		return nil
	}
	return fe
}
