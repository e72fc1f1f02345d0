package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrValidation marks request payloads that failed field validation.
var ErrValidation = errors.New("validation failed")

type Validator struct {
	validate  *validator.Validate
	redis     *redis.Client
	rateLimit int
}

// NewValidator builds a validator. A nil redis client disables rate limiting.
func NewValidator(rdb *redis.Client, requestsPerSecond int) *Validator {
	return &Validator{
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		redis:     rdb,
		rateLimit: requestsPerSecond,
	}
}

// Struct validates a request payload, returning an error wrapping
// ErrValidation that names each failing field.
func (v *Validator) Struct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		messages = append(messages, fieldMessage(fe))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(messages, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	field := lowerFirst(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}

func lowerFirst(s string) string {
	switch s {
	case "SessionID":
		return "sessionId"
	case "":
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// CheckRateLimit counts a request against a one-second window for key.
// Redis errors fail open.
func (v *Validator) CheckRateLimit(ctx context.Context, key string) bool {
	if v.redis == nil || v.rateLimit <= 0 {
		return true
	}

	redisKey := "ratelimit:" + key

	// Increment counter
	count, err := v.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		log.Warn().Err(err).Msg("Rate limit check failed, allowing request")
		return true // Allow on error
	}

	// Set expiry on first request
	if count == 1 {
		v.redis.Expire(ctx, redisKey, time.Second)
	}

	return count <= int64(v.rateLimit)
}
