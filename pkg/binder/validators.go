package binder

import (
	"net/url"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// syncTokenValidator accepts the empty string or a non-negative integer
// small enough to be a sequence number. Combine it with `required` when an
// empty token makes no sense.
func syncTokenValidator(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	seq, err := strconv.ParseInt(value, 10, 64)
	return err == nil && seq >= 0
}

// urlValidator accepts absolute http(s) URLs or the empty string.
func urlValidator(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	u, err := url.ParseRequestURI(value)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
