package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the request and normalizes the options version.
func (r *Request) Validate() error {
	r.URL = strings.TrimSpace(r.URL)
	if err := validate.Struct(r); err != nil {
		return toValidationError(err)
	}
	u, err := url.Parse(r.URL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return &ValidationError{Field: "url", Message: "must be an absolute URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Message: "scheme must be http or https"}
	}
	for key := range r.Options.Headers {
		if http.CanonicalHeaderKey(key) == "Host" || strings.TrimSpace(key) == "" {
			return &ValidationError{Field: "options.headers", Message: fmt.Sprintf("header %q not allowed", key)}
		}
	}
	for name, sel := range r.Options.Selectors {
		if _, err := cascadia.Compile(sel); err != nil {
			return &ValidationError{Field: "options.selectors." + name, Message: "invalid CSS selector"}
		}
	}
	if r.Options.WaitSelector != "" {
		if _, err := cascadia.Compile(r.Options.WaitSelector); err != nil {
			return &ValidationError{Field: "options.wait_selector", Message: "invalid CSS selector"}
		}
	}
	if r.Options.Version == 0 {
		r.Options.Version = OptionsVersion
	}
	return nil
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	first := verrs[0]
	field := jsonFieldPath(first.Namespace())
	switch first.Tag() {
	case "required":
		return &ValidationError{Field: field, Message: "is required"}
	case "url", "http_url":
		return &ValidationError{Field: field, Message: "must be an absolute URL"}
	case "eq":
		return &ValidationError{Field: field, Message: fmt.Sprintf("unsupported value, expected %s", first.Param())}
	default:
		return &ValidationError{Field: field, Message: fmt.Sprintf("failed %q check", first.Tag())}
	}
}

// jsonFieldPath turns "Request.Options.TimeoutSeconds" into "options.timeout_seconds".
func jsonFieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if idx := strings.IndexByte(p, '['); idx >= 0 {
			p = p[:idx]
		}
		parts[i] = snakeCase(p)
	}
	return strings.Join(parts, ".")
}

func snakeCase(s string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			prevLower = false
			continue
		}
		b.WriteRune(r)
		prevLower = true
	}
	return b.String()
}
