package classify

import (
	"context"
	"errors"
	"strings"

	"github.com/kindred-app/resilsync/contracts"
)

// Classification is the outcome of classifying a raw remote failure.
type Classification struct {
	Category  contracts.Category `json:"category"`
	Severity  contracts.Severity `json:"severity"`
	Retryable bool               `json:"retryable"`
}

// Rule maps an error-text pattern to a classification. Patterns are matched
// as case-insensitive substrings in declaration order; first match wins.
type Rule struct {
	Pattern   string
	Category  contracts.Category
	Severity  contracts.Severity
	Retryable bool
}

// DefaultRules returns the built-in classification table.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: "timeout", Category: contracts.CategoryNetwork, Severity: contracts.SeverityMedium, Retryable: true},
		{Pattern: "deadline exceeded", Category: contracts.CategoryNetwork, Severity: contracts.SeverityMedium, Retryable: true},
		{Pattern: "network_error", Category: contracts.CategoryNetwork, Severity: contracts.SeverityMedium, Retryable: true},
		{Pattern: "connection refused", Category: contracts.CategoryNetwork, Severity: contracts.SeverityMedium, Retryable: true},
		{Pattern: "connection reset", Category: contracts.CategoryNetwork, Severity: contracts.SeverityMedium, Retryable: true},
		{Pattern: "no such host", Category: contracts.CategoryNetwork, Severity: contracts.SeverityHigh, Retryable: true},
		{Pattern: "service_unavailable", Category: contracts.CategoryService, Severity: contracts.SeverityHigh, Retryable: true},
		{Pattern: "bad gateway", Category: contracts.CategoryService, Severity: contracts.SeverityHigh, Retryable: true},
		{Pattern: "rate_limited", Category: contracts.CategoryService, Severity: contracts.SeverityLow, Retryable: true},
		{Pattern: "too many requests", Category: contracts.CategoryService, Severity: contracts.SeverityLow, Retryable: true},
		{Pattern: "internal server error", Category: contracts.CategoryService, Severity: contracts.SeverityHigh, Retryable: true},
		{Pattern: "authentication_error", Category: contracts.CategorySecurity, Severity: contracts.SeverityHigh, Retryable: false},
		{Pattern: "authorization_error", Category: contracts.CategorySecurity, Severity: contracts.SeverityHigh, Retryable: false},
		{Pattern: "unauthorized", Category: contracts.CategorySecurity, Severity: contracts.SeverityHigh, Retryable: false},
		{Pattern: "forbidden", Category: contracts.CategorySecurity, Severity: contracts.SeverityHigh, Retryable: false},
		{Pattern: "encrypt", Category: contracts.CategorySecurity, Severity: contracts.SeverityCritical, Retryable: false},
		{Pattern: "decrypt", Category: contracts.CategorySecurity, Severity: contracts.SeverityCritical, Retryable: false},
		{Pattern: "data_corruption", Category: contracts.CategoryData, Severity: contracts.SeverityCritical, Retryable: false},
		{Pattern: "checksum mismatch", Category: contracts.CategoryData, Severity: contracts.SeverityCritical, Retryable: false},
		{Pattern: "version conflict", Category: contracts.CategoryData, Severity: contracts.SeverityMedium, Retryable: false},
		{Pattern: "validation", Category: contracts.CategoryValidation, Severity: contracts.SeverityLow, Retryable: false},
		{Pattern: "invalid payload", Category: contracts.CategoryValidation, Severity: contracts.SeverityLow, Retryable: false},
		{Pattern: "malformed", Category: contracts.CategoryValidation, Severity: contracts.SeverityLow, Retryable: false},
	}
}

// Classifier maps raw failures to classifications using a rule table.
// Classification has no side effects and never fails: unknown errors fall
// back to a retryable medium-severity network classification.
type Classifier struct {
	rules    []Rule
	fallback Classification
}

// Option configures the classifier.
type Option func(*Classifier)

// WithRules prepends rules ahead of the default table so callers can extend
// or override classifications without code changes.
func WithRules(rules ...Rule) Option {
	return func(c *Classifier) {
		c.rules = append(rules, c.rules...)
	}
}

// WithFallback overrides the classification applied to unmatched errors.
func WithFallback(fallback Classification) Option {
	return func(c *Classifier) {
		c.fallback = fallback
	}
}

// NewClassifier creates a classifier seeded with the default rule table.
func NewClassifier(options ...Option) *Classifier {
	c := &Classifier{
		rules: DefaultRules(),
		fallback: Classification{
			Category:  contracts.CategoryNetwork,
			Severity:  contracts.SeverityMedium,
			Retryable: true,
		},
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// retryable is the error contract honored across the engine.
type retryable interface {
	IsRetryable() bool
}

// Classify maps an error to its classification. A nil error classifies as a
// non-retryable low-severity validation failure since there is nothing to
// retry.
func (c *Classifier) Classify(err error) Classification {
	if err == nil {
		return Classification{
			Category: contracts.CategoryValidation,
			Severity: contracts.SeverityLow,
		}
	}

	cls, matched := c.match(err)
	if !matched {
		cls = c.fallback
	}

	// An explicit retryability marker on the error wins over the table.
	var r retryable
	if errors.As(err, &r) {
		cls.Retryable = r.IsRetryable()
	}

	return cls
}

func (c *Classifier) match(err error) (Classification, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{
			Category:  contracts.CategoryNetwork,
			Severity:  contracts.SeverityMedium,
			Retryable: true,
		}, true
	}

	text := strings.ToLower(err.Error())
	for _, rule := range c.rules {
		if strings.Contains(text, strings.ToLower(rule.Pattern)) {
			return Classification{
				Category:  rule.Category,
				Severity:  rule.Severity,
				Retryable: rule.Retryable,
			}, true
		}
	}

	return Classification{}, false
}

// RecoverySuggestions returns caller-facing guidance for a classification.
func RecoverySuggestions(cls Classification) []string {
	switch cls.Category {
	case contracts.CategoryNetwork:
		return []string{"check connectivity", "operation will be retried automatically"}
	case contracts.CategoryService:
		return []string{"remote service degraded", "operation queued for later delivery"}
	case contracts.CategorySecurity:
		return []string{"re-authenticate before retrying", "do not resubmit automatically"}
	case contracts.CategoryData:
		return []string{"verify entity integrity", "manual reconciliation may be required"}
	case contracts.CategoryValidation:
		return []string{"correct the request and resubmit"}
	default:
		return nil
	}
}
