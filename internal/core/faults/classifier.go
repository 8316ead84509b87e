package faults

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/vietddude/autofollow/internal/driver"
)

// Rule is one row of the classification table. Rules are evaluated in order
// and the first match wins.
type Rule struct {
	Name     string
	Kind     Kind
	Category string
	Match    func(err error) bool
}

// Classifier is an ordered (predicate, kind) table. It is safe for
// concurrent use once built.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier from rules in evaluation order.
func NewClassifier(rules ...Rule) *Classifier {
	return &Classifier{rules: append([]Rule(nil), rules...)}
}

// Default returns a classifier over DefaultRules.
func Default() *Classifier {
	return NewClassifier(DefaultRules()...)
}

// With returns a new classifier with extra rules evaluated before the
// existing ones, so site-specific strings can override the defaults.
func (c *Classifier) With(rules ...Rule) *Classifier {
	merged := make([]Rule, 0, len(rules)+len(c.rules))
	merged = append(merged, rules...)
	merged = append(merged, c.rules...)
	return &Classifier{rules: merged}
}

// Classify is total: every input maps to exactly one kind, Unknown when no
// rule matches.
func (c *Classifier) Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: Unknown, Category: CategoryUnclassified}
	}

	var marked *markedError
	if errors.As(err, &marked) {
		return Classification{Kind: marked.kind, Category: marked.category}
	}

	for _, r := range c.rules {
		if r.Match(err) {
			return Classification{Kind: r.Kind, Category: r.Category}
		}
	}
	return Classification{Kind: Unknown, Category: CategoryUnclassified}
}

// Is matches errors wrapping target.
func Is(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

// MessageMatches matches case-insensitive regular expressions against the
// error text.
func MessageMatches(patterns ...string) func(error) bool {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile("(?i)"+p))
	}
	return func(err error) bool {
		s := err.Error()
		for _, re := range compiled {
			if re.MatchString(s) {
				return true
			}
		}
		return false
	}
}

// RejectionMatches matches RejectionErrors whose message contains one of the
// markers.
func RejectionMatches(markers ...string) func(error) bool {
	return func(err error) bool {
		var rej *RejectionError
		if !errors.As(err, &rej) {
			return false
		}
		msg := strings.ToLower(rej.Message)
		for _, m := range markers {
			if strings.Contains(msg, strings.ToLower(m)) {
				return true
			}
		}
		return false
	}
}

// DefaultRules is the built-in table. Permanent patterns are checked before
// transient ones so that "login failed: timeout" stays permanent.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "cancelled", Kind: Permanent, Category: CategoryCancelled, Match: Is(context.Canceled)},
		{Name: "deadline", Kind: Transient, Category: CategoryTimeout, Match: Is(context.DeadlineExceeded)},
		{Name: "driver-timeout", Kind: Transient, Category: CategoryTimeout, Match: Is(driver.ErrTimeout)},
		{Name: "stale-element", Kind: Transient, Category: CategorySelector, Match: Is(driver.ErrStaleElement)},
		{Name: "missing-surface", Kind: Permanent, Category: CategorySelector, Match: Is(driver.ErrElementNotFound)},
		{Name: "session-closed", Kind: Transient, Category: CategoryBrowser, Match: Is(driver.ErrSessionClosed)},
		{
			Name: "business-rejection", Kind: Permanent, Category: CategoryRejection,
			Match: RejectionMatches(
				"already followed", "déjà suivi", "does not exist", "n'existe pas",
				"insufficient", "insuffisant", "expired", "closed order",
			),
		},
		{
			Name: "credentials", Kind: Permanent, Category: CategoryCredentials,
			Match: MessageMatches(
				`invalid.*credentials`, `incorrect.*password`, `wrong.*password`,
				`authentication.*failed`, `login.*failed`, `access.*denied`,
				`forbidden`, `unauthorized`, `\b401\b`, `\b403\b`,
			),
		},
		{
			Name: "account-state", Kind: Permanent, Category: CategoryAccount,
			Match: MessageMatches(`account.*(disabled|suspended|banned|locked)`),
		},
		{
			Name: "bad-input", Kind: Permanent, Category: CategorySelector,
			Match: MessageMatches(`invalid.*selector`, `malformed.*url`, `invalid.*input`),
		},
		{
			Name: "network", Kind: Transient, Category: CategoryNetwork,
			Match: MessageMatches(
				`net::err_`, `connection.*(refused|reset)`, `host.*unreachable`,
				`failed.*fetch`, `network.*error`, `\b50[234]\b`, `slow.*down`, `\beof\b`,
			),
		},
		{
			Name: "navigation", Kind: Transient, Category: CategoryNavigation,
			Match: MessageMatches(`navigation.*failed`, `load.*failed`, `page.*load.*timeout`),
		},
		{
			Name: "browser", Kind: Transient, Category: CategoryBrowser,
			Match: MessageMatches(
				`page.*crashed`, `target.*closed`, `browser.*disconnected`,
				`context.*disposed`, `execution.*context.*was.*destroyed`, `was.*closed`,
			),
		},
		{
			Name: "timeout-text", Kind: Transient, Category: CategoryTimeout,
			Match: MessageMatches(`timeout`, `timed out`),
		},
		{
			Name: "stale-text", Kind: Transient, Category: CategorySelector,
			Match: MessageMatches(`stale.*element`, `node.*detached`, `not attached`),
		},
	}
}
