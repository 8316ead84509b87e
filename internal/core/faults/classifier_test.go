package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/vietddude/autofollow/internal/driver"
)

func TestClassify(t *testing.T) {
	c := Default()

	tests := []struct {
		err      error
		kind     Kind
		category string
	}{
		{context.DeadlineExceeded, Transient, CategoryTimeout},
		{fmt.Errorf("wait for toast: %w", driver.ErrTimeout), Transient, CategoryTimeout},
		{fmt.Errorf("click: %w", driver.ErrStaleElement), Transient, CategorySelector},
		{fmt.Errorf("copy button: %w", driver.ErrElementNotFound), Permanent, CategorySelector},
		{context.Canceled, Permanent, CategoryCancelled},
		{errors.New("Invalid credentials supplied"), Permanent, CategoryCredentials},
		{errors.New("HTTP 403 Forbidden"), Permanent, CategoryCredentials},
		{errors.New("account is locked"), Permanent, CategoryAccount},
		{errors.New("net::ERR_CONNECTION_RESET at https://x"), Transient, CategoryNetwork},
		{errors.New("502 Bad Gateway"), Transient, CategoryNetwork},
		{errors.New("Target closed"), Transient, CategoryBrowser},
		{errors.New("Execution context was destroyed"), Transient, CategoryBrowser},
		{errors.New("operation timed out"), Transient, CategoryTimeout},
		{Reject("Order already followed"), Permanent, CategoryRejection},
		{Reject("Commande n'existe pas"), Permanent, CategoryRejection},
		{Reject("something odd happened"), Unknown, CategoryUnclassified},
		{errors.New("kaboom"), Unknown, CategoryUnclassified},
		{nil, Unknown, CategoryUnclassified},
	}

	for _, tt := range tests {
		got := c.Classify(tt.err)
		if got.Kind != tt.kind || got.Category != tt.category {
			t.Errorf("Classify(%v) = %v/%s, want %v/%s", tt.err, got.Kind, got.Category, tt.kind, tt.category)
		}
	}
}

func TestClassify_Deterministic(t *testing.T) {
	c := Default()
	inputs := []error{
		errors.New("timeout 30000ms exceeded"),
		errors.New("login failed"),
		errors.New("weird"),
		Reject("déjà suivi"),
	}
	for _, err := range inputs {
		first := c.Classify(err)
		for i := 0; i < 50; i++ {
			if got := c.Classify(err); got != first {
				t.Fatalf("Classify(%v) changed from %v to %v", err, first, got)
			}
		}
	}
}

func TestClassify_Markers(t *testing.T) {
	c := Default()

	// A marker wins over the message text.
	err := AsTransient(CategoryNavigation, errors.New("login failed: still on login surface"))
	if got := c.Classify(fmt.Errorf("step: %w", err)); got.Kind != Transient || got.Category != CategoryNavigation {
		t.Errorf("expected transient/navigation, got %v/%s", got.Kind, got.Category)
	}

	perm := AsPermanent(CategoryVerification, errors.New("timeout"))
	if got := c.Classify(perm); got.Kind != Permanent {
		t.Errorf("expected permanent, got %v", got.Kind)
	}
}

func TestClassifier_With(t *testing.T) {
	base := Default()
	custom := base.With(Rule{
		Name:     "maintenance",
		Kind:     Transient,
		Category: CategoryNetwork,
		Match:    MessageMatches(`under maintenance`),
	})

	err := errors.New("site under maintenance")
	if got := base.Classify(err); got.Kind != Unknown {
		t.Errorf("base classifier should not know the rule, got %v", got.Kind)
	}
	if got := custom.Classify(err); got.Kind != Transient {
		t.Errorf("extended classifier: expected transient, got %v", got.Kind)
	}
}

func TestKind_String(t *testing.T) {
	if Transient.String() != "transient" || Permanent.String() != "permanent" || Unknown.String() != "unknown" {
		t.Error("unexpected kind names")
	}
}
