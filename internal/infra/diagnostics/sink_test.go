package diagnostics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/autofollow/internal/core/domain"
	"github.com/vietddude/autofollow/internal/driver"
)

func TestDir_Store(t *testing.T) {
	root := t.TempDir()
	sink := NewDir(root)
	sink.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }

	ref, err := sink.Store(context.Background(), "alice@example.test", domain.StepLogin, driver.Diagnostics{
		Screenshot: []byte{0x89, 'P', 'N', 'G'},
		DOM:        "<html></html>",
		Location:   "https://example.test/login",
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	if ref.Location != "https://example.test/login" {
		t.Errorf("location = %q", ref.Location)
	}
	wantDir := filepath.Join(root, "alice_example.test")
	if !strings.HasPrefix(ref.Screenshot, wantDir) || !strings.HasSuffix(ref.Screenshot, "_login.png") {
		t.Errorf("screenshot path = %q", ref.Screenshot)
	}
	dom, err := os.ReadFile(ref.DOM)
	if err != nil {
		t.Fatalf("read dom: %v", err)
	}
	if string(dom) != "<html></html>" {
		t.Errorf("dom = %q", dom)
	}
}

func TestObjectBase(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := map[domain.StepName]string{
		domain.StepLogin:           "20250102T030405.000Z_login",
		domain.StepVerifyInHistory: "20250102T030405.000Z_" + strings.ToLower(string(domain.StepVerifyInHistory)),
	}
	for step, want := range tests {
		if got := objectBase(at, step); got != want {
			t.Errorf("objectBase(%s) = %q, want %q", step, got, want)
		}
	}
}

func TestDir_StoreSkipsEmptyParts(t *testing.T) {
	sink := NewDir(t.TempDir())
	ref, err := sink.Store(context.Background(), "bob", domain.StepVerifyInHistory, driver.Diagnostics{Location: "about:blank"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if ref.Screenshot != "" || ref.DOM != "" {
		t.Errorf("expected no artifacts, got %+v", ref)
	}
}
