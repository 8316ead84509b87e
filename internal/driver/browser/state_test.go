package browser

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/vietddude/autofollow/internal/driver"
)

func TestStateRoundTrip(t *testing.T) {
	future := float64(time.Now().Add(time.Hour).Unix())
	past := float64(time.Now().Add(-time.Hour).Unix())

	data, err := encodeState([]*network.Cookie{
		{Name: "sid", Value: "abc", Domain: "site.test", Path: "/", Expires: future, HTTPOnly: true, Secure: true, SameSite: network.CookieSameSiteLax},
		{Name: "tmp", Value: "x", Domain: "site.test", Path: "/", Session: true},
		{Name: "old", Value: "y", Domain: "site.test", Path: "/", Expires: past},
	})
	if err != nil {
		t.Fatalf("encodeState: %v", err)
	}

	params, err := decodeState(data)
	if err != nil {
		t.Fatalf("decodeState: %v", err)
	}
	if len(params) != 2 {
		t.Fatalf("expected expired cookie to be dropped, got %d cookies", len(params))
	}
	sid := params[0]
	if sid.Name != "sid" || sid.Value != "abc" || !sid.HTTPOnly || !sid.Secure || sid.Expires == nil {
		t.Errorf("unexpected cookie %+v", sid)
	}
	if sid.SameSite != network.CookieSameSiteLax {
		t.Errorf("same site = %q", sid.SameSite)
	}
	if params[1].Expires != nil {
		t.Error("session cookie must not get an expiry")
	}
}

func TestDecodeState_Invalid(t *testing.T) {
	if _, err := decodeState([]byte("not json")); err == nil {
		t.Error("expected error")
	}
}

func TestBlockedPatterns(t *testing.T) {
	if got := blockedPatterns(driver.ResourcePolicy{ResourceTypes: []string{"image"}}); got != nil {
		t.Errorf("disabled policy should block nothing, got %v", got)
	}
	got := blockedPatterns(driver.ResourcePolicy{
		Enabled:       true,
		ResourceTypes: []string{"font", "unknown"},
		HostPatterns:  []string{"doubleclick.net", " "},
	})
	want := []string{"*.woff", "*.woff2", "*.ttf", "*.otf", "*.eot", "*doubleclick.net*"}
	if len(got) != len(want) {
		t.Fatalf("patterns = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("patterns[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseFlag(t *testing.T) {
	tests := []struct {
		in    string
		name  string
		value any
	}{
		{"--no-zygote", "no-zygote", true},
		{"--blink-settings=imagesEnabled=false", "blink-settings", "imagesEnabled=false"},
		{"--", "", nil},
	}
	for _, tt := range tests {
		name, value := parseFlag(tt.in)
		if name != tt.name || value != tt.value {
			t.Errorf("parseFlag(%q) = %q, %v", tt.in, name, value)
		}
	}
}
