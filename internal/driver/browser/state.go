package browser

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// storedState is the persisted form of a session. cdproto types are not
// used directly so the format stays stable across protocol updates.
type storedState struct {
	Version int            `json:"version"`
	SavedAt time.Time      `json:"saved_at"`
	Cookies []storedCookie `json:"cookies"`
}

type storedCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	Session  bool    `json:"session,omitempty"`
	SameSite string  `json:"same_site,omitempty"`
}

func encodeState(cookies []*network.Cookie) ([]byte, error) {
	st := storedState{Version: 1, SavedAt: time.Now().UTC(), Cookies: make([]storedCookie, 0, len(cookies))}
	for _, c := range cookies {
		st.Cookies = append(st.Cookies, storedCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			Session:  c.Session,
			SameSite: c.SameSite.String(),
		})
	}
	return json.Marshal(st)
}

func decodeState(data []byte) ([]*network.CookieParam, error) {
	var st storedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	now := float64(time.Now().Unix())
	params := make([]*network.CookieParam, 0, len(st.Cookies))
	for _, c := range st.Cookies {
		if !c.Session && c.Expires > 0 && c.Expires < now {
			continue
		}
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != "" {
			p.SameSite = network.CookieSameSite(c.SameSite)
		}
		if !c.Session && c.Expires > 0 {
			sec := int64(c.Expires)
			t := cdp.TimeSinceEpoch(time.Unix(sec, 0))
			p.Expires = &t
		}
		params = append(params, p)
	}
	return params, nil
}
