package model

import "time"

// Cookie is a browser cookie captured from an authenticated session.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitzero"`
	HTTPOnly bool      `json:"http_only"`
	Secure   bool      `json:"secure"`
	SameSite string    `json:"same_site,omitempty"`
}

// BrowserSession is persisted authenticated state for one provider.
type BrowserSession struct {
	Provider       Provider          `json:"provider"`
	UserID         string            `json:"user_id"`
	Cookies        []Cookie          `json:"cookies"`
	LocalStorage   map[string]string `json:"local_storage,omitempty"`
	SessionStorage map[string]string `json:"session_storage,omitempty"`
	SavedAt        time.Time         `json:"saved_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}
