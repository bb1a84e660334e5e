package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mssola/useragent"
)

// RequestContext is what the device-info middleware extracts from a request.
type RequestContext struct {
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
	Location  string `json:"location,omitempty"`
}

type Device struct {
	OS      string
	Browser string
	Mobile  bool
	Bot     bool
}

func Describe(userAgent string) Device {
	if strings.TrimSpace(userAgent) == "" {
		return Device{OS: "unknown", Browser: "unknown"}
	}
	ua := useragent.New(userAgent)
	name, version := ua.Browser()
	browser := strings.TrimSpace(name + " " + majorVersion(version))
	if browser == "" {
		browser = "unknown"
	}
	os := ua.OS()
	if os == "" {
		os = "unknown"
	}
	return Device{OS: os, Browser: browser, Mobile: ua.Mobile(), Bot: ua.Bot()}
}

// Compute hashes ip, user agent, os and browser into a stable hex id.
func Compute(rc RequestContext) string {
	d := Describe(rc.UserAgent)
	h := sha256.New()
	for _, part := range []string{strings.TrimSpace(rc.IP), strings.TrimSpace(rc.UserAgent), d.OS, d.Browser} {
		h.Write([]byte(part))
		h.Write([]byte{'|'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func majorVersion(v string) string {
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}
