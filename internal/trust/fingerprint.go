package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mssola/useragent"
)

// FallbackFingerprint is returned when a session context carries no usable
// identity components at all.
const FallbackFingerprint = "unknown"

// SessionContext carries the caller-supplied components used to resolve an
// identity anchor when no active binding exists for a session.
type SessionContext struct {
	UserID            string
	Platform          string
	ClientFingerprint string
	NetworkOrigin     string
	UserAgent         string
}

// Fingerprint composes the deterministic, order-stable identity fingerprint
// from the components present: user:<u>|platform:<p>|fp:<f>|ip:<h>. The
// network origin is hashed so raw addresses never become identity keys. An
// empty context yields FallbackFingerprint.
func (c SessionContext) Fingerprint() string {
	var parts []string
	if c.UserID != "" {
		parts = append(parts, "user:"+c.UserID)
	}
	if p := c.ResolvedPlatform(); p != "" {
		parts = append(parts, "platform:"+p)
	}
	if c.ClientFingerprint != "" {
		parts = append(parts, "fp:"+c.ClientFingerprint)
	}
	if c.NetworkOrigin != "" {
		parts = append(parts, "ip:"+hashOrigin(c.NetworkOrigin))
	}
	if len(parts) == 0 {
		return FallbackFingerprint
	}
	return strings.Join(parts, "|")
}

// ResolvedPlatform returns the explicit platform when given, otherwise
// derives one from the User-Agent string.
func (c SessionContext) ResolvedPlatform() string {
	if c.Platform != "" {
		return c.Platform
	}
	if c.UserAgent == "" {
		return ""
	}
	ua := useragent.New(c.UserAgent)
	if ua.Bot() {
		return "bot"
	}
	if ua.Mobile() {
		return "mobile"
	}
	if name := strings.ToLower(ua.Platform()); name != "" {
		return name
	}
	return ""
}

func hashOrigin(origin string) string {
	sum := sha256.Sum256([]byte(origin))
	return hex.EncodeToString(sum[:])
}
