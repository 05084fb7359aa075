package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/kompose-ai/kompose/internal/log"
)

const ownerCookieName = "kompose_uid"

// identityManager issues and verifies the signed owner cookie. There is
// no account system; the first request provisions an anonymous identity
// and the HMAC signature stops clients from forging someone else's id.
type identityManager struct {
	hmacSecret []byte
	isDev      bool
	logger     log.Logger
}

// sign returns the base64url HMAC-SHA256 of the value.
func (im *identityManager) sign(value string) string {
	mac := hmac.New(sha256.New, im.hmacSecret)
	mac.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// OwnerID returns the verified owner id from the request cookie, or empty
// when the cookie is missing or its signature does not check out.
func (im *identityManager) OwnerID(r *http.Request) string {
	cookie, err := r.Cookie(ownerCookieName)
	if err != nil {
		return ""
	}

	value, sig, ok := strings.Cut(cookie.Value, ".")
	if !ok || value == "" {
		return ""
	}
	if !hmac.Equal([]byte(sig), []byte(im.sign(value))) {
		im.logger.Warn("owner cookie signature mismatch", "ip", r.RemoteAddr)
		return ""
	}
	return value
}

// setOwnerCookie writes the signed owner cookie. Secure is dropped in dev
// mode so plain-HTTP local setups work.
func (im *identityManager) setOwnerCookie(w http.ResponseWriter, ownerID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     ownerCookieName,
		Value:    ownerID + "." + im.sign(ownerID),
		Path:     "/",
		MaxAge:   365 * 24 * 60 * 60,
		HttpOnly: true,
		Secure:   !im.isDev,
		SameSite: http.SameSiteLaxMode,
	})
}
