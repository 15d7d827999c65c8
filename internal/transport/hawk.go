package transport

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// hawkCredentials identify the caller to the platform. Ext carries the
// organization ID, which the platform uses to scope the request.
type hawkCredentials struct {
	ID  string
	Key string
	Ext string
}

// hawkHeader computes the Hawk Authorization header value for one request.
// The MAC covers method, path+query, host, port, an optional payload hash
// and the ext string, per the "hawk.1.header" normalization.
func hawkHeader(creds hawkCredentials, method string, u *url.URL, body []byte, contentType string, now time.Time, nonce string) string {
	ts := strconv.FormatInt(now.Unix(), 10)

	var payloadHash string
	if body != nil {
		payloadHash = hawkPayloadHash(contentType, body)
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	requestURI := u.EscapedPath()
	if u.RawQuery != "" {
		requestURI += "?" + u.RawQuery
	}

	normalized := strings.Join([]string{
		"hawk.1.header",
		ts,
		nonce,
		strings.ToUpper(method),
		requestURI,
		host,
		port,
		payloadHash,
		creds.Ext,
	}, "\n") + "\n"

	mac := hmac.New(sha256.New, []byte(creds.Key))
	mac.Write([]byte(normalized))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	var b strings.Builder
	fmt.Fprintf(&b, `Hawk id=%q, ts=%q, nonce=%q`, creds.ID, ts, nonce)
	if payloadHash != "" {
		fmt.Fprintf(&b, `, hash=%q`, payloadHash)
	}
	if creds.Ext != "" {
		fmt.Fprintf(&b, `, ext=%q`, creds.Ext)
	}
	fmt.Fprintf(&b, `, mac=%q`, sig)
	return b.String()
}

// hawkPayloadHash hashes the request body per "hawk.1.payload".
// Any content-type parameters (e.g. "; charset=utf-8") are excluded.
func hawkPayloadHash(contentType string, body []byte) string {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	h := sha256.New()
	h.Write([]byte("hawk.1.payload\n"))
	h.Write([]byte(mediaType))
	h.Write([]byte("\n"))
	h.Write(body)
	h.Write([]byte("\n"))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// newNonce returns a short random nonce for one request.
func newNonce() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Fall back to a timestamp-derived nonce; uniqueness per second is
		// sufficient for the platform's replay window.
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}
