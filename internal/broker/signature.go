package broker

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
)

// param is one canonical request parameter. Order matters for signing, so
// the canonical descriptor is a slice, not a map.
type param struct {
	key   string
	value string
}

// baseString serializes the canonical parameters as a URL-encoded form
// string, preserving parameter order
func baseString(params []param) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(escape(p.key))
		b.WriteByte('=')
		b.WriteString(escape(p.value))
	}
	return b.String()
}

// sign computes the broker signature: the base string is URL-encoded a
// second time, prefixed with "&&", and HMAC-SHA1-signed with the shared
// secret suffixed by "&". The digest is base64-encoded.
func sign(secret string, params []param) string {
	payload := "&&" + escape(baseString(params))
	mac := hmac.New(sha1.New, []byte(secret+"&"))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// escape percent-encodes everything outside the RFC 3986 unreserved set
// plus the marks left alone by JavaScript's encodeURIComponent, which is
// what the broker uses to verify the signature.
func escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnescaped(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0x0f])
	}
	return b.String()
}

const upperhex = "0123456789ABCDEF"

func isUnescaped(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}
