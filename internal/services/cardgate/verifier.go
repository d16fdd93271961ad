package cardgate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/netip"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ErrUnauthenticated is returned when a postback passes neither check
var ErrUnauthenticated = errors.New("postback not authenticated")

const digestField = "digest"

// Verifier authenticates card gateway postbacks by source address or digest
type Verifier struct {
	secret   string
	prefixes []string
	networks []netip.Prefix
	logger   *zap.Logger
}

// NewVerifier accepts allow-list entries as plain string prefixes
// ("203.0.113.") or CIDR blocks ("203.0.113.0/24").
func NewVerifier(secret string, allowed []string, logger *zap.Logger) *Verifier {
	v := &Verifier{secret: secret, logger: logger}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if p, err := netip.ParsePrefix(entry); err == nil {
				v.networks = append(v.networks, p.Masked())
				continue
			}
			logger.Warn("Ignoring invalid CIDR in fiat allow-list", zap.String("entry", entry))
			continue
		}
		v.prefixes = append(v.prefixes, entry)
	}
	return v
}

// Verify passes if clientIP is allow-listed or the digest field matches
func (v *Verifier) Verify(clientIP string, fields url.Values) error {
	if v.ipAllowed(clientIP) {
		return nil
	}

	provided := strings.ToLower(strings.TrimSpace(fields.Get(digestField)))
	if v.secret == "" || provided == "" {
		return ErrUnauthenticated
	}

	expected := Digest(v.secret, fields)
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return ErrUnauthenticated
	}
	return nil
}

func (v *Verifier) ipAllowed(clientIP string) bool {
	if clientIP == "" {
		return false
	}
	for _, p := range v.prefixes {
		if strings.HasPrefix(clientIP, p) {
			return true
		}
	}
	if len(v.networks) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, n := range v.networks {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

// Digest is the hex HMAC-SHA256 over every field except digest, as k=v pairs
// sorted by key and joined by "&". Repeated keys use their first value.
func Digest(secret string, fields url.Values) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == digestField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + fields.Get(k)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(mac.Sum(nil))
}
