package payment_processor

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

type field struct {
	key   string
	value string
}

// form keeps fields in wire order. Paynow signs the concatenated values in
// the order they were sent, so url.Values cannot be used.
type form []field

func (f form) get(key string) string {
	for _, kv := range f {
		if strings.EqualFold(kv.key, key) {
			return kv.value
		}
	}
	return ""
}

func (f form) encode() string {
	var b strings.Builder
	for i, kv := range f {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv.value))
	}
	return b.String()
}

// hash is the upper-case hex SHA-512 of every value except "hash", followed
// by the integration key.
func (f form) hash(key string) string {
	h := sha512.New()
	for _, kv := range f {
		if strings.EqualFold(kv.key, "hash") {
			continue
		}
		h.Write([]byte(kv.value))
	}
	h.Write([]byte(key))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}

func (f form) verify(key string) bool {
	got := strings.ToUpper(f.get("hash"))
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(f.hash(key))) == 1
}

func parseForm(body string) (form, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, errors.New("empty form")
	}
	var out form
	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, errors.Wrapf(err, "decode key %q", k)
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, errors.Wrapf(err, "decode value of %q", key)
		}
		out = append(out, field{key: strings.ToLower(key), value: value})
	}
	if len(out) == 0 {
		return nil, errors.New("empty form")
	}
	return out, nil
}
