package signature

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"hash"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Algorithm identifies the HMAC digest used to sign 2Checkout payloads.
// SHA3-256 is the current default; MD5 is accepted for endpoints that have not
// been migrated yet.
type Algorithm string

const (
	AlgorithmSHA3256 Algorithm = "sha3-256"
	AlgorithmMD5     Algorithm = "md5"
)

// Signature field names stripped from the payload before canonicalization.
const (
	FieldSHA3256 = "SIGNATURE_SHA3_256"
	FieldSHA2256 = "SIGNATURE_SHA2_256"
	FieldLegacy  = "HASH"
)

// Field is a single ordered key with one or more values. IPN payloads carry
// repeated keys (IPN_PID[], IPN_PNAME[], ...) whose order is significant, so
// the payload cannot be modelled as a plain map.
type Field struct {
	Key    string
	Values []string
}

func (a Algorithm) hasher() func() hash.Hash {
	if a == AlgorithmMD5 {
		return md5.New
	}
	return sha3.New256
}

// Valid reports whether the algorithm is one this package can compute.
func (a Algorithm) Valid() bool {
	return a == AlgorithmSHA3256 || a == AlgorithmMD5
}

// Canonicalize concatenates every value as len(value)||value, lengths as ASCII
// digits with no delimiter, in field order. This is the exact string 2Checkout
// signs on its side.
func Canonicalize(fields []Field) string {
	var b strings.Builder
	for _, f := range fields {
		for _, v := range f.Values {
			b.WriteString(strconv.Itoa(len(v)))
			b.WriteString(v)
		}
	}
	return b.String()
}

// Compute returns the hex HMAC of the canonicalized fields.
func Compute(fields []Field, secret string, algo Algorithm) string {
	mac := hmac.New(algo.hasher(), []byte(secret))
	mac.Write([]byte(Canonicalize(fields)))
	return hex.EncodeToString(mac.Sum(nil))
}

// ComputeValues signs a fixed sequence of scalar values. Used for the API
// login hash and the IPN read receipt.
func ComputeValues(secret string, algo Algorithm, values ...string) string {
	fields := make([]Field, len(values))
	for i, v := range values {
		fields[i] = Field{Values: []string{v}}
	}
	return Compute(fields, secret, algo)
}

// Verify recomputes the signature over the payload with the signature fields
// removed and compares it to the received value in constant time.
func Verify(received string, fields []Field, secret string, algo Algorithm) bool {
	if strings.TrimSpace(received) == "" || !algo.Valid() {
		return false
	}
	expected := Compute(Strip(fields), secret, algo)
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(received)))
}

// Strip drops the signature fields from the payload. They are never part of
// the string that gets hashed.
func Strip(fields []Field) []Field {
	out := make([]Field, 0, len(fields))
	for _, f := range fields {
		switch normalizeKey(f.Key) {
		case FieldSHA3256, FieldSHA2256, FieldLegacy:
			continue
		}
		out = append(out, f)
	}
	return out
}

// Detect extracts the received signature and the algorithm the sender used.
// SHA3-256 wins when both fields are present; the legacy HASH field is only
// honoured on its own.
func Detect(fields []Field) (received string, algo Algorithm, ok bool) {
	var legacy string
	for _, f := range fields {
		if len(f.Values) == 0 {
			continue
		}
		switch normalizeKey(f.Key) {
		case FieldSHA3256:
			if v := strings.TrimSpace(f.Values[0]); v != "" {
				return v, AlgorithmSHA3256, true
			}
		case FieldLegacy:
			legacy = strings.TrimSpace(f.Values[0])
		}
	}
	if legacy != "" {
		return legacy, AlgorithmMD5, true
	}
	return "", "", false
}

// ParseForm decodes a form-encoded body into ordered fields. Stock
// url.ParseQuery would lose the wire order, which the canonicalization
// depends on.
func ParseForm(body string) ([]Field, error) {
	var fields []Field
	index := map[string]int{}
	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, err
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, err
		}
		if i, seen := index[key]; seen {
			fields[i].Values = append(fields[i].Values, value)
			continue
		}
		index[key] = len(fields)
		fields = append(fields, Field{Key: key, Values: []string{value}})
	}
	return fields, nil
}

// Value returns the first value of the named field, tolerating the PHP-style
// []-suffixed spelling of array keys.
func Value(fields []Field, key string) string {
	for _, f := range fields {
		if normalizeKey(f.Key) == key && len(f.Values) > 0 {
			return f.Values[0]
		}
	}
	return ""
}

func normalizeKey(key string) string {
	return strings.TrimSuffix(key, "[]")
}
