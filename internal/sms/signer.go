package sms

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// uriComponent undoes the query-escaping differences from URI component
// encoding, which leaves !'()~ literal and writes space as %20.
var uriComponent = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%7E", "~",
)

// PercentEncode escapes s for the signature base string. '*' is always
// written as %2A.
func PercentEncode(s string) string {
	return uriComponent.Replace(url.QueryEscape(s))
}

// CanonicalQuery joins the percent-encoded parameters sorted by key.
func CanonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(PercentEncode(k))
		b.WriteByte('=')
		b.WriteString(PercentEncode(params[k]))
	}
	return b.String()
}

// StringToSign builds "POST&%2F&<encoded canonical query>".
func StringToSign(params map[string]string) string {
	return "POST&" + PercentEncode("/") + "&" + PercentEncode(CanonicalQuery(params))
}

// Sign returns the base64 HMAC-SHA1 of the string to sign keyed with "secret&".
func Sign(params map[string]string, secret string) string {
	mac := hmac.New(sha1.New, []byte(secret+"&"))
	mac.Write([]byte(StringToSign(params)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
