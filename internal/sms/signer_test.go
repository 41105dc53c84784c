package sms

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercentEncode(t *testing.T) {
	cases := map[string]string{
		"a b*c~d":    "a%20b%2Ac~d",
		"/":          "%2F",
		"!'()":       "!'()",
		"a+b%":       "a%2Bb%25",
		"-_.":        "-_.",
		`{"code":1}`: "%7B%22code%22%3A1%7D",
		"你":          "%E4%BD%A0",
	}
	for in, want := range cases {
		assert.Equal(t, want, PercentEncode(in), in)
	}
}

func TestCanonicalQuerySortsKeys(t *testing.T) {
	params := map[string]string{"b": "x y", "a": "*~", "c": "你"}
	assert.Equal(t, "a=%2A~&b=x%20y&c=%E4%BD%A0", CanonicalQuery(params))
}

func TestStringToSign(t *testing.T) {
	params := map[string]string{"b": "x y", "a": "*~", "c": "你"}
	assert.Equal(t, "POST&%2F&a%3D%252A~%26b%3Dx%2520y%26c%3D%25E4%25BD%25A0", StringToSign(params))
}

func TestSign(t *testing.T) {
	params := map[string]string{"b": "x y", "a": "*~", "c": "你"}

	mac := hmac.New(sha1.New, []byte("s3cret&"))
	mac.Write([]byte("POST&%2F&a%3D%252A~%26b%3Dx%2520y%26c%3D%25E4%25BD%25A0"))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, Sign(params, "s3cret"))
	assert.NotEqual(t, want, Sign(params, "other"))
}
