package redirect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAllowed(t *testing.T) {
	g := NewGuard(nil)

	allowed := []string{
		"https://app.example.com/x",
		"https://accounts.example.cn",
		"http://sub.localtest.me:3000",
		"https://my-app.example.com/path?q=1#frag",
		"HTTPS://APP.EXAMPLE.COM/upper",
	}
	for _, u := range allowed {
		assert.True(t, g.IsAllowed(u), u)
	}

	denied := []string{
		"https://example.com",
		"https://evil.com",
		"https://example.com.evil.com",
		"https://a.b.example.com",
		"https://app.example.com.cn",
		"not-a-url",
		"javascript:alert(1)",
		"ftp://app.example.com",
		"//app.example.com/x",
		"/account",
		"https://",
		"",
	}
	for _, u := range denied {
		assert.False(t, g.IsAllowed(u), u)
	}
}

func TestResolve(t *testing.T) {
	g := NewGuard(nil)

	assert.Equal(t, "/account", g.Resolve("", "/account"))
	assert.Equal(t, "/home", g.Resolve("https://evil.com", "/home"))
	assert.Equal(t, "https://app.example.com/d", g.Resolve("https://app.example.com/d", "/"))
}

func TestCustomBaseDomains(t *testing.T) {
	g := NewGuard([]string{" Corp.IO ", ".corp.cn", ""})

	assert.True(t, g.IsAllowed("https://app.corp.io"))
	assert.True(t, g.IsAllowed("https://app.corp.cn/x"))
	assert.False(t, g.IsAllowed("https://app.example.com"))
	assert.False(t, g.IsAllowed("https://corp.io"))
}
