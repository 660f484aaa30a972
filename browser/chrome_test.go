package browser

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromCookie(t *testing.T) {
	c := fromCookie(&network.Cookie{
		Name:     "_aat",
		Value:    "v",
		Domain:   ".airbnb.com",
		Path:     "/",
		Expires:  1893456000.5,
		HTTPOnly: true,
		Secure:   true,
		SameSite: network.CookieSameSiteLax,
	})

	assert.Equal(t, "_aat", c.Name)
	assert.Equal(t, "Lax", c.SameSite)
	assert.True(t, c.HTTPOnly)
	require.NotNil(t, c.Expiry)
	assert.Equal(t, int64(1893456000), c.Expiry.Unix())
	assert.Equal(t, 500*time.Millisecond, time.Duration(c.Expiry.Nanosecond()))
}

func TestFromCookie_SessionCookieHasNoExpiry(t *testing.T) {
	c := fromCookie(&network.Cookie{Name: "s", Domain: "x", Expires: -1, Session: true})
	assert.Nil(t, c.Expiry)
}

func TestA4(t *testing.T) {
	opts := A4()
	assert.True(t, opts.PrintBackground)
	assert.Equal(t, "1", opts.PageRanges)
	assert.Equal(t, 8.27, opts.PaperWidth)
	assert.Equal(t, 11.69, opts.PaperHeight)
}

func TestNewChromeLauncher_DefaultsWindow(t *testing.T) {
	l := NewChromeLauncher(ChromeOptions{ExecPath: "/bin/true"}, nil)
	assert.Equal(t, 1920, l.Options.WindowWidth)
	assert.Equal(t, 1080, l.Options.WindowHeight)
	assert.NotNil(t, l.Logger)
}
