package bot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "***", MaskSecret(""))
	assert.Equal(t, "***", MaskSecret("short"))
	assert.Equal(t, "1234***wxyz", MaskSecret("1234567890abcdefwxyz"))
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"hello"}, splitMessage("hello", 10))
	assert.Equal(t, []string{""}, splitMessage("", 10))
	assert.Equal(t, []string{"abc"}, splitMessage("abc", 0))

	t.Run("prefers newlines", func(t *testing.T) {
		got := splitMessage("line one\nline two\nline three", 18)
		assert.Equal(t, []string{"line one\nline two", "line three"}, got)
	})

	t.Run("hard cut without newlines", func(t *testing.T) {
		got := splitMessage(strings.Repeat("a", 25), 10)
		assert.Equal(t, []string{"aaaaaaaaaa", "aaaaaaaaaa", "aaaaa"}, got)
	})

	t.Run("keeps runes intact", func(t *testing.T) {
		text := strings.Repeat("ñ", 10)
		got := splitMessage(text, 5)
		for _, chunk := range got {
			assert.True(t, utf8.ValidString(chunk))
			assert.LessOrEqual(t, len(chunk), 5)
		}
		assert.Equal(t, text, strings.Join(got, ""))
	})
}

func TestValidatePlatform(t *testing.T) {
	name, err := ValidatePlatform("  WhatsApp ")
	require.NoError(t, err)
	assert.Equal(t, PlatformWhatsApp, name)

	_, err = ValidatePlatform("slack")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram")
}

func TestDownloadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png-bytes"))
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 100)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	data, mimeType, err := downloadURL(context.Background(), srv.Client(), srv.URL+"/ok", 1024)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
	assert.Equal(t, "image/png", mimeType)

	_, _, err = downloadURL(context.Background(), srv.Client(), srv.URL+"/big", 10)
	assert.ErrorContains(t, err, "exceeds")

	_, _, err = downloadURL(context.Background(), srv.Client(), srv.URL+"/missing", 10)
	assert.ErrorContains(t, err, "404")
}
