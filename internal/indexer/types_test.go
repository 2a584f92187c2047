package indexer

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestDocumentID(t *testing.T) {
	t.Parallel()

	require.Equal(t, "7_42", DocumentID(7, 42))
}

func TestNewDocumentTruncatesContentByRunes(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("é", 15000)
	page := Page{ID: 3, SiteID: 1, URL: "https://example.com", Title: "Home", Content: content, IndexedAt: time.Unix(100, 0)}

	doc := NewDocument(page, 10000)

	require.Equal(t, "1_3", doc.ID)
	require.Equal(t, 10000, utf8.RuneCountInString(doc.Content))
	require.True(t, utf8.ValidString(doc.Content))
	require.Equal(t, int64(100), doc.IndexedAt)
	require.Equal(t, 15000, utf8.RuneCountInString(page.Content))
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in    string
		limit int
		want  string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "hé"},
		{"hello", 0, "hello"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, TruncateRunes(tc.in, tc.limit))
	}
}

func TestNormalizeSiteURL(t *testing.T) {
	t.Parallel()

	u, domain, err := NormalizeSiteURL("Example.com/docs")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/docs", u)
	require.Equal(t, "example.com", domain)

	u, domain, err = NormalizeSiteURL("http://blog.example.com:8080")
	require.NoError(t, err)
	require.Equal(t, "http://blog.example.com:8080", u)
	require.Equal(t, "blog.example.com:8080", domain)

	for _, bad := range []string{"", "   ", "ftp://example.com", "https://"} {
		_, _, err := NormalizeSiteURL(bad)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, bad)
	}
}

func TestProgressStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, ProgressWaiting.Terminal())
	require.False(t, ProgressScraping.Terminal())
	require.True(t, ProgressCompleted.Terminal())
	require.True(t, ProgressFailed.Terminal())
	require.Equal(t, ProgressWaiting, WaitingProgress().Status)
}
