package crawlclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitesearch/internal/indexer"
)

const helperModeEnv = "SITESEARCH_HELPER_CRAWLER"

// TestHelperCrawler is not a real test: it stands in for the crawler binary
// when re-executed by newHelperClient.
func TestHelperCrawler(t *testing.T) {
	mode := os.Getenv(helperModeEnv)
	if mode == "" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	emit := func(n int) {
		for i := 0; i < n; i++ {
			line, _ := json.Marshal(map[string]any{
				"url":     fmt.Sprintf("https://example.com/p%d", i),
				"title":   fmt.Sprintf("Page %d", i),
				"content": "content",
			})
			fmt.Fprintln(os.Stdout, string(line))
		}
	}
	switch mode {
	case "pages3":
		emit(2)
		fmt.Fprintln(os.Stdout, "")
		emit(1)
	case "pages25":
		emit(25)
	case "args":
		line, _ := json.Marshal(map[string]any{"url": "https://example.com", "content": strings.Join(args, " ")})
		fmt.Fprintln(os.Stdout, string(line))
	case "badjson":
		emit(1)
		fmt.Fprintln(os.Stdout, `{"url": "https://example.com/broken"`)
	case "nourl":
		fmt.Fprintln(os.Stdout, `{"title": "orphan"}`)
	case "notobject":
		fmt.Fprintln(os.Stdout, `["https://example.com"]`)
	case "exit2":
		emit(1)
		fmt.Fprintln(os.Stderr, "fatal: could not resolve host")
		os.Exit(2)
	case "sleep":
		emit(1)
		time.Sleep(30 * time.Second)
	case "oversized":
		emit(1)
		_, _ = os.Stdout.Write(bytes.Repeat([]byte("a"), maxLineBytes+1))
		fmt.Fprintln(os.Stdout)
		time.Sleep(30 * time.Second)
	}
	os.Exit(0)
}

func newHelperClient(t *testing.T, mode string, timeout time.Duration) *Client {
	t.Helper()
	return New(Config{
		Binary:    os.Args[0],
		Args:      []string{"-test.run=^TestHelperCrawler$", "--"},
		Env:       []string{helperModeEnv + "=" + mode},
		Timeout:   timeout,
		WaitDelay: time.Second,
	}, nil)
}

func request(depth int) indexer.CrawlRequest {
	return indexer.CrawlRequest{RootURL: "https://example.com", MaxDepth: depth, Config: indexer.DefaultSiteConfig()}
}

func drain(t *testing.T, s indexer.PageStream) ([]indexer.CrawledPage, error) {
	t.Helper()
	var pages []indexer.CrawledPage
	for {
		page, err := s.Next(context.Background())
		if err != nil {
			return pages, err
		}
		pages = append(pages, page)
	}
}

func TestStreamYieldsPagesInOrder(t *testing.T) {
	t.Parallel()
	client := newHelperClient(t, "pages3", 10*time.Second)

	var seen []string
	var indices []int
	s, err := client.Stream(context.Background(), request(2), func(i int, u string) {
		indices = append(indices, i)
		seen = append(seen, u)
	})
	require.NoError(t, err)
	defer s.Close()

	pages, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, pages, 3)
	require.Equal(t, []int{0, 1, 2}, indices)
	require.Equal(t, "https://example.com/p0", pages[0].URL)
	require.Equal(t, "Page 1", pages[1].Title)
	require.Equal(t, []string{"https://example.com/p0", "https://example.com/p1", "https://example.com/p0"}, seen)

	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestStreamPassesDepthThrough(t *testing.T) {
	t.Parallel()

	for depth := 1; depth <= 5; depth++ {
		client := newHelperClient(t, "args", 10*time.Second)
		s, err := client.Stream(context.Background(), request(depth), nil)
		require.NoError(t, err)
		pages, err := drain(t, s)
		require.ErrorIs(t, err, io.EOF)
		require.Len(t, pages, 1)
		require.Contains(t, pages[0].Content, fmt.Sprintf("-max-depth %d", depth))
		require.Contains(t, pages[0].Content, "-format ndjson")
		require.NoError(t, s.Close())
	}
}

func TestStreamRejectsDepthBeforeExec(t *testing.T) {
	t.Parallel()
	client := New(Config{Binary: "/nonexistent/crawler"}, nil)

	for _, depth := range []int{0, 6, -3} {
		_, err := client.Stream(context.Background(), request(depth), nil)
		var verr *indexer.ValidationError
		require.ErrorAs(t, err, &verr)
		require.Equal(t, "max_depth", verr.Field)
	}
}

func TestStreamRejectsRelativeURL(t *testing.T) {
	t.Parallel()
	client := New(Config{Binary: "/nonexistent/crawler"}, nil)

	_, err := client.Stream(context.Background(), indexer.CrawlRequest{RootURL: "/docs", MaxDepth: 2}, nil)
	var verr *indexer.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestStreamParseFailures(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{"badjson", "nourl", "notobject"} {
		client := newHelperClient(t, mode, 10*time.Second)
		s, err := client.Stream(context.Background(), request(2), nil)
		require.NoError(t, err)
		_, err = drain(t, s)
		var crawlErr *indexer.CrawlError
		require.ErrorAs(t, err, &crawlErr, mode)
		require.Equal(t, indexer.CrawlParseFailure, crawlErr.Kind, mode)
		require.True(t, indexer.IsRetryable(err))
	}
}

func TestStreamOversizedLineFailsFast(t *testing.T) {
	t.Parallel()
	client := newHelperClient(t, "oversized", time.Minute)

	start := time.Now()
	s, err := client.Stream(context.Background(), request(2), nil)
	require.NoError(t, err)
	pages, err := drain(t, s)
	require.Len(t, pages, 1)

	var crawlErr *indexer.CrawlError
	require.ErrorAs(t, err, &crawlErr)
	require.Equal(t, indexer.CrawlParseFailure, crawlErr.Kind)
	require.Equal(t, 2, crawlErr.Line)
	require.ErrorIs(t, err, bufio.ErrTooLong)
	require.Less(t, time.Since(start), 20*time.Second)
	require.NoError(t, s.Close())
}

func TestStreamProcessFailure(t *testing.T) {
	t.Parallel()
	client := newHelperClient(t, "exit2", 10*time.Second)

	s, err := client.Stream(context.Background(), request(2), nil)
	require.NoError(t, err)
	pages, err := drain(t, s)
	require.Len(t, pages, 1)

	var crawlErr *indexer.CrawlError
	require.ErrorAs(t, err, &crawlErr)
	require.Equal(t, indexer.CrawlProcessFailure, crawlErr.Kind)
	require.Equal(t, 2, crawlErr.ExitCode)
	require.Contains(t, crawlErr.Stderr, "could not resolve host")
}

func TestStreamMissingBinary(t *testing.T) {
	t.Parallel()
	client := New(Config{Binary: "/nonexistent/crawler"}, nil)

	_, err := client.Stream(context.Background(), request(2), nil)
	var crawlErr *indexer.CrawlError
	require.ErrorAs(t, err, &crawlErr)
	require.Equal(t, indexer.CrawlProcessFailure, crawlErr.Kind)
}

func TestStreamTimeout(t *testing.T) {
	t.Parallel()
	client := newHelperClient(t, "sleep", 500*time.Millisecond)

	start := time.Now()
	s, err := client.Stream(context.Background(), request(2), nil)
	require.NoError(t, err)
	_, err = drain(t, s)

	var crawlErr *indexer.CrawlError
	require.ErrorAs(t, err, &crawlErr)
	require.Equal(t, indexer.CrawlTimeout, crawlErr.Kind)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestStreamCancellation(t *testing.T) {
	t.Parallel()
	client := newHelperClient(t, "sleep", time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	s, err := client.Stream(ctx, request(2), nil)
	require.NoError(t, err)
	_, err = s.Next(ctx)
	require.NoError(t, err)

	cancel()
	_, err = s.Next(ctx)
	require.True(t, errors.Is(err, context.Canceled))
	require.False(t, indexer.IsRetryable(err))
	require.NoError(t, s.Close())
}

func TestStreamCloseStopsCrawler(t *testing.T) {
	t.Parallel()
	client := newHelperClient(t, "sleep", time.Minute)

	s, err := client.Stream(context.Background(), request(2), nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("close did not return")
	}
	require.NoError(t, s.Close())
}
