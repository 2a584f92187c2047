// Package crawlclient runs the external crawler as a subprocess and exposes
// its line-delimited JSON output as a lazy page stream.
package crawlclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/indexer"
)

// Defaults applied by New.
const (
	DefaultBinary      = "web-parser"
	DefaultTimeout     = 300 * time.Second
	DefaultStderrLimit = 4096
	defaultWaitDelay   = 5 * time.Second
	maxLineBytes       = 32 << 20
)

// Config controls how the crawler subprocess is launched.
type Config struct {
	// Binary is the crawler executable.
	Binary string
	// Args are prepended before the generated crawl flags.
	Args []string
	// Env is appended to the current environment.
	Env []string
	// Timeout caps the wall-clock time of one crawl.
	Timeout     time.Duration
	StderrLimit int
	WaitDelay   time.Duration
}

// Client launches crawls.
type Client struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Client, filling defaults.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.StderrLimit <= 0 {
		cfg.StderrLimit = DefaultStderrLimit
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, logger: logger.Named("crawlclient")}
}

// Stream validates the request, starts the crawler and returns a stream over
// its output. onPage (optional) fires as each page is yielded.
func (c *Client) Stream(ctx context.Context, req indexer.CrawlRequest, onPage indexer.ProgressFunc) (indexer.PageStream, error) {
	if err := indexer.ValidateDepth(req.MaxDepth); err != nil {
		return nil, err
	}
	if err := validateRootURL(req.RootURL); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("start crawler: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	args := append(append([]string{}, c.cfg.Args...), BuildArgs(req)...)
	cmd := exec.CommandContext(runCtx, c.cfg.Binary, args...)
	setProcessGroup(cmd)
	cmd.WaitDelay = c.cfg.WaitDelay
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), c.cfg.Env...)
	}
	stderr := &tailBuffer{limit: c.cfg.StderrLimit}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("crawler stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &indexer.CrawlError{Kind: indexer.CrawlProcessFailure, ExitCode: -1, Err: fmt.Errorf("start crawler: %w", err)}
	}
	c.logger.Debug("crawler started",
		zap.String("url", req.RootURL),
		zap.Int("max_depth", req.MaxDepth),
		zap.Int("pid", cmd.Process.Pid))

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &stream{
		parent:  ctx,
		runCtx:  runCtx,
		cancel:  cancel,
		cmd:     cmd,
		scanner: scanner,
		stderr:  stderr,
		onPage:  onPage,
		timeout: c.cfg.Timeout,
		logger:  c.logger,
	}, nil
}

func validateRootURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return indexer.NewValidationError("url", "parse: %v", err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return indexer.NewValidationError("url", "must be an absolute http(s) URL, got %q", raw)
	}
	return nil
}

type stream struct {
	parent  context.Context
	runCtx  context.Context
	cancel  context.CancelFunc
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	stderr  *tailBuffer
	onPage  indexer.ProgressFunc
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	line    int
	yielded int
	done    bool
	final   error
}

// Next returns the next page, io.EOF after a clean exit, or a typed error.
func (s *stream) Next(ctx context.Context) (indexer.CrawledPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return indexer.CrawledPage{}, s.final
	}
	if err := ctx.Err(); err != nil {
		return indexer.CrawledPage{}, s.abort(err)
	}
	for s.scanner.Scan() {
		s.line++
		raw := bytes.TrimSpace(s.scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		page, err := decodeLine(raw)
		if err != nil {
			return indexer.CrawledPage{}, s.abort(&indexer.CrawlError{Kind: indexer.CrawlParseFailure, Line: s.line, Err: err})
		}
		if s.onPage != nil {
			s.onPage(s.yielded, page.URL)
		}
		s.yielded++
		return page, nil
	}
	if err := s.scanner.Err(); err != nil && s.runCtx.Err() == nil {
		// The crawler may still be writing the rest of the line; stop it
		// instead of waiting for it to exit on its own.
		return indexer.CrawledPage{}, s.abort(&indexer.CrawlError{
			Kind:   indexer.CrawlParseFailure,
			Line:   s.line + 1,
			Stderr: strings.TrimSpace(s.stderr.String()),
			Err:    err,
		})
	}
	return indexer.CrawledPage{}, s.finish(s.scanner.Err())
}

func decodeLine(raw []byte) (indexer.CrawledPage, error) {
	if raw[0] != '{' {
		return indexer.CrawledPage{}, errors.New("line is not a JSON object")
	}
	var page indexer.CrawledPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return indexer.CrawledPage{}, fmt.Errorf("decode page: %w", err)
	}
	if strings.TrimSpace(page.URL) == "" {
		return indexer.CrawledPage{}, errors.New("page record missing url")
	}
	return page, nil
}

// finish reaps the process after stdout closed and classifies the outcome.
func (s *stream) finish(scanErr error) error {
	waitErr := s.cmd.Wait()
	s.cancel()
	s.done = true
	s.final = s.classify(scanErr, waitErr)
	if errors.Is(s.final, io.EOF) {
		s.logger.Debug("crawler finished", zap.Int("pages", s.yielded))
	}
	return s.final
}

func (s *stream) classify(scanErr, waitErr error) error {
	if err := s.parent.Err(); err != nil {
		return err
	}
	if errors.Is(s.runCtx.Err(), context.DeadlineExceeded) {
		return &indexer.CrawlError{
			Kind:   indexer.CrawlTimeout,
			Stderr: strings.TrimSpace(s.stderr.String()),
			Err:    fmt.Errorf("no result after %s: %w", s.timeout, context.DeadlineExceeded),
		}
	}
	if waitErr != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		return &indexer.CrawlError{
			Kind:     indexer.CrawlProcessFailure,
			ExitCode: code,
			Stderr:   strings.TrimSpace(s.stderr.String()),
			Err:      waitErr,
		}
	}
	if scanErr != nil {
		return &indexer.CrawlError{Kind: indexer.CrawlParseFailure, Line: s.line + 1, Err: scanErr}
	}
	return io.EOF
}

// abort kills the crawler, reaps it and records err as the final result.
func (s *stream) abort(err error) error {
	s.cancel()
	_ = s.cmd.Wait()
	s.done = true
	s.final = err
	return err
}

// Close stops the crawler if it is still running. It is safe to call twice.
func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.abort(io.ErrClosedPipe)
	return nil
}
