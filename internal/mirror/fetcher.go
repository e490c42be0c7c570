package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ralt/syzygia/internal/models"
	"github.com/ralt/syzygia/internal/utils"
)

// RetryPolicy bounds how hard a fetch tries
type RetryPolicy struct {
	// MaxRetries is the number of full passes over the mirror list
	MaxRetries int
	// Backoff is the delay before the second pass; it doubles for every
	// further pass
	Backoff time.Duration
	// Timeout bounds a single attempt against one mirror, including
	// reading the body
	Timeout time.Duration
}

// DefaultRetryPolicy is three passes, 1s/2s backoff and a 10s attempt timeout
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, Backoff: time.Second, Timeout: 10 * time.Second}

func (p RetryPolicy) passes() int {
	if p.MaxRetries < 1 {
		return 1
	}
	return p.MaxRetries
}

// Delay returns the wait before pass (0-based). The first pass starts
// immediately.
func (p RetryPolicy) Delay(pass int) time.Duration {
	if pass <= 0 {
		return 0
	}
	return p.Backoff << (pass - 1)
}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithObserver replaces the default logging observer
func WithObserver(o Observer) Option {
	return func(f *Fetcher) { f.observer = o }
}

// WithSleeper replaces the real backoff timer
func WithSleeper(s Sleeper) Option {
	return func(f *Fetcher) { f.sleep = s }
}

// Fetcher downloads files from a repository's mirrors
type Fetcher struct {
	transport Transport
	selector  *Selector
	policy    RetryPolicy
	observer  Observer
	sleep     Sleeper
}

// NewFetcher creates a fetcher. The selector carries mirror health across
// fetches and may be shared.
func NewFetcher(t Transport, sel *Selector, policy RetryPolicy, opts ...Option) *Fetcher {
	if sel == nil {
		sel = NewSelector()
	}
	f := &Fetcher{
		transport: t,
		selector:  sel,
		policy:    policy,
		observer:  LogObserver{},
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Selector returns the mirror health tracker
func (f *Fetcher) Selector() *Selector {
	return f.selector
}

// Fetch returns the content of relativePath from the first mirror that
// serves it intact. A zero expected digest skips checksum verification.
func (f *Fetcher) Fetch(ctx context.Context, repo models.Repository, relativePath string, expected models.Digest) ([]byte, error) {
	return f.fetchBytes(ctx, repo, relativePath, expected, false)
}

// FetchOptional fetches a file that may legitimately be absent, such as a
// detached signature. It makes a single pass over the ranked mirrors
// without backoff, and a mirror that does not serve the file is not
// counted as failing.
func (f *Fetcher) FetchOptional(ctx context.Context, repo models.Repository, relativePath string) ([]byte, error) {
	return f.fetchBytes(ctx, repo, relativePath, models.Digest{}, true)
}

func (f *Fetcher) fetchBytes(ctx context.Context, repo models.Repository, relativePath string, expected models.Digest, optional bool) ([]byte, error) {
	var out []byte
	err := f.fetch(ctx, repo, relativePath, expected, optional, func() (sink, error) {
		return &memorySink{out: &out}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchFile streams relativePath into dest. Data goes to a temporary file
// next to dest which is renamed into place only once verified; nothing is
// left behind on failure.
func (f *Fetcher) FetchFile(ctx context.Context, repo models.Repository, relativePath string, expected models.Digest, dest string) error {
	dir := filepath.Dir(dest)
	if err := utils.EnsureDir(dir); err != nil {
		return &models.DownloadError{Repo: repo.Name, Path: relativePath, Err: err}
	}
	return f.fetch(ctx, repo, relativePath, expected, false, func() (sink, error) {
		tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".part-*")
		if err != nil {
			return nil, err
		}
		return &fileSink{f: tmp, dest: dest}, nil
	})
}

func (f *Fetcher) fetch(ctx context.Context, repo models.Repository, relativePath string, expected models.Digest, optional bool, newSink func() (sink, error)) error {
	fail := func(failures []models.MirrorFailure, err error) error {
		return &models.DownloadError{Repo: repo.Name, Path: relativePath, Failures: failures, Err: err}
	}

	if len(repo.Mirrors) == 0 {
		return fail(nil, fmt.Errorf("no mirrors configured"))
	}
	if !expected.IsZero() {
		if _, err := utils.NewHash(expected.Algorithm); err != nil {
			return fail(nil, err)
		}
	}

	hasRemote := false
	for _, m := range repo.Mirrors {
		if m.Scheme == models.SchemeRemote {
			hasRemote = true
		}
	}

	passes := f.policy.passes()
	if optional {
		passes = 1
	}

	var failures []models.MirrorFailure
	for pass := 0; pass < passes; pass++ {
		if pass > 0 {
			// local mirrors are not retried, so there is nothing to wait for
			if !hasRemote {
				break
			}
			delay := f.policy.Delay(pass)
			f.observer.OnBackoff(relativePath, pass, delay)
			if err := f.sleep(ctx, delay); err != nil {
				return fail(failures, err)
			}
		}

		for _, m := range f.selector.Rank(repo.Mirrors) {
			if pass > 0 && m.Scheme == models.SchemeLocal {
				continue
			}
			if err := ctx.Err(); err != nil {
				return fail(failures, err)
			}

			f.observer.OnAttempt(m, relativePath, pass)
			start := time.Now()
			n, err := f.attempt(ctx, m, relativePath, expected, newSink)
			if err == nil {
				latency := time.Since(start)
				f.selector.RecordSuccess(m.URL, latency)
				f.observer.OnSuccess(m, relativePath, n, latency)
				return nil
			}

			var se *sinkError
			if errors.As(err, &se) {
				return fail(failures, se.err)
			}
			// a cancelled caller is not the mirror's fault
			if ctx.Err() != nil {
				return fail(failures, ctx.Err())
			}

			if !optional {
				f.selector.RecordFailure(m.URL)
				f.observer.OnFailure(m, relativePath, pass, err)
			}
			failures = append(failures, models.MirrorFailure{Mirror: m.URL, Pass: pass, Err: err})
		}
	}

	return fail(failures, nil)
}

// attempt fetches from a single mirror. Local failures (creating or
// committing the destination) are returned as *sinkError.
func (f *Fetcher) attempt(ctx context.Context, m models.Mirror, relativePath string, expected models.Digest, newSink func() (sink, error)) (int64, error) {
	if f.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.policy.Timeout)
		defer cancel()
	}

	rc, err := f.transport.Open(ctx, m.Resolve(relativePath))
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	s, err := newSink()
	if err != nil {
		return 0, &sinkError{err}
	}

	var w io.Writer = s
	var dw *utils.DigestWriter
	if !expected.IsZero() {
		dw, _ = utils.NewDigestWriter(expected.Algorithm)
		w = io.MultiWriter(s, dw)
	}

	n, err := io.Copy(w, rc)
	if err != nil {
		s.discard()
		return n, err
	}

	if dw != nil {
		if got := dw.Digest(); !got.Equal(expected) {
			s.discard()
			return n, &models.IntegrityError{
				Path:     relativePath,
				Kind:     models.IntegrityChecksum,
				Expected: expected.String(),
				Actual:   got.String(),
			}
		}
	}

	if err := s.commit(); err != nil {
		return n, &sinkError{err}
	}
	return n, nil
}

// sink receives the bytes of one attempt
type sink interface {
	io.Writer
	commit() error
	discard()
}

type sinkError struct{ err error }

func (e *sinkError) Error() string { return e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

type memorySink struct {
	buf bytes.Buffer
	out *[]byte
}

func (s *memorySink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *memorySink) commit() error {
	*s.out = s.buf.Bytes()
	return nil
}
func (s *memorySink) discard() { s.buf.Reset() }

type fileSink struct {
	f    *os.File
	dest string
}

func (s *fileSink) Write(p []byte) (int, error) { return s.f.Write(p) }

func (s *fileSink) commit() error {
	tmpPath := s.f.Name()
	if err := s.f.Sync(); err != nil {
		s.discard()
		return err
	}
	if err := s.f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming file: %w", err)
	}
	return nil
}

func (s *fileSink) discard() {
	s.f.Close()
	os.Remove(s.f.Name())
}
