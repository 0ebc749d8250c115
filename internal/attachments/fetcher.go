// Package attachments downloads media embedded in forum posts.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/daemonphantom/BA-TUB-Bot/internal/logger"
)

// Accepted file extensions, keyed by media type.
var mediaTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

var knownExts = []string{".png", ".jpg", ".jpeg", ".gif", ".webp"}

var errNotMedia = errors.New("not a media response")

// Attachment is one embedded file of a post. LocalPath is empty when the
// download failed.
type Attachment struct {
	URL       string `json:"url"`
	LocalPath string `json:"local_path,omitempty"`
	Ext       string `json:"ext,omitempty"`
}

// CookieSource supplies the authenticated session's cookies for a URL.
type CookieSource interface {
	Cookies(url string) []*http.Cookie
}

type Options struct {
	Attempts    int
	Pause       time.Duration
	Timeout     time.Duration
	Concurrency int
}

// Fetcher downloads attachments with a fixed number of attempts. It never
// returns errors: failures leave LocalPath empty.
type Fetcher struct {
	client  *http.Client
	cookies CookieSource
	opts    Options
	log     *logger.Logger
}

func NewFetcher(cookies CookieSource, opts Options, log *logger.Logger) *Fetcher {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Pause < 0 {
		opts.Pause = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Fetcher{
		client:  &http.Client{Timeout: opts.Timeout},
		cookies: cookies,
		opts:    opts,
		log:     log.With("component", "attachments"),
	}
}

// FileName is the deterministic local name of the seq-th attachment of a
// post. seq starts at 1.
func FileName(postID string, seq int, ext string) string {
	return fmt.Sprintf("attachment_%s_%d%s", postID, seq, ext)
}

// Fetch resolves every URL to a local file under saveDir. Results keep the
// order of urls.
func (f *Fetcher) Fetch(ctx context.Context, urls []string, saveDir, postID string) []Attachment {
	out := make([]Attachment, len(urls))
	if len(urls) == 0 {
		return out
	}
	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		f.log.Warn("attachment dir not created", "dir", saveDir, "error", err)
		for i, u := range urls {
			out[i] = Attachment{URL: u}
		}
		return out
	}

	var g errgroup.Group
	g.SetLimit(f.opts.Concurrency)
	for i, u := range urls {
		g.Go(func() error {
			out[i] = f.fetchOne(ctx, u, saveDir, postID, i+1)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (f *Fetcher) fetchOne(ctx context.Context, rawURL, saveDir, postID string, seq int) Attachment {
	att := Attachment{URL: rawURL}
	log := f.log.With("post_id", postID, "url", rawURL)

	ext := extFromURL(rawURL)
	if p, e, ok := existing(saveDir, postID, seq, ext); ok {
		att.LocalPath, att.Ext = p, e
		return att
	}

	op := func() (string, error) {
		return f.download(ctx, rawURL, saveDir, postID, seq, ext)
	}
	localPath, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(f.opts.Pause)),
		backoff.WithMaxTries(uint(f.opts.Attempts)),
	)
	if err != nil {
		log.Warn("attachment download failed", "attempts", f.opts.Attempts, "error", err)
		return att
	}
	att.LocalPath = localPath
	att.Ext = filepath.Ext(localPath)
	return att
}

// existing looks for an already-downloaded file. Without a known extension
// every accepted one is tried.
func existing(dir, postID string, seq int, ext string) (string, string, bool) {
	candidates := knownExts
	if ext != "" {
		candidates = []string{ext}
	}
	for _, e := range candidates {
		p := filepath.Join(dir, FileName(postID, seq, e))
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, e, true
		}
	}
	return "", "", false
}

func (f *Fetcher) download(ctx context.Context, rawURL, dir, postID string, seq int, ext string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	if f.cookies != nil {
		for _, c := range f.cookies.Cookies(rawURL) {
			req.AddCookie(c)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(mediaType, "image/") {
		return "", backoff.Permanent(fmt.Errorf("%w: %q", errNotMedia, mediaType))
	}
	if ext == "" {
		e, ok := mediaTypes[mediaType]
		if !ok {
			return "", backoff.Permanent(fmt.Errorf("%w: %q", errNotMedia, mediaType))
		}
		ext = e
	}

	final := filepath.Join(dir, FileName(postID, seq, ext))
	tmp, err := os.CreateTemp(dir, ".attachment-*")
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("create temp file: %w", err))
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("read body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", backoff.Permanent(fmt.Errorf("rename: %w", err))
	}
	return final, nil
}

func extFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(path.Ext(u.Path))
	for _, k := range knownExts {
		if ext == k {
			return ext
		}
	}
	return ""
}

// LocalPaths returns the paths of the attachments that were downloaded.
func LocalPaths(atts []Attachment) []string {
	var paths []string
	for _, a := range atts {
		if a.LocalPath != "" {
			paths = append(paths, a.LocalPath)
		}
	}
	return paths
}
