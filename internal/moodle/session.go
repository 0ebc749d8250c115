package moodle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
)

var errNoPage = errors.New("no page loaded")

// Session is an authenticated browsing session positioned at one page at a
// time. The crawler drives a single session sequentially.
type Session interface {
	Get(ctx context.Context, url string) error
	Document() (*goquery.Document, error)
	CurrentURL() string
	// Cookies hands the session's authentication to plain HTTP clients.
	Cookies(url string) []*http.Cookie
	// WaitFor reports whether selector matched within timeout. A miss is not
	// an error.
	WaitFor(ctx context.Context, selector string, timeout time.Duration) bool
}

// SessionConfig configures a CollySession.
type SessionConfig struct {
	BaseURL    string
	CookieName string
	Cookie     string
	UserAgent  string
	Timeout    time.Duration
}

// CollySession fetches server-rendered pages with a colly collector. The
// Moodle session cookie is injected into the collector's jar up front.
type CollySession struct {
	c *colly.Collector

	mu      sync.Mutex
	current string
	body    []byte
	doc     *goquery.Document
}

var _ Session = (*CollySession)(nil)

func NewCollySession(cfg SessionConfig) (*CollySession, error) {
	opts := []colly.CollectorOption{colly.AllowURLRevisit()}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)
	if cfg.Timeout > 0 {
		c.SetRequestTimeout(cfg.Timeout)
	}

	if cfg.Cookie != "" {
		name := cfg.CookieName
		if name == "" {
			name = "MoodleSession"
		}
		err := c.SetCookies(cfg.BaseURL, []*http.Cookie{{Name: name, Value: cfg.Cookie, Path: "/"}})
		if err != nil {
			return nil, fmt.Errorf("set session cookie: %w", err)
		}
	}

	s := &CollySession{c: c}
	c.OnResponse(func(r *colly.Response) {
		s.current = r.Request.URL.String()
		s.body = r.Body
		s.doc = nil
	})
	return s, nil
}

func (s *CollySession) Get(ctx context.Context, rawURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current, s.body, s.doc = rawURL, nil, nil
	if err := s.c.Visit(rawURL); err != nil {
		return fmt.Errorf("visit %s: %w", rawURL, err)
	}
	return nil
}

func (s *CollySession) Document() (*goquery.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc != nil {
		return s.doc, nil
	}
	if s.body == nil {
		return nil, errNoPage
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(s.body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.current, err)
	}
	if u, err := url.Parse(s.current); err == nil {
		doc.Url = u
	}
	s.doc = doc
	return doc, nil
}

func (s *CollySession) CurrentURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *CollySession) Cookies(rawURL string) []*http.Cookie {
	return s.c.Cookies(rawURL)
}

// WaitFor checks the loaded document once: pages fetched over HTTP are
// complete when Get returns, so polling would never change the answer.
func (s *CollySession) WaitFor(ctx context.Context, selector string, _ time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	doc, err := s.Document()
	if err != nil {
		return false
	}
	return doc.Find(selector).Length() > 0
}
