package fetcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/ncolesummers/document-ingestor/internal/retry"
	"github.com/ncolesummers/document-ingestor/pkg/types"
)

const (
	DefaultUserAgent    = "document-ingestor/1.0"
	DefaultMaxDepth     = 2
	DefaultRateLimit    = 2.0
	DefaultMaxBodyBytes = 10 << 20
)

// HTTPConfig configures an HTTPSource
type HTTPConfig struct {
	Name              string
	Seeds             []Seed
	MaxDepth          int     // Link depth for seeds without their own depth
	RateLimit         float64 // Requests per second
	AllowedExtensions []string
	IgnorePatterns    []string
	UserAgent         string
	CacheDir          string // Raw body cache; empty disables conditional requests
	Timeout           time.Duration
	MaxBodyBytes      int64
	Retry             retry.Config
	Logger            *slog.Logger
}

// HTTPSource crawls seed URLs and same-host links with conditional requests
type HTTPSource struct {
	config  HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
	allowed map[string]bool
}

var _ Source = (*HTTPSource)(nil)

// NewHTTPSource creates an HTTP source, filling defaults for unset fields
func NewHTTPSource(config HTTPConfig) (*HTTPSource, error) {
	if len(config.Seeds) == 0 {
		return nil, fmt.Errorf("http source %q: no seeds configured", config.Name)
	}
	for _, s := range config.Seeds {
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("http source %q: invalid seed url %q", config.Name, s.URL)
		}
	}
	if config.Name == "" {
		config.Name = "http"
	}
	if config.MaxDepth < 0 {
		config.MaxDepth = 0
	} else if config.MaxDepth == 0 {
		config.MaxDepth = DefaultMaxDepth
	}
	if config.RateLimit <= 0 {
		config.RateLimit = DefaultRateLimit
	}
	if len(config.AllowedExtensions) == 0 {
		config.AllowedExtensions = []string{"", ".html", ".htm", ".md", ".txt"}
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = retry.DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[string]bool, len(config.AllowedExtensions))
	for _, ext := range config.AllowedExtensions {
		allowed[strings.ToLower(ext)] = true
	}

	return &HTTPSource{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		logger:  logger.With("component", "fetcher", "source", config.Name),
		now:     time.Now,
		allowed: allowed,
	}, nil
}

func (h *HTTPSource) Name() string {
	return h.config.Name
}

type crawlItem struct {
	url      string
	host     string
	title    string
	depth    int
	maxDepth int
}

// Documents crawls breadth-first from the seeds. Every URL is fetched at most
// once per run.
func (h *HTTPSource) Documents(ctx context.Context, lookup ValidatorLookup) iter.Seq2[*FetchedDocument, error] {
	if lookup == nil {
		lookup = noLookup
	}
	return func(yield func(*FetchedDocument, error) bool) {
		visited := make(map[string]bool)
		var queue []crawlItem
		for _, s := range h.config.Seeds {
			u, _ := url.Parse(s.URL)
			u.Fragment = ""
			maxDepth := h.config.MaxDepth
			if s.Depth != nil {
				maxDepth = max(*s.Depth, 0)
			}
			queue = append(queue, crawlItem{url: u.String(), host: u.Host, title: s.Title, maxDepth: maxDepth})
		}

		for len(queue) > 0 {
			if err := ctx.Err(); err != nil {
				yield(nil, fmt.Errorf("%w: %w", ErrIncompleteListing, err))
				return
			}

			item := queue[0]
			queue = queue[1:]
			if visited[item.url] {
				continue
			}
			visited[item.url] = true

			res, err := h.fetch(ctx, item, lookup)
			if err != nil {
				yield(nil, fmt.Errorf("%w: %w", ErrIncompleteListing, err))
				return
			}
			if res.gone {
				h.logger.Debug("document gone", "url", item.url)
				continue
			}

			var listingErr error
			if res.doc.Err != nil {
				h.logger.Warn("fetch failed", "url", item.url, "error", res.doc.Err)
				if errors.Is(res.doc.Err, types.ErrTransient) || item.depth < item.maxDepth {
					listingErr = fmt.Errorf("%w: %s: %w", ErrIncompleteListing, item.url, res.doc.Err)
				}
			}

			if item.depth < item.maxDepth && res.doc.Err == nil && res.doc.ContentType == MediaHTML {
				for _, link := range h.discoverLinks(item, res.doc.Content) {
					if !visited[link] {
						queue = append(queue, crawlItem{
							url:      link,
							host:     item.host,
							depth:    item.depth + 1,
							maxDepth: item.maxDepth,
						})
					}
				}
			}

			if !yield(res.doc, listingErr) {
				return
			}
		}
	}
}

type fetchResult struct {
	doc  *FetchedDocument
	gone bool
}

// fetch performs one conditional GET. The returned error is reserved for
// cancellation; per-document failures travel in doc.Err.
func (h *HTTPSource) fetch(ctx context.Context, item crawlItem, lookup ValidatorLookup) (fetchResult, error) {
	id := types.DocumentID(item.url)
	doc := &FetchedDocument{
		ID:         id,
		URI:        item.url,
		Source:     h.config.Name,
		Title:      item.title,
		ObservedAt: h.now(),
		Metadata: map[string]string{
			"depth": strconv.Itoa(item.depth),
		},
	}

	prior, hasPrior := lookup(ctx, id)
	cached, hasCache := h.readCache(item.url)

	header := http.Header{}
	header.Set("User-Agent", h.config.UserAgent)
	if hasPrior && hasCache {
		switch prior.Kind {
		case types.SignalETag:
			header.Set("If-None-Match", prior.Value)
			if lm, ok := h.readSidecar(item.url, lastModifiedSuffix); ok {
				header.Set("If-Modified-Since", lm)
			}
		case types.SignalLastModified:
			header.Set("If-Modified-Since", prior.Value)
		}
	}

	type response struct {
		status int
		header http.Header
		body   []byte
	}
	resp, err := retry.Do(ctx, h.config.Retry, func(ctx context.Context) (response, error) {
		if err := h.limiter.Wait(ctx); err != nil {
			return response{}, retry.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.url, nil)
		if err != nil {
			return response{}, retry.Permanent(fmt.Errorf("%w: %w", types.ErrPermanent, err))
		}
		req.Header = header.Clone()

		r, err := h.client.Do(req)
		if err != nil {
			return response{}, fmt.Errorf("%w: %w", types.ErrTransient, err)
		}
		defer func() {
			_ = r.Body.Close()
		}()

		if r.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 4096))
			return response{}, fmt.Errorf("%w: status %d", types.ErrTransient, r.StatusCode)
		}

		var body []byte
		if r.StatusCode == http.StatusOK {
			body, err = io.ReadAll(io.LimitReader(r.Body, h.config.MaxBodyBytes+1))
			if err != nil {
				return response{}, fmt.Errorf("%w: read body: %w", types.ErrTransient, err)
			}
			if int64(len(body)) > h.config.MaxBodyBytes {
				return response{}, retry.Permanent(fmt.Errorf("%w: body exceeds %d bytes", types.ErrPermanent, h.config.MaxBodyBytes))
			}
		}
		return response{status: r.StatusCode, header: r.Header, body: body}, nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fetchResult{}, ctxErr
		}
		doc.Err = err
		return fetchResult{doc: doc}, nil
	}
	doc.Metadata["status"] = strconv.Itoa(resp.status)

	switch {
	case resp.status == http.StatusNotModified:
		doc.NotModified = true
		doc.Signal = prior
		doc.Content = cached
		doc.ContentType = MediaTypeFor("", item.url)
		if ct, ok := h.readSidecar(item.url, contentTypeSuffix); ok {
			doc.ContentType = ct
		}
	case resp.status == http.StatusNotFound || resp.status == http.StatusGone:
		return fetchResult{gone: true}, nil
	case resp.status != http.StatusOK:
		doc.Err = fmt.Errorf("%w: status %d", types.ErrPermanent, resp.status)
	default:
		doc.Content = resp.body
		doc.ContentType = MediaTypeFor(resp.header.Get("Content-Type"), item.url)
		doc.Signal = signalFor(resp.header, resp.body)
		lastModified := resp.header.Get("Last-Modified")
		if lastModified != "" {
			doc.Metadata["last_modified"] = lastModified
		}
		if err := h.writeCache(item.url, resp.body, doc.ContentType, lastModified); err != nil {
			h.logger.Warn("raw cache write failed", "url", item.url, "error", err)
		}
	}
	return fetchResult{doc: doc}, nil
}

// signalFor prefers ETag, then Last-Modified, then a digest of the body
func signalFor(header http.Header, body []byte) types.ChangeSignal {
	if etag := header.Get("ETag"); etag != "" {
		return types.ChangeSignal{Kind: types.SignalETag, Value: etag}
	}
	if lm := header.Get("Last-Modified"); lm != "" {
		return types.ChangeSignal{Kind: types.SignalLastModified, Value: lm}
	}
	return types.DigestSignal(body)
}

func (h *HTTPSource) discoverLinks(item crawlItem, content []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		h.logger.Debug("link discovery failed", "url", item.url, "error", err)
		return nil
	}
	base, err := url.Parse(item.url)
	if err != nil {
		return nil
	}

	var links []string
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		link := abs.String()
		if seen[link] || !h.shouldFollow(abs, item.host) {
			return
		}
		seen[link] = true
		links = append(links, link)
	})
	return links
}

func (h *HTTPSource) shouldFollow(u *url.URL, host string) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host != host {
		return false
	}
	if !h.allowed[strings.ToLower(path.Ext(u.Path))] {
		return false
	}
	link := u.String()
	for _, pattern := range h.config.IgnorePatterns {
		if strings.Contains(link, pattern) {
			return false
		}
	}
	return true
}

func (h *HTTPSource) cachePath(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(h.config.CacheDir, hex.EncodeToString(sum[:]))
}

func (h *HTTPSource) readCache(rawURL string) ([]byte, bool) {
	if h.config.CacheDir == "" {
		return nil, false
	}
	data, err := os.ReadFile(h.cachePath(rawURL))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Sidecar files next to a cached body
const (
	contentTypeSuffix  = ".type"
	lastModifiedSuffix = ".lm"
)

func (h *HTTPSource) readSidecar(rawURL, suffix string) (string, bool) {
	if h.config.CacheDir == "" {
		return "", false
	}
	data, err := os.ReadFile(h.cachePath(rawURL) + suffix)
	if err != nil || len(data) == 0 {
		return "", false
	}
	return string(data), true
}

// writeCache stores the body with its content type and Last-Modified value.
// An empty lastModified clears a stale one.
func (h *HTTPSource) writeCache(rawURL string, body []byte, contentType, lastModified string) error {
	if h.config.CacheDir == "" {
		return nil
	}
	if err := os.MkdirAll(h.config.CacheDir, 0o755); err != nil {
		return err
	}
	p := h.cachePath(rawURL)
	if err := writeFileAtomic(p+contentTypeSuffix, []byte(contentType)); err != nil {
		return err
	}
	if lastModified == "" {
		if err := os.Remove(p + lastModifiedSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	} else if err := writeFileAtomic(p+lastModifiedSuffix, []byte(lastModified)); err != nil {
		return err
	}
	return writeFileAtomic(p, body)
}

func writeFileAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), name)
}
