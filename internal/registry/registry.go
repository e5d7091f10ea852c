// Package registry implements the PEP 503 Simple index and PEP 691 JSON
// index protocols, plus an index-strategy decision
// (first-index / unsafe-first-match / unsafe-best-match).
// It generalizes the teacher's internal/pypi.Service, which only spoke
// the legacy PyPI JSON API against a single hardcoded host, into a
// multi-index client built on the retryablehttp stack the rest of the
// pack uses for registry/file fetches (GoogleCloudPlatform-buildpacks'
// pkg/fetch).
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"

	"github.com/ferrumpkg/ferrum/internal/ferrors"
	"github.com/ferrumpkg/ferrum/internal/pep"
	"github.com/ferrumpkg/ferrum/internal/types"
)

// Strategy selects how candidate versions are gathered across multiple
// configured indexes. first-index is the default and is a
// documented security property: it defends against dependency confusion
// by never letting a later, possibly-attacker-controlled index supply
// versions for a package the first index already answered for.
type Strategy int

const (
	// FirstIndex: the first index returning any versions for a package
	// defines its full candidate set.
	FirstIndex Strategy = iota
	// UnsafeFirstMatch: every index's candidates, in index order. No
	// index cutoff is applied: the resolver orders candidates by version
	// alone, so the result is the same as UnsafeBestMatch.
	UnsafeFirstMatch
	// UnsafeBestMatch: union candidates across every index, then pick.
	UnsafeBestMatch
)

// Index is one configured PEP 503/691 index.
type Index struct {
	URL   string
	Token string // bearer token, if this index requires auth
}

// File is one entry on a package's index page: a downloadable wheel or
// sdist plus whatever the index published about it.
type File struct {
	Filename       string
	URL            string
	Hashes         map[string]string
	RequiresPython string
	Yanked         bool
	YankedReason   string
	// CoreMetadataURL is set when the index advertises a fetchable
	// METADATA file per PEP 658/714, letting callers skip the artifact
	// download entirely for metadata-only needs.
	CoreMetadataURL string
}

// Page is one index's response for a single package name.
type Page struct {
	IndexURL string
	Files    []File
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the retryablehttp client's inner transport.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http.HTTPClient = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// WithStrategy sets the index strategy. Defaults to FirstIndex.
func WithStrategy(s Strategy) Option {
	return func(cl *Client) { cl.strategy = s }
}

// WithIgnoreErrorCodes allow-lists HTTP status codes that should not stop
// first-index's "stop here" behavior on authentication failure.
func WithIgnoreErrorCodes(codes ...int) Option {
	return func(cl *Client) {
		for _, c := range codes {
			cl.ignoreErrorCodes[c] = true
		}
	}
}

// Client talks to one or more registry indexes.
type Client struct {
	http             *retryablehttp.Client
	logger           *slog.Logger
	strategy         Strategy
	ignoreErrorCodes map[int]bool
}

// New creates a registry client. The retryablehttp client mirrors the
// teacher's hand-rolled exponential backoff in pypi.Service.fetch, but
// reuses the library the rest of the pack (GoogleCloudPlatform-buildpacks)
// already depends on for the same purpose instead of re-implementing it.
func New(opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil // ferrum logs through slog, not retryablehttp's own logger
	rc.RetryMax = 3

	cl := &Client{
		http:             rc,
		logger:           slog.Default(),
		strategy:         FirstIndex,
		ignoreErrorCodes: map[int]bool{},
	}

	for _, opt := range opts {
		opt(cl)
	}

	return cl
}

// authedRequest builds a retryablehttp.Request, attaching a bearer token
// via oauth2.StaticTokenSource when the index carries one.
func (c *Client) authedRequest(ctx context.Context, method string, idx Index, accept string) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, idx.URL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", accept)

	if idx.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: idx.Token})

		tok, err := ts.Token()
		if err != nil {
			return nil, fmt.Errorf("preparing bearer token: %w", err)
		}

		tok.SetAuthHeader(req.Request)
	}

	return req, nil
}

// FetchPage retrieves one index's page for name, trying PEP 691 JSON
// first and falling back to the PEP 503 HTML form when the index only
// advertises that.
func (c *Client) FetchPage(ctx context.Context, idx Index, name pep.PackageName) (Page, error) {
	url := strings.TrimRight(idx.URL, "/") + "/" + name.Normalized() + "/"
	reqIdx := Index{URL: url, Token: idx.Token}

	req, err := c.authedRequest(ctx, http.MethodGet, reqIdx, "application/vnd.pypi.simple.v1+json, text/html;q=0.9")
	if err != nil {
		return Page{}, ferrors.Wrap(ferrors.KindNetwork, name.String(), err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Page{}, ferrors.Wrap(ferrors.KindNetwork, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if c.ignoreErrorCodes[resp.StatusCode] {
			return Page{IndexURL: idx.URL}, nil
		}

		return Page{}, ferrors.New(ferrors.KindAuth, fmt.Sprintf("%s returned %d", url, resp.StatusCode))
	}

	if resp.StatusCode == http.StatusNotFound {
		return Page{IndexURL: idx.URL}, nil
	}

	if resp.StatusCode != http.StatusOK {
		return Page{}, ferrors.New(ferrors.KindNetwork, fmt.Sprintf("%s returned %d", url, resp.StatusCode))
	}

	contentType := resp.Header.Get("Content-Type")

	var files []File

	if strings.Contains(contentType, "json") {
		files, err = decodeJSONIndex(resp.Body)
	} else {
		files, err = decodeHTMLIndex(resp.Body)
	}

	if err != nil {
		return Page{}, ferrors.Wrap(ferrors.KindParse, url, err)
	}

	return Page{IndexURL: idx.URL, Files: files}, nil
}

// jsonIndexResponse mirrors the subset of PEP 691's JSON schema ferrum
// needs: per-file hashes, requires-python, yanked status, and the PEP
// 658/714 core-metadata pointer.
type jsonIndexResponse struct {
	Files []jsonIndexFile `json:"files"`
}

type jsonIndexFile struct {
	Filename       string            `json:"filename"`
	URL            string            `json:"url"`
	Hashes         map[string]string `json:"hashes"`
	RequiresPython string            `json:"requires-python"`
	Yanked         json.RawMessage   `json:"yanked"`
	CoreMetadata   json.RawMessage   `json:"core-metadata"`
}

func decodeJSONIndex(body io.Reader) ([]File, error) {
	var resp jsonIndexResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, err
	}

	out := make([]File, 0, len(resp.Files))

	for _, f := range resp.Files {
		yanked, reason := decodeYanked(f.Yanked)

		file := File{
			Filename:       f.Filename,
			URL:            f.URL,
			Hashes:         f.Hashes,
			RequiresPython: f.RequiresPython,
			Yanked:         yanked,
			YankedReason:   reason,
		}

		if hasCoreMetadata(f.CoreMetadata) {
			file.CoreMetadataURL = f.URL + ".metadata"
		}

		out = append(out, file)
	}

	return out, nil
}

func decodeYanked(raw json.RawMessage) (bool, string) {
	if len(raw) == 0 || string(raw) == "false" {
		return false, ""
	}

	if string(raw) == "true" {
		return true, ""
	}

	var reason string
	if err := json.Unmarshal(raw, &reason); err == nil {
		return true, reason
	}

	return true, ""
}

func hasCoreMetadata(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "false" && string(raw) != "null"
}

// simpleHTMLLink matches a PEP 503 Simple index anchor tag, e.g.
//
//	<a href="../../packages/.../flask-3.0.0-py3-none-any.whl#sha256=abc" data-requires-python="&gt;=3.8">flask-3.0.0-py3-none-any.whl</a>
var simpleHTMLLink = regexp.MustCompile(`(?is)<a\s+[^>]*href="([^"]+)"[^>]*>([^<]+)</a>`)
var dataRequiresPython = regexp.MustCompile(`data-requires-python="([^"]*)"`)
var dataYanked = regexp.MustCompile(`data-yanked(?:="([^"]*)")?`)

// decodeHTMLIndex parses a PEP 503 Simple index HTML page without a full
// HTML parser (the teacher avoids a heavy HTML dependency throughout; a
// regex scan over the handful of well-formed attributes the spec defines
// is sufficient here since ferrum never renders arbitrary HTML).
func decodeHTMLIndex(body io.Reader) ([]File, error) {
	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 32*1024)

	for {
		n, err := body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}

		if err != nil {
			break
		}
	}

	html := string(buf)

	var out []File

	for _, m := range simpleHTMLLink.FindAllStringSubmatch(html, -1) {
		href, text := m[1], strings.TrimSpace(m[2])

		url, hash := splitFragment(href)

		f := File{Filename: text, URL: url}
		if hash != "" {
			f.Hashes = map[string]string{hashAlgo(hash): hashValue(hash)}
		}

		tagStart := strings.Index(html, m[0])
		tag := m[0]

		if rp := dataRequiresPython.FindStringSubmatch(tag); rp != nil {
			f.RequiresPython = htmlUnescape(rp[1])
		}

		if dataYanked.MatchString(tag) {
			f.Yanked = true

			if ym := dataYanked.FindStringSubmatch(tag); len(ym) > 1 {
				f.YankedReason = ym[1]
			}
		}

		_ = tagStart

		out = append(out, f)
	}

	return out, nil
}

func splitFragment(href string) (url, hash string) {
	idx := strings.Index(href, "#")
	if idx < 0 {
		return href, ""
	}

	return href[:idx], href[idx+1:]
}

func hashAlgo(fragment string) string {
	if idx := strings.Index(fragment, "="); idx > 0 {
		return fragment[:idx]
	}

	return "sha256"
}

func hashValue(fragment string) string {
	if idx := strings.Index(fragment, "="); idx >= 0 {
		return fragment[idx+1:]
	}

	return fragment
}

func htmlUnescape(s string) string {
	r := strings.NewReplacer("&gt;", ">", "&lt;", "<", "&amp;", "&", "&quot;", `"`, "&#39;", "'")
	return r.Replace(s)
}

// ResolveVersions implements spec.md §4.3's versions(name, index-set)
// operation: it applies the configured Strategy across idxs and returns
// every (version, Source, File) triple the strategy admits, in each
// index page's own file order (nothing is sorted here); yanked files and
// unparsable filenames are left out.
func (c *Client) ResolveVersions(ctx context.Context, name pep.PackageName, idxs []Index) ([]Candidate, error) {
	switch c.strategy {
	case UnsafeBestMatch:
		return c.resolveBestMatch(ctx, name, idxs)
	case UnsafeFirstMatch:
		return c.resolveFirstMatch(ctx, name, idxs)
	default:
		return c.resolveFirstIndex(ctx, name, idxs)
	}
}

// Candidate is one version ferrum's resolver can choose, annotated with
// which index and file it would come from.
type Candidate struct {
	Version  pep.Version
	IndexURL string
	File     File
	Source   types.Source
}

func (c *Client) resolveFirstIndex(ctx context.Context, name pep.PackageName, idxs []Index) ([]Candidate, error) {
	var lastErr error

	for _, idx := range idxs {
		page, err := c.FetchPage(ctx, idx, name)
		if err != nil {
			if ferrors.Is(err, ferrors.KindAuth) {
				// Auth failure counts as "stop here" unless allow-listed.
				return nil, err
			}

			lastErr = err

			continue
		}

		if len(page.Files) == 0 {
			continue
		}

		return candidatesFromPage(name, page), nil
	}

	if lastErr != nil {
		return nil, lastErr
	}

	return nil, nil
}

func (c *Client) resolveFirstMatch(ctx context.Context, name pep.PackageName, idxs []Index) ([]Candidate, error) {
	// Every index's candidates are returned in index order, and a fetch
	// error (an auth failure included) skips that index. The resolver does
	// not stop at the first index with a satisfying version: it orders all
	// candidates by version alone.
	var all []Candidate

	for _, idx := range idxs {
		page, err := c.FetchPage(ctx, idx, name)
		if err != nil {
			if ferrors.Is(err, ferrors.KindAuth) {
				continue
			}

			continue
		}

		all = append(all, candidatesFromPage(name, page)...)
	}

	return all, nil
}

func (c *Client) resolveBestMatch(ctx context.Context, name pep.PackageName, idxs []Index) ([]Candidate, error) {
	var all []Candidate

	for _, idx := range idxs {
		page, err := c.FetchPage(ctx, idx, name)
		if err != nil {
			continue
		}

		all = append(all, candidatesFromPage(name, page)...)
	}

	return all, nil
}

func candidatesFromPage(name pep.PackageName, page Page) []Candidate {
	out := make([]Candidate, 0, len(page.Files))

	for _, f := range page.Files {
		if f.Yanked {
			continue
		}

		_, version, _, err := types.ParseWheelOrSdistName(f.Filename)
		if err != nil {
			continue
		}

		v, err := pep.ParseVersion(version)
		if err != nil {
			continue
		}

		out = append(out, Candidate{
			Version:  v,
			IndexURL: page.IndexURL,
			File:     f,
			Source:   types.Source{Kind: types.SourceRegistry, URL: f.URL},
		})
	}

	return out
}
