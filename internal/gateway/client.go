package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"arc-sync/internal/instrument"
	"arc-sync/internal/metadata"
)

// ErrNotFound is returned when the upstream answers 404.
var ErrNotFound = errors.New("not found upstream")

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

const defaultModuleTTL = time.Minute

// Client talks to the admin REST API that stores relations, module
// descriptors and records.
type Client struct {
	baseURL    string
	token      string
	http       *http.Client
	logger     *zap.Logger
	maxRetries uint64
	moduleTTL  time.Duration

	mu        sync.Mutex
	modules   []metadata.Module
	fetchedAt time.Time
}

// Option configures a Client.
type Option func(*Client)

func WithToken(token string) Option { return func(c *Client) { c.token = token } }

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.logger = l } }

// WithRetries sets how often a request failing with a network error or a
// 5xx/429 status is retried.
func WithRetries(n uint64) Option { return func(c *Client) { c.maxRetries = n } }

// WithModuleTTL sets how long the module list is cached.
func WithModuleTTL(d time.Duration) Option { return func(c *Client) { c.moduleTTL = d } }

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: 10 * time.Second},
		logger:     zap.NewNop(),
		maxRetries: 2,
		moduleTTL:  defaultModuleTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ---- relations ----

// ListRelations returns the relations filtered by source type and id. Empty
// filters are omitted.
func (c *Client) ListRelations(ctx context.Context, sourceType, sourceID string) ([]metadata.Relation, error) {
	q := url.Values{}
	if sourceType != "" {
		q.Set("sourceType", sourceType)
	}
	if sourceID != "" {
		q.Set("sourceId", sourceID)
	}
	path := "/relations"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	items, _, err := unwrapList(body)
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	out := make([]metadata.Relation, 0, len(items))
	for i, raw := range items {
		var rel metadata.Relation
		if err := json.Unmarshal(raw, &rel); err != nil {
			return nil, fmt.Errorf("list relations: element %d: %w", i, err)
		}
		out = append(out, rel)
	}
	return out, nil
}

// CreateRelation validates and submits a draft. The server assigns the id.
func (c *Client) CreateRelation(ctx context.Context, draft metadata.RelationDraft) (*metadata.Relation, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodPost, "/relations", draft)
	if err != nil {
		return nil, err
	}
	var rel metadata.Relation
	if err := json.Unmarshal(body, &rel); err != nil {
		return nil, fmt.Errorf("decode created relation: %w", err)
	}
	return &rel, nil
}

func (c *Client) DeleteRelation(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/relations/"+url.PathEscape(id), nil)
	return err
}

// ---- modules ----

// Modules returns the module descriptors, cached for the module TTL.
func (c *Client) Modules(ctx context.Context) ([]metadata.Module, error) {
	c.mu.Lock()
	if c.modules != nil && time.Since(c.fetchedAt) < c.moduleTTL {
		mods := c.modules
		c.mu.Unlock()
		return mods, nil
	}
	c.mu.Unlock()

	body, err := c.do(ctx, http.MethodGet, "/modules", nil)
	if err != nil {
		return nil, err
	}
	items, _, err := unwrapList(body)
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	mods := make([]metadata.Module, 0, len(items))
	for _, raw := range items {
		var m metadata.Module
		if err := json.Unmarshal(raw, &m); err != nil {
			// the console lists bare module names too; those have no id
			c.logger.Debug("skipping module entry", zap.ByteString("entry", raw), zap.Error(err))
			continue
		}
		mods = append(mods, m)
	}

	c.mu.Lock()
	c.modules = mods
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return mods, nil
}

// Module returns one descriptor, including its columns.
func (c *Client) Module(ctx context.Context, id string) (*metadata.Module, error) {
	body, err := c.do(ctx, http.MethodGet, "/modules/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var m metadata.Module
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode module: %w", err)
	}
	return &m, nil
}

// ModuleFor finds the dynamic module serving moduleType. Legacy types and
// types no module claims return nil.
func (c *Client) ModuleFor(ctx context.Context, moduleType string) (*metadata.Module, error) {
	if metadata.IsLegacy(moduleType) {
		return nil, nil
	}
	mods, err := c.Modules(ctx)
	if err != nil {
		return nil, err
	}
	for i := range mods {
		if mods[i].ID != "" && mods[i].Matches(moduleType) {
			return &mods[i], nil
		}
	}
	return nil, nil
}

// ---- records ----

// ListRecords returns every record of moduleType in {id, ...fields} form.
func (c *Client) ListRecords(ctx context.Context, moduleType string) ([]metadata.Record, error) {
	mod, err := c.ModuleFor(ctx, moduleType)
	if err != nil {
		return nil, err
	}

	if mod != nil {
		body, err := c.do(ctx, http.MethodGet, "/modules/"+url.PathEscape(mod.ID)+"/objects", nil)
		if err != nil {
			return nil, err
		}
		return c.records(body, moduleType, flattenObject)
	}

	var body []byte
	err = c.legacy(ctx, moduleType, "", func(path string) error {
		var err error
		body, err = c.do(ctx, http.MethodGet, path, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.records(body, moduleType, plainRecord)
}

// GetRecord returns one record. Dynamic modules have no single-object
// endpoint, so their object list is searched.
func (c *Client) GetRecord(ctx context.Context, moduleType, id string) (metadata.Record, error) {
	mod, err := c.ModuleFor(ctx, moduleType)
	if err != nil {
		return nil, err
	}

	if mod != nil {
		recs, err := c.ListRecords(ctx, moduleType)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if r.ID() == id {
				return r, nil
			}
		}
		return nil, fmt.Errorf("%s/%s: %w", moduleType, id, ErrNotFound)
	}

	var body []byte
	err = c.legacy(ctx, moduleType, id, func(path string) error {
		var err error
		body, err = c.do(ctx, http.MethodGet, path, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return plainRecord(body)
}

// UpdateRecord writes fields to one record. Only the given fields are sent.
func (c *Client) UpdateRecord(ctx context.Context, moduleType, id string, fields map[string]string) error {
	mod, err := c.ModuleFor(ctx, moduleType)
	if err != nil {
		return err
	}

	if mod != nil {
		path := "/modules/" + url.PathEscape(mod.ID) + "/objects/" + url.PathEscape(id)
		_, err := c.do(ctx, http.MethodPut, path, map[string]any{"data": fields})
		return err
	}

	return c.legacy(ctx, moduleType, id, func(path string) error {
		_, err := c.do(ctx, http.MethodPut, path, fields)
		return err
	})
}

func (c *Client) records(body []byte, moduleType string, decode func(json.RawMessage) (metadata.Record, error)) ([]metadata.Record, error) {
	items, shape, err := unwrapList(body)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", moduleType, err)
	}
	if shape == shapeUnknown {
		c.logger.Debug("unrecognised list response", zap.String("module", moduleType))
	}
	recs, err := normalizeRecords(items, decode)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", moduleType, err)
	}
	return recs, nil
}

// legacy calls fn with the plural path for moduleType and, when that is
// not found, once more with the singular path.
func (c *Client) legacy(ctx context.Context, moduleType, id string, fn func(path string) error) error {
	singular := strings.ToLower(moduleType)
	plural := singular
	if !strings.HasSuffix(plural, "s") {
		plural += "s"
	}

	suffix := ""
	if id != "" {
		suffix = "/" + url.PathEscape(id)
	}

	err := fn("/" + url.PathEscape(plural) + suffix)
	if err == nil || !errors.Is(err, ErrNotFound) || plural == singular {
		return err
	}
	c.logger.Info("plural endpoint not found, trying singular",
		zap.String("plural", plural), zap.String("singular", singular))
	return fn("/" + url.PathEscape(singular) + suffix)
}

// do sends one request, retrying transient failures, and returns the body
// of a 2xx response.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "gateway", "client", strings.ToLower(method))
	defer span.End()
	span.SetMetadata("path", path)

	var reqBody []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			span.SetStatus("error")
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reqBody = b
	}

	var respBody []byte
	attempt := 0
	op := func() error {
		attempt++
		b, err := c.send(ctx, method, path, reqBody)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.Status < 500 && se.Status != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			c.logger.Debug("upstream request failed", zap.String("method", method),
				zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		respBody = b
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		span.SetStatus("error")
		return nil, err
	}
	span.SetMetadata("attempts", attempt)
	span.SetStatus("ok")
	return respBody, nil
}

func (c *Client) send(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(respBody)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: snippet}
	}
	return respBody, nil
}
