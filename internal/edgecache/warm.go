package edgecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/agora/internal/observability"
)

// DefaultWarmConcurrency bounds parallel origin fetches during Warm unless
// Config.WarmConcurrency is set.
const DefaultWarmConcurrency = 4

// MaxObjectSize caps a single origin response.
const MaxObjectSize = 32 << 20

// ErrObjectNotFound is returned by HTTPOrigin when the origin has no such
// object.
var ErrObjectNotFound = errors.New("edgecache: object not found at origin")

// Popularity ranks entities for warm-up.
type Popularity interface {
	TopAssetIDs(ctx context.Context, n int) ([]string, error)
}

// Origin is the authoritative source of blobs.
type Origin interface {
	Fetch(ctx context.Context, id string) ([]byte, error)
}

// OriginFunc adapts a function to Origin.
type OriginFunc func(ctx context.Context, id string) ([]byte, error)

// Fetch calls f.
func (f OriginFunc) Fetch(ctx context.Context, id string) ([]byte, error) {
	return f(ctx, id)
}

// WarmReport summarises a warm-up pass.
type WarmReport struct {
	Requested int               `json:"requested"`
	Stored    int               `json:"stored"`
	Skipped   int               `json:"skipped"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// Warm fetches the top n entities by popularity from origin and stores
// them. Objects that are already cached and fresh are skipped. A failed
// fetch or write is recorded in the report and does not stop the batch;
// only a failure to rank entities is returned as an error.
func (c *Cache) Warm(ctx context.Context, src Popularity, origin Origin, n int) (WarmReport, error) {
	ctx, span := observability.StartSpan(ctx, "edgecache.warm")
	defer span.End()

	ids, err := src.TopAssetIDs(ctx, n)
	if err != nil {
		observability.SetSpanError(span, err)
		return WarmReport{}, fmt.Errorf("rank entities for warm-up: %w", err)
	}

	var (
		mu  sync.Mutex
		rep = WarmReport{Requested: len(ids)}
	)
	fail := func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		rep.Failed++
		if rep.Errors == nil {
			rep.Errors = make(map[string]string)
		}
		rep.Errors[id] = err.Error()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, id := range ids {
		g.Go(func() error {
			if c.fresh(id) {
				mu.Lock()
				rep.Skipped++
				mu.Unlock()
				return nil
			}
			data, err := origin.Fetch(gctx, id)
			if err != nil {
				fail(id, err)
				return nil
			}
			if err := c.Put(gctx, id, data); err != nil {
				fail(id, err)
				return nil
			}
			mu.Lock()
			rep.Stored++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(observability.AttrWarmCount.Int(rep.Stored))
	c.metrics.RecordWarm(rep.Stored, rep.Failed)
	c.log.Info("edge cache warmed",
		"requested", rep.Requested, "stored", rep.Stored, "skipped", rep.Skipped, "failed", rep.Failed)
	return rep, nil
}

func (c *Cache) fresh(id string) bool {
	rec, ok, err := c.lookup(id)
	return err == nil && ok && !c.expired(rec)
}

// HTTPOrigin fetches blobs from <BaseURL>/<id>.
type HTTPOrigin struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPOrigin returns an origin with a bounded client timeout.
func NewHTTPOrigin(baseURL string) *HTTPOrigin {
	return &HTTPOrigin{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch downloads one blob.
func (o *HTTPOrigin) Fetch(ctx context.Context, id string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.BaseURL+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("origin %s: %w", req.URL, ErrObjectNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("origin %s: status %d", req.URL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxObjectSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxObjectSize {
		return nil, fmt.Errorf("origin %s: object exceeds %d bytes", req.URL, MaxObjectSize)
	}
	return data, nil
}
