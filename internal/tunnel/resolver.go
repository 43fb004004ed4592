// Package tunnel discovers the public HTTPS URL exposed by the local tunnel
// provider and translates internal references to their external form.
package tunnel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/patchbay-proxy/patchbay/internal/logging"
)

const cacheKey = "public-url"

// Resolver queries the tunnel provider's local admin endpoint.
type Resolver struct {
	adminURL string
	client   *http.Client
	cache    *expirable.LRU[string, string]
}

// NewResolver creates a resolver against adminURL (e.g. the provider's local
// API on port 4040). Discovery results are cached for ttl.
func NewResolver(adminURL string, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Resolver{
		adminURL: strings.TrimSuffix(adminURL, "/"),
		client:   &http.Client{Timeout: 3 * time.Second},
		cache:    expirable.NewLRU[string, string](4, nil, ttl),
	}
}

// PublicURL returns the first HTTPS public URL the tunnel reports. The
// second return is false while the tunnel is offline or exposes no HTTPS
// endpoint; callers then skip external probing.
func (r *Resolver) PublicURL(ctx context.Context) (string, bool) {
	if cached, ok := r.cache.Get(cacheKey); ok {
		return cached, cached != ""
	}

	u, err := r.discover(ctx)
	if err != nil {
		logging.Debug("tunnel not discovered", zap.Error(err))
		// Cache the miss too, so an offline tunnel is not hammered.
		r.cache.Add(cacheKey, "")
		return "", false
	}
	r.cache.Add(cacheKey, u)
	return u, true
}

// discover queries the admin endpoint with a short retry window to ride out
// provider restarts.
func (r *Resolver) discover(ctx context.Context) (string, error) {
	var publicURL string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.adminURL+"/api/tunnels", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("tunnel admin returned %d", resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		for _, v := range gjson.GetBytes(body, "tunnels.#.public_url").Array() {
			if strings.HasPrefix(v.String(), "https://") {
				publicURL = v.String()
				return nil
			}
		}
		return backoff.Permanent(fmt.Errorf("no https tunnel listed"))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
	), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", err
	}
	return publicURL, nil
}

// Translate rewrites an internal URL to its externally reachable form. When
// the tunnel is offline the input is returned unchanged with ok=false.
func (r *Resolver) Translate(ctx context.Context, internal string) (string, bool) {
	public, ok := r.PublicURL(ctx)
	if !ok {
		return internal, false
	}
	in, err := url.Parse(internal)
	if err != nil {
		return internal, false
	}
	pub, err := url.Parse(public)
	if err != nil {
		return internal, false
	}
	in.Scheme = pub.Scheme
	in.Host = pub.Host
	return in.String(), true
}

// Invalidate drops the cached discovery, forcing a fresh query.
func (r *Resolver) Invalidate() {
	r.cache.Remove(cacheKey)
}
