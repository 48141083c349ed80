// Package cloudclient implements the outbound REST client that bridges
// the edge gateway to the Cloud API: identity lifecycle, request
// retries with backoff, online/offline detection, and an offline
// request queue.
package cloudclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/carnitrack/edge/internal/domain"
	"github.com/carnitrack/edge/internal/metrics"
)

// Config controls normalization, timeouts, retry budget, and the
// offline queue — filled in by internal/daemon from its Config.
type Config struct {
	BaseURL           string
	ClientVersion     string
	EventSendTimeout  time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	BackoffMultiplier float64
	MaxRetryDelay     time.Duration
	QueueWhenOffline  bool
	MaxQueueSize      int
}

// IdentityStore persists the edge identity singleton.
type IdentityStore interface {
	GetIdentity() (*domain.EdgeIdentity, error)
	SetIdentity(id domain.EdgeIdentity) error
}

// Client is the Cloud REST client (component H).
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	ensurer    domain.EdgeIdentityEnsurer

	identityStore IdentityStore
	identityMu    sync.RWMutex
	identity      *domain.EdgeIdentity

	onlineMu    sync.RWMutex
	online      bool
	lastSuccess time.Time
	now         func() time.Time

	queue *offlineQueue

	subsMu sync.Mutex
	subs   []func(domain.CloudConnEvent)
}

// New creates a Client. ensurer may be nil initially and set later via
// SetIdentityEnsurer once the daemon has wired the registration path.
func New(cfg Config, identityStore IdentityStore, ensurer domain.EdgeIdentityEnsurer) *Client {
	c := &Client{
		cfg:           cfg,
		baseURL:       normalizeBaseURL(cfg.BaseURL),
		httpClient:    &http.Client{Timeout: cfg.EventSendTimeout},
		ensurer:       ensurer,
		identityStore: identityStore,
		now:           time.Now,
		queue:         newOfflineQueue(cfg.MaxQueueSize),
	}
	if identityStore != nil {
		if id, err := identityStore.GetIdentity(); err == nil && id != nil {
			c.identity = id
		}
	}
	return c
}

// SetIdentityEnsurer installs (or replaces) the recovery handler.
func (c *Client) SetIdentityEnsurer(ensurer domain.EdgeIdentityEnsurer) {
	c.ensurer = ensurer
}

// OnConnectionChange subscribes to online/offline transitions.
func (c *Client) OnConnectionChange(fn func(domain.CloudConnEvent)) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs = append(c.subs, fn)
}

// normalizeBaseURL collapses any trailing slashes and ensures exactly
// one trailing "/edge" segment. Idempotent: normalize(normalize(x)) ==
// normalize(x).
func normalizeBaseURL(raw string) string {
	trimmed := strings.TrimRight(raw, "/")
	if strings.HasSuffix(trimmed, "/edge") {
		return trimmed
	}
	return trimmed + "/edge"
}

// IsOnline reports reachability. A successful request within the last
// 30s is always considered online even if the stored flag has not yet
// caught up to a very recent failure (SPEC_FULL.md §5.H).
func (c *Client) IsOnline() bool {
	c.onlineMu.RLock()
	defer c.onlineMu.RUnlock()
	if c.now().Sub(c.lastSuccess) < 30*time.Second {
		return true
	}
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.onlineMu.Lock()
	was := c.online
	c.online = online
	if online {
		c.lastSuccess = c.now()
	}
	c.onlineMu.Unlock()

	if was == online {
		return
	}
	evt := domain.CloudDisconnected
	state := "disconnected"
	if online {
		evt = domain.CloudConnected
		state = "connected"
	}
	metrics.CloudOnlineTransitions.WithLabelValues(state).Inc()
	c.publish(evt)
	if online {
		go c.flushQueue()
	}
}

func (c *Client) publish(evt domain.CloudConnEvent) {
	c.subsMu.Lock()
	subs := make([]func(domain.CloudConnEvent), len(c.subs))
	copy(subs, c.subs)
	c.subsMu.Unlock()
	for _, fn := range subs {
		fn(evt)
	}
}

// flushQueue drains the offline queue in insertion order. A failing
// request stops the drain and leaves the remainder queued; the next
// connected transition (or periodic retry, driven by the sync service)
// resumes it.
func (c *Client) flushQueue() {
	drained, clean := c.queue.drain()
	if drained > 0 {
		log.Printf("[cloudclient] drained %d queued requests (clean=%v)", drained, clean)
	}
}

// requestOpts configures one logical call through do().
type requestOpts struct {
	method        string
	path          string
	authenticated bool
	body          interface{}
	out           interface{}
	// queueable marks event-class requests eligible for offline queuing.
	queueable bool
}

// do executes one request end-to-end: identity resolution, retries
// with exponential backoff, auth-recovery-and-retry-once, and offline
// queuing for queueable requests when unreachable.
func (c *Client) do(ctx context.Context, opts requestOpts) error {
	if opts.authenticated {
		if _, ok := c.currentIdentity(); !ok {
			if _, err := c.ensureIdentity(ctx, "missing_or_invalid"); err != nil {
				return err
			}
		}
	}

	if opts.queueable && c.cfg.QueueWhenOffline && !c.IsOnline() {
		done := c.queue.enqueue(func() error {
			return c.doAttempts(ctx, opts, false)
		})
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return c.doAttempts(ctx, opts, true)
}

// doAttempts runs the retry loop for a single logical call.
// allowAuthRecovery gates the one-shot auth-repair retry so a replayed
// queued request does not re-trigger recovery (queued requests already
// carried a resolved identity when first enqueued).
func (c *Client) doAttempts(ctx context.Context, opts requestOpts, allowAuthRecovery bool) error {
	delay := c.cfg.RetryDelay
	recoveryUsed := false

	for attempt := 0; ; attempt++ {
		status, bodyText, err := c.attempt(ctx, opts)
		if err == nil && status >= 200 && status < 300 {
			c.setOnline(true)
			return nil
		}

		if err == nil && opts.authenticated && allowAuthRecovery && !recoveryUsed &&
			rejectionIndicatesMissingIdentity(status, bodyText) {
			recoveryUsed = true
			if _, rerr := c.ensureIdentity(ctx, "auth_recovery"); rerr != nil {
				return rerr
			}
			continue // retry the original request exactly once with new identity
		}

		if err == nil && status >= 400 && status < 500 && status != 429 {
			return &domain.CloudRejection{Status: status, BodyText: bodyText}
		}

		retryable := err != nil || status == 429 || status >= 500
		if !retryable || attempt >= c.cfg.MaxRetries {
			c.setOnline(false)
			if err != nil {
				return err
			}
			return &domain.CloudRejection{Status: status, BodyText: bodyText}
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = time.Duration(float64(delay) * c.cfg.BackoffMultiplier)
		if delay > c.cfg.MaxRetryDelay {
			delay = c.cfg.MaxRetryDelay
		}
	}
}

// attempt performs exactly one HTTP round trip.
func (c *Client) attempt(ctx context.Context, opts requestOpts) (status int, bodyText string, err error) {
	var buf io.Reader
	if opts.body != nil {
		b, merr := json.Marshal(opts.body)
		if merr != nil {
			return 0, "", merr
		}
		buf = bytes.NewReader(b)
	}

	url := c.baseURL + opts.path
	req, err := http.NewRequestWithContext(ctx, opts.method, url, buf)
	if err != nil {
		return 0, "", err
	}
	c.setHeaders(req, opts.authenticated)

	start := c.now()
	resp, err := c.httpClient.Do(req)
	metrics.CloudRequestLatency.WithLabelValues(opts.path).Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	bodyText = string(data)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && opts.out != nil && len(data) > 0 {
		if derr := json.Unmarshal(data, opts.out); derr != nil {
			return resp.StatusCode, bodyText, derr
		}
	}
	return resp.StatusCode, bodyText, nil
}

func (c *Client) setHeaders(req *http.Request, authenticated bool) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Type", "carnitrack-edge")
	req.Header.Set("X-Client-Version", c.cfg.ClientVersion)
	if !authenticated {
		return
	}
	if id, ok := c.currentIdentity(); ok {
		req.Header.Set("X-Edge-Id", id.EdgeID)
		if id.SiteID != "" {
			req.Header.Set("X-Site-Id", id.SiteID)
		}
	}
}

// Register (re-)registers the edge with Cloud. Unlike other calls, a
// non-2xx response is returned verbatim as *domain.CloudRejection
// rather than retried, so identity-repair logic can inspect it.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (domain.EdgeIdentity, error) {
	req.Version = c.cfg.ClientVersion
	var resp RegisterResponse
	status, bodyText, err := c.attempt(ctx, requestOpts{
		method: http.MethodPost,
		path:   "/register",
		body:   req,
		out:    &resp,
	})
	if err != nil {
		return domain.EdgeIdentity{}, err
	}
	if status < 200 || status >= 300 {
		return domain.EdgeIdentity{}, &domain.CloudRejection{Status: status, BodyText: bodyText}
	}
	c.setOnline(true)
	return domain.EdgeIdentity{
		EdgeID:       resp.EdgeID,
		SiteID:       resp.SiteID,
		SiteName:     resp.SiteName,
		RegisteredAt: c.now(),
	}, nil
}

// FetchSessions implements sessioncache.SessionFetcher.
func (c *Client) FetchSessions(ctx context.Context, deviceIDs []string) (map[string]domain.SessionCacheEntry, error) {
	var raw map[string]SessionDescriptor
	path := "/sessions?device_ids=" + strings.Join(deviceIDs, ",")
	err := c.do(ctx, requestOpts{
		method:        http.MethodGet,
		path:          path,
		authenticated: true,
		out:           &raw,
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]domain.SessionCacheEntry, len(raw))
	for deviceID, d := range raw {
		out[deviceID] = domain.SessionCacheEntry{
			DeviceID:       deviceID,
			CloudSessionID: d.CloudSessionID,
			AnimalID:       d.AnimalID,
			AnimalTag:      d.AnimalTag,
			AnimalSpecies:  d.AnimalSpecies,
			OperatorID:     d.OperatorID,
			Status:         domain.SessionStatus(d.Status),
		}
	}
	return out, nil
}

// SendEvent posts a single event via POST /events.
func (c *Client) SendEvent(ctx context.Context, p EventPayload) (SingleEventResponse, error) {
	var resp SingleEventResponse
	err := c.do(ctx, requestOpts{
		method:        http.MethodPost,
		path:          "/events",
		authenticated: true,
		body:          p,
		out:           &resp,
		queueable:     true,
	})
	return resp, err
}

// SendEventsBatch posts a batch via POST /events/batch.
func (c *Client) SendEventsBatch(ctx context.Context, events []EventPayload) (BatchEventsResponse, error) {
	var resp BatchEventsResponse
	err := c.do(ctx, requestOpts{
		method:        http.MethodPost,
		path:          "/events/batch",
		authenticated: true,
		body:          map[string]interface{}{"events": events},
		out:           &resp,
		queueable:     true,
	})
	return resp, err
}

// PostDeviceStatus posts POST /devices/status.
func (c *Client) PostDeviceStatus(ctx context.Context, p DeviceStatusPayload) error {
	return c.do(ctx, requestOpts{
		method:        http.MethodPost,
		path:          "/devices/status",
		authenticated: true,
		body:          p,
		queueable:     true,
	})
}

// NotifyOfflineBatchEnd emits the offline_batch_end notification ahead
// of flushing that batch's pending events (SPEC_FULL.md §5.I).
func (c *Client) NotifyOfflineBatchEnd(ctx context.Context, p OfflineBatchEndPayload) error {
	return c.do(ctx, requestOpts{
		method:        http.MethodPost,
		path:          "/offline_batch_end",
		authenticated: true,
		body:          p,
	})
}

// FetchConfig retrieves remote configuration overrides via GET /config.
func (c *Client) FetchConfig(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, requestOpts{
		method:        http.MethodGet,
		path:          "/config",
		authenticated: true,
		out:           &out,
	})
	return out, err
}
