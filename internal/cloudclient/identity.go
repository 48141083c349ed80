package cloudclient

import (
	"context"
	"strings"

	"github.com/carnitrack/edge/internal/domain"
	"github.com/carnitrack/edge/internal/metrics"
)

// rejectionIndicatesMissingIdentity reports whether a 401/404 response
// body suggests the edge identity itself is the problem, per
// a case-insensitive marker list (SPEC_FULL.md §5.H).
func rejectionIndicatesMissingIdentity(status int, bodyText string) bool {
	if status != 401 && status != 404 {
		return false
	}
	lower := strings.ToLower(bodyText)
	markers := []string{"missing", "invalid edge", "unknown edge", "invalid_edge", "unknown_edge", "x-edge-id"}
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// currentIdentity returns the stored identity if it is present and
// well-formed; a malformed stored value is treated as missing.
func (c *Client) currentIdentity() (domain.EdgeIdentity, bool) {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	if c.identity == nil || !c.identity.Valid() {
		return domain.EdgeIdentity{}, false
	}
	return *c.identity, true
}

// ensureIdentity resolves a usable identity, invoking the injected
// ensurer when the stored one is missing or malformed.
func (c *Client) ensureIdentity(ctx context.Context, reason string) (domain.EdgeIdentity, error) {
	if id, ok := c.currentIdentity(); ok && reason != "auth_recovery" {
		return id, nil
	}
	if c.ensurer == nil {
		return domain.EdgeIdentity{}, domain.ErrNoIdentityEnsurer
	}

	metrics.CloudIdentityRecoveries.WithLabelValues(reason).Inc()
	id, err := c.ensurer(ctx, reason)
	if err != nil {
		return domain.EdgeIdentity{}, err
	}

	c.identityMu.Lock()
	c.identity = &id
	c.identityMu.Unlock()

	if c.identityStore != nil {
		_ = c.identityStore.SetIdentity(id)
	}
	return id, nil
}
