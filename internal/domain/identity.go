package domain

import "time"

// EdgeIdentity is the gateway's singleton credential for all
// authenticated Cloud requests. It is assigned by the Cloud at
// registration; the Edge never mints its own edgeId.
type EdgeIdentity struct {
	EdgeID       string
	SiteID       string
	SiteName     string
	RegisteredAt time.Time
}

// Valid reports whether the identity carries a syntactically valid
// edgeId. A malformed stored value is treated the same as missing.
func (e EdgeIdentity) Valid() bool {
	return e.EdgeID != "" && IsValidUUID(e.EdgeID)
}
