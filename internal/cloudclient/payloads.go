package cloudclient

import "time"

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	EdgeID       string   `json:"edgeId,omitempty"`
	SiteID       string   `json:"siteId,omitempty"`
	SiteName     string   `json:"siteName,omitempty"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// RegisterResponse is the body of a successful POST /register.
type RegisterResponse struct {
	EdgeID   string `json:"edgeId"`
	SiteID   string `json:"siteId"`
	SiteName string `json:"siteName"`
}

// SessionDescriptor is one entry of GET /sessions's response mapping.
type SessionDescriptor struct {
	CloudSessionID string `json:"cloudSessionId"`
	AnimalID       string `json:"animalId"`
	AnimalTag      string `json:"animalTag"`
	AnimalSpecies  string `json:"animalSpecies"`
	OperatorID     string `json:"operatorId"`
	Status         string `json:"status"`
}

// EventPayload is the wire shape of a single event sent to Cloud.
type EventPayload struct {
	LocalEventID   string    `json:"localEventId"`
	DeviceID       string    `json:"deviceId"`
	GlobalDeviceID string    `json:"globalDeviceId,omitempty"`
	CloudSessionID string    `json:"cloudSessionId,omitempty"`
	OfflineMode    bool      `json:"offlineMode"`
	OfflineBatchID string    `json:"offlineBatchId,omitempty"`
	PLUCode        string    `json:"pluCode"`
	ProductName    string    `json:"productName"`
	WeightGrams    int       `json:"weightGrams"`
	Barcode        string    `json:"barcode,omitempty"`
	ScaleTimestamp time.Time `json:"scaleTimestamp"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// EventOutcome is Cloud's per-event verdict in a batch response.
type EventOutcome struct {
	LocalEventID string `json:"localEventId"`
	CloudID      string `json:"cloudId,omitempty"`
	Result       string `json:"result"` // accepted | duplicate | failed
	Reason       string `json:"reason,omitempty"`
}

// BatchEventsResponse is the body of POST /events/batch.
type BatchEventsResponse struct {
	Outcomes []EventOutcome `json:"outcomes"`
}

// SingleEventResponse is the body of POST /events.
type SingleEventResponse struct {
	CloudID string `json:"cloudId"`
	Result  string `json:"result"`
	Reason  string `json:"reason,omitempty"`
}

// DeviceStatusPayload is the body of POST /devices/status.
type DeviceStatusPayload struct {
	DeviceID       string `json:"deviceId"`
	GlobalDeviceID string `json:"globalDeviceId,omitempty"`
	Status         string `json:"status"`
	TCPConnected   bool   `json:"tcpConnected"`
}

// OfflineBatchEndPayload is the body sent with an offline_batch_end notification.
type OfflineBatchEndPayload struct {
	BatchID          string `json:"batchId"`
	DeviceID         string `json:"deviceId,omitempty"`
	EventCount       int    `json:"eventCount"`
	TotalWeightGrams int64  `json:"totalWeightGrams"`
}
