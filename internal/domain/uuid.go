package domain

import "github.com/google/uuid"

// IsValidUUID reports whether s is a syntactically valid RFC-4122 UUID
// (v1–v5). Used to validate stored/received edge ids before trusting
// them as credentials.
func IsValidUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	v := u.Version()
	return v >= 1 && v <= 5 && u.Variant() == uuid.RFC4122
}

// NewEventID generates a fresh local event id.
func NewEventID() string {
	return uuid.New().String()
}
