package avida

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a non-2xx response from the marketplace API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// errorBody accepts the two error shapes the API emits:
// {"detail": "..."} and {"error": {"code": "...", "message": "..."}}.
type errorBody struct {
	Detail json.RawMessage `json:"detail,omitempty"`
	Error  *APIError       `json:"error,omitempty"`
}

// ============================================================================
// Listings
// ============================================================================

// SellerSummary is the seller block embedded in a listing.
type SellerSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// CachedListing is the display-ready projection of a listing kept in the
// offline cache. CachedAt is Unix milliseconds.
type CachedListing struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Price    float64       `json:"price"`
	Currency string        `json:"currency,omitempty"`
	Images   []string      `json:"images,omitempty"`
	Location string        `json:"location,omitempty"`
	Category string        `json:"category,omitempty"`
	Seller   SellerSummary `json:"seller"`
	CachedAt int64         `json:"cached_at"`
}

// CachedTime returns CachedAt as a time.Time.
func (l CachedListing) CachedTime() time.Time {
	return time.UnixMilli(l.CachedAt)
}

// ListingsPage is the response of GET /listings.
type ListingsPage struct {
	Listings []CachedListing `json:"listings"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	Limit    int             `json:"limit"`
}

// ListingsQuery filters GET /listings.
type ListingsQuery struct {
	Category string
	Search   string
	Page     int
	Limit    int
}

// ============================================================================
// Categories & Profile
// ============================================================================

// Category is a browsable listing category.
type Category struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Icon     string `json:"icon,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}

// UserProfile is the signed-in user's profile.
type UserProfile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Bio       string `json:"bio,omitempty"`
	Location  string `json:"location,omitempty"`
	AvatarURL string `json:"picture,omitempty"`
}

// ProfileUpdate is the body of PUT /users/profile. Empty fields are left
// unchanged by the server.
type ProfileUpdate struct {
	Name      string `json:"name,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Bio       string `json:"bio,omitempty"`
	Location  string `json:"location,omitempty"`
	AvatarURL string `json:"picture,omitempty"`
}

// ApplyTo copies the non-empty fields of u onto p.
func (u ProfileUpdate) ApplyTo(p *UserProfile) {
	if u.Name != "" {
		p.Name = u.Name
	}
	if u.Phone != "" {
		p.Phone = u.Phone
	}
	if u.Bio != "" {
		p.Bio = u.Bio
	}
	if u.Location != "" {
		p.Location = u.Location
	}
	if u.AvatarURL != "" {
		p.AvatarURL = u.AvatarURL
	}
}

// ============================================================================
// Offline
// ============================================================================

// OfflineState is a point-in-time snapshot of the offline layer.
type OfflineState struct {
	IsOnline       bool      `json:"is_online"`
	LastSync       time.Time `json:"last_sync"`
	PendingActions int       `json:"pending_actions"`
	CachedListings int       `json:"cached_listings"`
}

// SyncResult reports one drain of the action queue.
type SyncResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// DeadLetter is an action that exhausted its retry budget.
type DeadLetter struct {
	Action      OfflineAction `json:"action"`
	Reason      string        `json:"reason"`
	AbandonedAt int64         `json:"abandoned_at"`
}
