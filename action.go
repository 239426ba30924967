package avida

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ActionType names a kind of deferred mutation.
type ActionType string

const (
	ActionToggleFavorite ActionType = "toggle_favorite"
	ActionSendMessage    ActionType = "send_message"
	ActionViewListing    ActionType = "view_listing"
	ActionTrackSearch    ActionType = "track_search"
	ActionUpdateProfile  ActionType = "update_profile"
)

// ActionPayload is the typed body of a queued action. The set of
// implementations is closed: each one knows how to replay itself against
// the remote API, so there is no dispatch table to keep in sync.
type ActionPayload interface {
	Type() ActionType
	apply(ctx context.Context, remote Remote) error
}

// ToggleFavorite favorites or unfavorites a listing.
type ToggleFavorite struct {
	ListingID  string `json:"listing_id"`
	IsFavorite bool   `json:"is_favorite"`
}

func (ToggleFavorite) Type() ActionType { return ActionToggleFavorite }

func (p ToggleFavorite) apply(ctx context.Context, remote Remote) error {
	if p.IsFavorite {
		return remote.AddFavorite(ctx, p.ListingID)
	}
	return remote.RemoveFavorite(ctx, p.ListingID)
}

// SendMessage posts a chat message.
type SendMessage struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

func (SendMessage) Type() ActionType { return ActionSendMessage }

func (p SendMessage) apply(ctx context.Context, remote Remote) error {
	return remote.SendMessage(ctx, p.ConversationID, p.Content)
}

// ViewListing records a listing view.
type ViewListing struct {
	ListingID string `json:"listing_id"`
}

func (ViewListing) Type() ActionType { return ActionViewListing }

func (p ViewListing) apply(ctx context.Context, remote Remote) error {
	return remote.RecordListingView(ctx, p.ListingID)
}

// TrackSearch records a search query.
type TrackSearch struct {
	Query    string `json:"query"`
	Category string `json:"category,omitempty"`
}

func (TrackSearch) Type() ActionType { return ActionTrackSearch }

func (p TrackSearch) apply(ctx context.Context, remote Remote) error {
	return remote.TrackSearch(ctx, p.Query, p.Category)
}

// UpdateProfile pushes profile edits.
type UpdateProfile struct {
	Profile ProfileUpdate `json:"profile"`
}

func (UpdateProfile) Type() ActionType { return ActionUpdateProfile }

func (p UpdateProfile) apply(ctx context.Context, remote Remote) error {
	return remote.UpdateProfile(ctx, p.Profile)
}

// ============================================================================
// OfflineAction
// ============================================================================

// OfflineAction is one pending mutation in the queue.
//
// A nil Payload means the persisted type was not recognised by this build;
// such entries stay in the queue untouched.
type OfflineAction struct {
	ID         string
	Type       ActionType
	Payload    ActionPayload
	CreatedAt  int64
	RetryCount int

	raw json.RawMessage
}

// Created returns CreatedAt as a time.Time.
func (a OfflineAction) Created() time.Time {
	return time.UnixMilli(a.CreatedAt)
}

type actionJSON struct {
	ID         string          `json:"id"`
	Type       ActionType      `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  int64           `json:"created_at"`
	RetryCount int             `json:"retry_count"`
}

func (a OfflineAction) MarshalJSON() ([]byte, error) {
	raw := a.raw
	if a.Payload != nil {
		b, err := json.Marshal(a.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", a.Type, err)
		}
		raw = b
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return json.Marshal(actionJSON{
		ID:         a.ID,
		Type:       a.Type,
		Payload:    raw,
		CreatedAt:  a.CreatedAt,
		RetryCount: a.RetryCount,
	})
}

func (a *OfflineAction) UnmarshalJSON(data []byte) error {
	var aj actionJSON
	if err := json.Unmarshal(data, &aj); err != nil {
		return err
	}
	payload, err := decodePayload(aj.Type, aj.Payload)
	if err != nil {
		return err
	}
	*a = OfflineAction{
		ID:         aj.ID,
		Type:       aj.Type,
		Payload:    payload,
		CreatedAt:  aj.CreatedAt,
		RetryCount: aj.RetryCount,
	}
	if payload == nil {
		// keep the bytes so a rewrite of the queue does not lose them
		a.raw = aj.Payload
	}
	return nil
}

func decodePayload(t ActionType, raw json.RawMessage) (ActionPayload, error) {
	switch t {
	case ActionToggleFavorite:
		return decodeInto[ToggleFavorite](t, raw)
	case ActionSendMessage:
		return decodeInto[SendMessage](t, raw)
	case ActionViewListing:
		return decodeInto[ViewListing](t, raw)
	case ActionTrackSearch:
		return decodeInto[TrackSearch](t, raw)
	case ActionUpdateProfile:
		return decodeInto[UpdateProfile](t, raw)
	}
	return nil, nil
}

func decodeInto[T ActionPayload](t ActionType, raw json.RawMessage) (ActionPayload, error) {
	var p T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
	}
	return p, nil
}
