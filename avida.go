// Package avida is the Go client SDK for the Avida marketplace API.
//
// Besides plain REST calls it ships an offline-first layer: bounded read
// caches of listings and profile data, a durable queue of mutations recorded
// while the device is offline, and a sync engine that replays the queue once
// connectivity returns.
//
// Example:
//
//	client := avida.NewClient(token)
//	store, _ := avida.NewFileStore(dir)
//	offline := avida.NewOfflineManager(store, client, nil)
//	offline.Init()
//	defer offline.Destroy()
//
//	queued, _ := offline.QueueFavoriteToggle("L1", true)
//	if !queued {
//		_ = client.AddFavorite(ctx, "L1")
//	}
package avida

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
)

var environments = map[Environment]string{
	Production: "https://api.avida.app/api",
	Staging:    "https://staging.avida.app/api",
}

const (
	DefaultBaseURL = "https://api.avida.app/api"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the marketplace REST API. It is safe for concurrent use.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient creates a new marketplace client.
// token is the session bearer token; pass "" for anonymous browsing.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug("api request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func parseAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Message: http.StatusText(status)}
	var body errorBody
	if json.Unmarshal(data, &body) != nil {
		return apiErr
	}
	if body.Error != nil {
		apiErr.Code = body.Error.Code
		if body.Error.Message != "" {
			apiErr.Message = body.Error.Message
		}
		return apiErr
	}
	if len(body.Detail) > 0 {
		var detail string
		if json.Unmarshal(body.Detail, &detail) == nil {
			apiErr.Message = detail
		} else {
			apiErr.Message = string(body.Detail)
		}
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Mutations
// ============================================================================

// AddFavorite marks a listing as favorite.
func (c *Client) AddFavorite(ctx context.Context, listingID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/favorites/"+url.PathEscape(listingID), nil, nil)
	return err
}

// RemoveFavorite unmarks a listing as favorite.
func (c *Client) RemoveFavorite(ctx context.Context, listingID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/favorites/"+url.PathEscape(listingID), nil, nil)
	return err
}

// SendMessage posts a message into a conversation.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) error {
	body := map[string]string{"content": content}
	_, err := c.doRequest(ctx, http.MethodPost, "/messages/"+url.PathEscape(conversationID), body, nil)
	return err
}

// RecordListingView records that the user opened a listing.
func (c *Client) RecordListingView(ctx context.Context, listingID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/listings/"+url.PathEscape(listingID)+"/view", nil, nil)
	return err
}

// TrackSearch records a search for recommendations. category may be empty.
func (c *Client) TrackSearch(ctx context.Context, query, category string) error {
	body := map[string]string{"query": query}
	if category != "" {
		body["category"] = category
	}
	_, err := c.doRequest(ctx, http.MethodPost, "/searches/track", body, nil)
	return err
}

// UpdateProfile replaces the editable profile fields.
func (c *Client) UpdateProfile(ctx context.Context, update ProfileUpdate) error {
	_, err := c.doRequest(ctx, http.MethodPut, "/users/profile", update, nil)
	return err
}

// ============================================================================
// Reads
// ============================================================================

// GetListings fetches one page of listings.
func (c *Client) GetListings(ctx context.Context, q *ListingsQuery) (*ListingsPage, error) {
	var query url.Values
	if q != nil {
		query = url.Values{}
		if q.Category != "" {
			query.Set("category", q.Category)
		}
		if q.Search != "" {
			query.Set("search", q.Search)
		}
		if q.Page > 0 {
			query.Set("page", strconv.Itoa(q.Page))
		}
		if q.Limit > 0 {
			query.Set("limit", strconv.Itoa(q.Limit))
		}
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/listings", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ListingsPage](data)
}

// GetListing fetches a single listing.
func (c *Client) GetListing(ctx context.Context, listingID string) (*CachedListing, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/listings/"+url.PathEscape(listingID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[CachedListing](data)
}

// GetFavorites returns the ids of the user's favorite listings.
func (c *Client) GetFavorites(ctx context.Context) ([]string, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/favorites/ids", nil, nil)
	if err != nil {
		return nil, err
	}
	ids, err := decodeJSON[[]string](data)
	if err != nil {
		return nil, err
	}
	return *ids, nil
}

// GetCategories returns the category tree, flattened.
func (c *Client) GetCategories(ctx context.Context) ([]Category, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/categories", nil, nil)
	if err != nil {
		return nil, err
	}
	cats, err := decodeJSON[[]Category](data)
	if err != nil {
		return nil, err
	}
	return *cats, nil
}

// GetProfile returns the signed-in user's profile.
func (c *Client) GetProfile(ctx context.Context) (*UserProfile, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/users/me", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[UserProfile](data)
}

// Health checks API health.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/health", nil, nil)
	return err
}

// Probe reports reachability of the API host. Any HTTP response, whatever
// its status, means the host is reachable. A timeout is inconclusive.
func (c *Client) Probe(ctx context.Context) ConnectivitySignal {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return ConnectivitySignal{Connected: true, Internet: ReachabilityUnknown}
	}
	resp, err := c.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
		return ConnectivitySignal{Connected: true, Internet: Reachable}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return ConnectivitySignal{Connected: true, Internet: ReachabilityUnknown}
	}
	c.log.Debug("probe failed", zap.Error(err))
	return ConnectivitySignal{Connected: false, Internet: Unreachable}
}
