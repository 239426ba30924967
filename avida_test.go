package avida

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   string
}

// apiRecorder is a fake marketplace API that records every request.
type apiRecorder struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  http.HandlerFunc
}

func newAPIRecorder(t *testing.T, handler http.HandlerFunc) (*apiRecorder, *httptest.Server) {
	t.Helper()
	rec := &apiRecorder{handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.requests = append(rec.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
			Body:   string(body),
		})
		rec.mu.Unlock()
		if rec.handler != nil {
			rec.handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return rec, srv
}

func (a *apiRecorder) Requests() []recordedRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]recordedRequest(nil), a.requests...)
}

func TestClient_Mutations(t *testing.T) {
	rec, srv := newAPIRecorder(t, nil)
	c := NewClient("tok", WithBaseURL(srv.URL+"/"), WithLogger(zaptest.NewLogger(t)))
	ctx := context.Background()

	require.NoError(t, c.AddFavorite(ctx, "L1"))
	require.NoError(t, c.RemoveFavorite(ctx, "L1"))
	require.NoError(t, c.SendMessage(ctx, "c1", "hello"))
	require.NoError(t, c.RecordListingView(ctx, "L2"))
	require.NoError(t, c.TrackSearch(ctx, "bike", ""))
	require.NoError(t, c.TrackSearch(ctx, "bike", "sports"))
	require.NoError(t, c.UpdateProfile(ctx, ProfileUpdate{Name: "Ana"}))

	reqs := rec.Requests()
	require.Len(t, reqs, 7)

	want := []struct{ method, path, body string }{
		{http.MethodPost, "/favorites/L1", ""},
		{http.MethodDelete, "/favorites/L1", ""},
		{http.MethodPost, "/messages/c1", `{"content":"hello"}`},
		{http.MethodPost, "/listings/L2/view", ""},
		{http.MethodPost, "/searches/track", `{"query":"bike"}`},
		{http.MethodPost, "/searches/track", `{"query":"bike","category":"sports"}`},
		{http.MethodPut, "/users/profile", `{"name":"Ana"}`},
	}
	for i, w := range want {
		assert.Equal(t, w.method, reqs[i].Method, "request %d", i)
		assert.Equal(t, w.path, reqs[i].Path, "request %d", i)
		assert.Equal(t, "Bearer tok", reqs[i].Auth, "request %d", i)
		if w.body == "" {
			assert.Empty(t, reqs[i].Body, "request %d", i)
		} else {
			assert.JSONEq(t, w.body, reqs[i].Body, "request %d", i)
		}
	}
}

func TestClient_AnonymousSendsNoAuthHeader(t *testing.T) {
	rec, srv := newAPIRecorder(t, nil)
	c := NewClient("", WithBaseURL(srv.URL))
	require.NoError(t, c.Health(context.Background()))
	assert.Empty(t, rec.Requests()[0].Auth)

	c.SetToken("later")
	require.NoError(t, c.Health(context.Background()))
	assert.Equal(t, "Bearer later", rec.Requests()[1].Auth)
}

func TestClient_APIErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantMsg  string
	}{
		{"detail string", http.StatusNotFound, `{"detail":"Listing not found"}`, "", "Listing not found"},
		{"error object", http.StatusTooManyRequests, `{"error":{"code":"RATE_LIMITED","message":"slow down"}}`, "RATE_LIMITED", "slow down"},
		{"detail list", http.StatusUnprocessableEntity, `{"detail":[{"loc":["body"]}]}`, "", `[{"loc":["body"]}]`},
		{"not json", http.StatusBadGateway, `<html>bad gateway</html>`, "", "Bad Gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, srv := newAPIRecorder(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			c := NewClient("tok", WithBaseURL(srv.URL))

			err := c.AddFavorite(context.Background(), "L1")
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
		})
	}
}

func TestAPIError_Error(t *testing.T) {
	assert.Equal(t, "429 RATE_LIMITED: slow", (&APIError{StatusCode: 429, Code: "RATE_LIMITED", Message: "slow"}).Error())
	assert.Equal(t, "404: gone", (&APIError{StatusCode: 404, Message: "gone"}).Error())
}

func TestClient_Reads(t *testing.T) {
	rec, srv := newAPIRecorder(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/listings":
			_ = json.NewEncoder(w).Encode(ListingsPage{
				Listings: []CachedListing{{ID: "L1", Title: "Bike", Price: 120, Seller: SellerSummary{ID: "s1"}}},
				Total:    1, Page: 2, Limit: 10,
			})
		case "/listings/L1":
			_, _ = w.Write([]byte(`{"id":"L1","title":"Bike","price":120,"seller":{"id":"s1","name":"Sam"}}`))
		case "/favorites/ids":
			_, _ = w.Write([]byte(`["L1","L2"]`))
		case "/categories":
			_, _ = w.Write([]byte(`[{"id":"cars","name":"Cars"}]`))
		case "/users/me":
			_, _ = w.Write([]byte(`{"id":"u1","name":"Ana","picture":"https://img/a.png"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	c := NewClient("tok", WithBaseURL(srv.URL))
	ctx := context.Background()

	page, err := c.GetListings(ctx, &ListingsQuery{Category: "bikes", Search: "red", Page: 2, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Listings, 1)
	assert.Equal(t, "L1", page.Listings[0].ID)
	assert.Equal(t, "category=bikes&limit=10&page=2&search=red", rec.Requests()[0].Query)

	l, err := c.GetListing(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, "Sam", l.Seller.Name)

	favs, err := c.GetFavorites(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"L1", "L2"}, favs)

	cats, err := c.GetCategories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Category{{ID: "cars", Name: "Cars"}}, cats)

	p, err := c.GetProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://img/a.png", p.AvatarURL)
}

func TestClient_Options(t *testing.T) {
	assert.Equal(t, DefaultBaseURL, NewClient("").BaseURL())
	assert.Equal(t, "https://staging.avida.app/api", NewClient("", WithEnvironment(Staging)).BaseURL())
	assert.Equal(t, DefaultBaseURL, NewClient("", WithEnvironment("bogus")).BaseURL())
	assert.Equal(t, "http://localhost:8001/api", NewClient("", WithBaseURL("http://localhost:8001/api/")).BaseURL())

	hc := &http.Client{}
	c := NewClient("", WithHTTPClient(hc), WithTimeout(3*time.Second))
	assert.Same(t, hc, c.httpClient)
	assert.Equal(t, 3*time.Second, hc.Timeout)
}

func TestClient_Probe(t *testing.T) {
	t.Run("any response is reachable", func(t *testing.T) {
		_, srv := newAPIRecorder(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		s := NewClient("", WithBaseURL(srv.URL)).Probe(context.Background())
		assert.Equal(t, ConnectivitySignal{Connected: true, Internet: Reachable}, s)
	})

	t.Run("refused is unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		s := NewClient("", WithBaseURL(url)).Probe(context.Background())
		assert.Equal(t, Unreachable, s.Internet)
		assert.False(t, s.Online())
	})

	t.Run("timeout is inconclusive", func(t *testing.T) {
		_, srv := newAPIRecorder(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		})
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		s := NewClient("", WithBaseURL(srv.URL)).Probe(ctx)
		assert.Equal(t, ReachabilityUnknown, s.Internet)
		assert.True(t, s.Online())
	})
}

func TestProfileUpdate_ApplyTo(t *testing.T) {
	p := UserProfile{ID: "u1", Name: "Ana", Bio: "old", Phone: "1"}
	ProfileUpdate{Bio: "new", Location: "Lisbon"}.ApplyTo(&p)
	assert.Equal(t, UserProfile{ID: "u1", Name: "Ana", Bio: "new", Phone: "1", Location: "Lisbon"}, p)
}
