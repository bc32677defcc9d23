package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"kolis/internal/config"
	"kolis/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := zerolog.Nop()
	return NewClient(config.RemoteConfig{BaseURL: srv.URL, APIKey: "test-key", TimeoutSeconds: 2}, &logger)
}

func TestCreateDeliverySendsIdempotencyKey(t *testing.T) {
	var gotKey, gotAuth, gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path

		var p models.CreateDeliveryPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "local-1", p.ClientRef)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.Delivery{ID: "srv-1", Status: models.StatusPending, ProposedPrice: p.ProposedPrice})
	})

	delivery, err := client.CreateDelivery(context.Background(), "op-123", &models.CreateDeliveryPayload{ClientRef: "local-1", ProposedPrice: 2000})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", delivery.ID)
	assert.Equal(t, "op-123", gotKey)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "/deliveries", gotPath)
}

func TestAcceptBidPath(t *testing.T) {
	var gotPath, gotMethod string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		_ = json.NewEncoder(w).Encode(models.Delivery{ID: "d-1", Status: models.StatusAccepted})
	})

	delivery, err := client.AcceptBid(context.Background(), "op-1", "d-1", "b-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, delivery.Status)
	assert.Equal(t, "/deliveries/d-1/bids/b-1/accept", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"conflict", http.StatusConflict, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrConflict)
			assert.False(t, IsTransient(err))
		}},
		{"not found", http.StatusNotFound, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrNotFound)
		}},
		{"bad request", http.StatusBadRequest, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrValidation)
			assert.False(t, IsTransient(err))
		}},
		{"unprocessable", http.StatusUnprocessableEntity, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrValidation)
		}},
		{"rate limited", http.StatusTooManyRequests, func(t *testing.T, err error) {
			assert.True(t, IsTransient(err))
		}},
		{"server error", http.StatusInternalServerError, func(t *testing.T, err error) {
			assert.True(t, IsTransient(err))
		}},
		{"bad gateway", http.StatusBadGateway, func(t *testing.T, err error) {
			assert.True(t, IsTransient(err))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			err := client.RejectBid(context.Background(), "op-1", "d-1", "b-1")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestValidationErrorCarriesBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bid amount must be positive", http.StatusBadRequest)
	})

	_, err := client.CreateBid(context.Background(), "op-1", &models.CreateBidPayload{DeliveryID: "d-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bid amount must be positive")
}

func TestConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listens anymore
	logger := zerolog.Nop()
	client := NewClient(config.RemoteConfig{BaseURL: srv.URL, TimeoutSeconds: 1}, &logger)

	_, err := client.GetDelivery(context.Background(), "d-1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestCourierLocationMarksPollSource(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deliveries/d-1/location", r.URL.Path)
		_ = json.NewEncoder(w).Encode(models.LocationSample{Lat: 5.36, Lng: -4.01})
	})

	sample, err := client.CourierLocation(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, models.SourcePoll, sample.Source)
	assert.Equal(t, 5.36, sample.Lat)
}
