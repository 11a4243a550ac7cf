package priceestimator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/relaymesh/coresettle/internal/priceoracle"
)

var token = common.HexToAddress("0x1111111111111111111111111111111111111111")

func TestHTTPEstimatorParsesSuccessfulResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, token.Hex(), r.URL.Query().Get("token"))
		w.Write([]byte(`{"price": 1.5}`))
	}))
	defer server.Close()

	e := New(server.URL)
	price, err := e.EstimateNativePrice(context.Background(), token)
	assert.NoError(t, err)
	assert.Equal(t, 1.5, price)
}

func TestHTTPEstimatorMapsRateLimitedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	e := New(server.URL)
	_, err := e.EstimateNativePrice(context.Background(), token)
	assert.ErrorIs(t, err, priceoracle.ErrRateLimited)
}

func TestHTTPEstimatorMapsUnsupportedTokenBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"price": 0, "error": "unsupported_token"}`))
	}))
	defer server.Close()

	e := New(server.URL)
	_, err := e.EstimateNativePrice(context.Background(), token)
	assert.ErrorIs(t, err, priceoracle.ErrUnsupportedToken)
}

func TestHTTPEstimatorMapsServerErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	e := New(server.URL)
	_, err := e.EstimateNativePrice(context.Background(), token)
	assert.ErrorIs(t, err, priceoracle.ErrEstimatorInternal)
}
