// Package priceestimator is the thin HTTP glue behind the native price
// cache's pluggable Estimator interface. It speaks one small JSON
// contract against whatever venue the operator configures; it is
// deliberately generic rather than bound to any specific price-estimator
// product, matching the core's scope (the venue integration itself is
// an external collaborator).
package priceestimator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/relaymesh/coresettle/internal/priceoracle"
)

// HTTPEstimator calls a configured backend of the form
// GET {baseURL}?token=0x... -> {"price": 1.23} | {"price":0,"error":"no_liquidity"}.
type HTTPEstimator struct {
	baseURL string
	client  *http.Client
}

// New builds an HTTPEstimator against baseURL.
func New(baseURL string) *HTTPEstimator {
	return &HTTPEstimator{baseURL: baseURL, client: &http.Client{Timeout: 5 * time.Second}}
}

type estimateResponse struct {
	Price float64 `json:"price"`
	Error string  `json:"error"`
}

// EstimateNativePrice satisfies priceoracle.Estimator.
func (e *HTTPEstimator) EstimateNativePrice(ctx context.Context, token common.Address) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL, nil)
	if err != nil {
		return 0, fmt.Errorf("priceestimator: build request: %w", err)
	}
	q := req.URL.Query()
	q.Set("token", token.Hex())
	req.URL.RawQuery = q.Encode()

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", priceoracle.ErrEstimatorInternal, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return 0, priceoracle.ErrRateLimited
	}
	if resp.StatusCode == http.StatusNotFound {
		return 0, priceoracle.ErrUnsupportedToken
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return 0, priceoracle.ErrEstimatorInternal
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return 0, priceoracle.ErrProtocolInternal
	}

	var parsed estimateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("%w: decode response: %v", priceoracle.ErrProtocolInternal, err)
	}
	switch parsed.Error {
	case "":
		return parsed.Price, nil
	case "no_liquidity":
		return 0, priceoracle.ErrNoLiquidity
	case "unsupported_token":
		return 0, priceoracle.ErrUnsupportedToken
	case "rate_limited":
		return 0, priceoracle.ErrRateLimited
	default:
		return 0, priceoracle.ErrEstimatorInternal
	}
}
