package valset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultElectionsTimeout  = 5 * time.Second
	defaultCycleFetchLimit   = 2
	validationCyclesEndpoint = "/getValidationCycles"
)

// ElectionsClient fetches validation cycles from an elections HTTP API.
// Responses are a ranked list, most recent cycle first.
type ElectionsClient struct {
	baseURL string
	limit   int
	http    *http.Client
}

func NewElectionsClient(baseURL string, timeout time.Duration) (*ElectionsClient, error) {
	if baseURL == "" {
		return nil, errors.New("elections base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid elections base URL: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultElectionsTimeout
	}
	return &ElectionsClient{
		baseURL: baseURL,
		limit:   defaultCycleFetchLimit,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

func (c *ElectionsClient) GetValidationCycles(ctx context.Context) ([]Cycle, error) {
	u, err := url.Parse(c.baseURL + validationCyclesEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to build elections URL: %w", err)
	}
	q := u.Query()
	q.Set("return_participants", "true")
	q.Set("limit", strconv.Itoa(c.limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build elections request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elections request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elections request returned status %d", resp.StatusCode)
	}

	var cycles []Cycle
	if err := json.NewDecoder(resp.Body).Decode(&cycles); err != nil {
		return nil, fmt.Errorf("failed to decode elections response: %w", err)
	}
	return cycles, nil
}
