// Package geocode is a reverse-geocoding client for a Nominatim-style HTTP
// endpoint.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	DefaultTimeout = 10 * time.Second

	// MaxResponseSize is the maximum response body size (1MB)
	MaxResponseSize = 1 << 20
)

var (
	// ErrNoResult means the service answered but knows no address there.
	ErrNoResult = errors.New("geocode: no result")
	// ErrServiceError means the service could not be reached or failed.
	ErrServiceError = errors.New("geocode: service error")
)

type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

type Client struct {
	client *http.Client
	cfg    Config
	logger ectologger.Logger
}

func NewClient(cfg Config, logger ectologger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "clover"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
	}
}

type reverseResponse struct {
	Error       string `json:"error"`
	DisplayName string `json:"display_name"`
	Address     struct {
		HouseNumber string `json:"house_number"`
		Road        string `json:"road"`
		City        string `json:"city"`
		Town        string `json:"town"`
		Village     string `json:"village"`
	} `json:"address"`
}

// Reverse returns the street address at the coordinates.
func (c *Client) Reverse(ctx context.Context, lat, lon float64) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "geocode.Client.Reverse")
	defer span.End()

	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', 7, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 7, 64))
	q.Set("addressdetails", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrServiceError, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Error("Reverse geocode request failed")
		return "", fmt.Errorf("%w: %v", ErrServiceError, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrServiceError, err)
	}
	if len(body) > MaxResponseSize {
		return "", fmt.Errorf("%w: response too large", ErrServiceError)
	}

	c.logger.WithContext(ctx).Debugf("Reverse geocode %.5f,%.5f -> %d (%s)", lat, lon, resp.StatusCode, time.Since(start))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrNoResult
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: status %d", ErrServiceError, resp.StatusCode)
	}

	var parsed reverseResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrServiceError, err)
	}
	if parsed.Error != "" {
		return "", ErrNoResult
	}

	address := strings.TrimSpace(strings.Join(nonEmpty(parsed.Address.HouseNumber, parsed.Address.Road), " "))
	if address == "" {
		address = strings.TrimSpace(parsed.DisplayName)
	}
	if address == "" {
		return "", ErrNoResult
	}
	return address, nil
}

func nonEmpty(parts ...string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
