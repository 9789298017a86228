// Package api is the terminal's HTTP client for the sync endpoints. It
// classifies every failure as either permanent (the server rejected the
// mutation and a retry can never succeed) or transient (network trouble or
// a server-side fault worth retrying).
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"swiftpos/backend/internal/domain"
)

// RejectedError carries a server rejection that must not be retried. The
// server signals these with a 4xx status and retryable:false in the body.
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("server rejected request (%d): %s", e.StatusCode, e.Reason)
}

// IsPermanent reports whether err is a rejection that retrying cannot fix.
func IsPermanent(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

type errorEnvelope struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL string, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// SetToken replaces the bearer token, e.g. after a re-login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Login authenticates against the server and stores the returned token on
// the client.
func (c *Client) Login(ctx context.Context, username string, password string) error {
	body, err := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	if err != nil {
		return fmt.Errorf("failed to marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return c.asError(res)
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}
	c.token = payload.AccessToken
	return nil
}

// Reconcile replays one queued mutation against the server. Both a fresh
// apply and a duplicate replay come back as a ReconcileResponse; the
// Duplicate flag tells them apart and both count as success for the queue.
func (c *Client) Reconcile(ctx context.Context, request domain.ReconcileRequest) (domain.ReconcileResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return domain.ReconcileResponse{}, &RejectedError{
			StatusCode: http.StatusBadRequest,
			Reason:     fmt.Sprintf("failed to marshal mutation: %v", err),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sync/reconcile", bytes.NewReader(body))
	if err != nil {
		return domain.ReconcileResponse{}, fmt.Errorf("failed to build reconcile request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return domain.ReconcileResponse{}, fmt.Errorf("reconcile request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated && res.StatusCode != http.StatusOK {
		return domain.ReconcileResponse{}, c.asError(res)
	}

	var payload domain.ReconcileResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return domain.ReconcileResponse{}, fmt.Errorf("failed to decode reconcile response: %w", err)
	}
	return payload, nil
}

// Catalog fetches the product and customer catalog. A zero updatedSince
// requests the full snapshot.
func (c *Client) Catalog(ctx context.Context, updatedSince time.Time) (domain.CatalogResponse, error) {
	endpoint := c.baseURL + "/api/v1/catalog"
	if !updatedSince.IsZero() {
		endpoint += "?updated_since=" + url.QueryEscape(updatedSince.UTC().Format(time.RFC3339))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.CatalogResponse{}, fmt.Errorf("failed to build catalog request: %w", err)
	}
	c.authorize(req)

	res, err := c.http.Do(req)
	if err != nil {
		return domain.CatalogResponse{}, fmt.Errorf("catalog request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return domain.CatalogResponse{}, c.asError(res)
	}

	var payload domain.CatalogResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return domain.CatalogResponse{}, fmt.Errorf("failed to decode catalog response: %w", err)
	}
	return payload, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// asError turns a non-success response into either a RejectedError or a
// plain transient error, following the retryable flag the server sets.
// A 4xx without a parseable body is still treated as permanent.
func (c *Client) asError(res *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))

	var envelope errorEnvelope
	reason := http.StatusText(res.StatusCode)
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != "" {
		reason = envelope.Error
	}

	if res.StatusCode >= 400 && res.StatusCode < 500 && !envelope.Retryable {
		return &RejectedError{StatusCode: res.StatusCode, Reason: reason}
	}
	return fmt.Errorf("server error (%d): %s", res.StatusCode, reason)
}
