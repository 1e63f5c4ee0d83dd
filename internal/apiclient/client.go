// Package apiclient calls a genmeter daemon over HTTP. Client satisfies
// retry.Generator, so the retry controller can drive remote generations.
package apiclient

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

	"github.com/MarkoPoloResearchLab/genmeter/internal/httpapi"
	"github.com/MarkoPoloResearchLab/genmeter/pkg/generation"
)

const (
	defaultTimeout    = 3 * time.Minute
	generatePath      = "/api/generate"
	balancePath       = "/api/balance"
	maxErrorBodyBytes = 4096
	contentTypeJSON   = "application/json"
)

var (
	// ErrInvalidConfig indicates an unusable client configuration.
	ErrInvalidConfig = errors.New("apiclient: invalid configuration")
	// ErrUnexpectedResponse indicates a response that is not a genmeter payload.
	ErrUnexpectedResponse = errors.New("apiclient: unexpected response")
)

// Config describes the daemon to call.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	// SessionCookieName and SessionToken attach a session when the daemon requires one.
	SessionCookieName string
	SessionToken      string
}

// Client talks to /api on a genmeter daemon.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	cookie     *http.Cookie
}

// New validates config and returns a Client.
func New(config Config) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(config.BaseURL), "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidConfig, config.BaseURL)
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	client := &Client{baseURL: parsed, httpClient: httpClient}
	if token := strings.TrimSpace(config.SessionToken); token != "" {
		if strings.TrimSpace(config.SessionCookieName) == "" {
			return nil, fmt.Errorf("%w: session cookie name is required with a session token", ErrInvalidConfig)
		}
		client.cookie = &http.Cookie{Name: config.SessionCookieName, Value: token}
	}
	return client, nil
}

// Generate posts one attempt. Daemon-reported failures come back as *generation.Failure;
// transport failures are returned as plain errors.
func (client *Client) Generate(ctx context.Context, request generation.Request) (generation.Result, error) {
	payload, err := json.Marshal(httpapi.GenerateRequest{
		UserID:        request.UserID,
		Prompt:        request.Prompt,
		Images:        request.Images,
		Model:         request.Model,
		TransactionID: request.TransactionID,
		Metadata:      request.Metadata,
	})
	if err != nil {
		return generation.Result{}, fmt.Errorf("encode generate request: %w", err)
	}
	httpRequest, err := client.newRequest(ctx, http.MethodPost, generatePath, nil, bytes.NewReader(payload))
	if err != nil {
		return generation.Result{}, err
	}
	httpRequest.Header.Set("Content-Type", contentTypeJSON)
	if key := strings.TrimSpace(request.RequestKey); key != "" && strings.TrimSpace(request.TransactionID) == "" {
		httpRequest.Header.Set(httpapi.IdempotencyKeyHeader, key)
	}

	response, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return generation.Result{}, fmt.Errorf("call %s: %w", generatePath, err)
	}
	defer response.Body.Close()

	var decoded httpapi.GenerateResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return generation.Result{}, fmt.Errorf("%w: status %d: %v", ErrUnexpectedResponse, response.StatusCode, err)
	}
	if response.StatusCode == http.StatusOK && decoded.Success {
		var remaining int64
		if decoded.Remaining != nil {
			remaining = *decoded.Remaining
		}
		return generation.Result{
			Image:         decoded.Image,
			MimeType:      decoded.MimeType,
			Model:         decoded.Model,
			Remaining:     remaining,
			TransactionID: decoded.TransactionID,
		}, nil
	}
	if decoded.Code == "" {
		return generation.Result{}, fmt.Errorf("%w: status %d without code", ErrUnexpectedResponse, response.StatusCode)
	}
	return generation.Result{}, &generation.Failure{
		Code:          decoded.Code,
		Message:       decoded.Error,
		CanRetry:      decoded.CanRetry,
		TransactionID: decoded.TransactionID,
		Remaining:     decoded.Remaining,
	}
}

// Balance reads a user's balance.
func (client *Client) Balance(ctx context.Context, userID string) (int64, error) {
	query := url.Values{}
	if strings.TrimSpace(userID) != "" {
		query.Set("user_id", userID)
	}
	httpRequest, err := client.newRequest(ctx, http.MethodGet, balancePath, query, nil)
	if err != nil {
		return 0, err
	}
	response, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return 0, fmt.Errorf("call %s: %w", balancePath, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return 0, fmt.Errorf("%w: status %d: %s", ErrUnexpectedResponse, response.StatusCode, strings.TrimSpace(string(body)))
	}
	var decoded struct {
		Balance int64 `json:"balance"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return decoded.Balance, nil
}

func (client *Client) newRequest(ctx context.Context, method string, path string, query url.Values, body io.Reader) (*http.Request, error) {
	target := *client.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	if query != nil {
		target.RawQuery = query.Encode()
	}
	httpRequest, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpRequest.Header.Set("Accept", contentTypeJSON)
	if client.cookie != nil {
		httpRequest.AddCookie(client.cookie)
	}
	return httpRequest, nil
}
