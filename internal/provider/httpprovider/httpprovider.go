// Package httpprovider implements generation.Provider against an HTTP JSON
// image-generation API authenticated with bearer credentials.
package httpprovider

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

	"github.com/MarkoPoloResearchLab/genmeter/pkg/credentials"
	"github.com/MarkoPoloResearchLab/genmeter/pkg/generation"
)

const (
	defaultName        = "http"
	defaultTimeout     = 90 * time.Second
	maxErrorBodyBytes  = 4096
	headerContentType  = "Content-Type"
	headerAuthorize    = "Authorization"
	headerIdempotency  = "Idempotency-Key"
	contentTypeJSON    = "application/json"
	defaultImageFormat = "image/png"
)

// ErrInvalidConfig indicates an unusable provider configuration.
var ErrInvalidConfig = errors.New("httpprovider: invalid configuration")

// credentialMarkers flag error bodies that describe a credential problem even
// when the provider answers with a generic status.
var credentialMarkers = []string{"quota", "rate limit", "billing", "api key", "permission", "exhausted"}

// Config describes the upstream endpoint.
type Config struct {
	Name       string
	Endpoint   string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Provider calls the upstream API.
type Provider struct {
	name       string
	endpoint   string
	httpClient *http.Client
}

type generateRequest struct {
	Prompt        string   `json:"prompt"`
	Images        []string `json:"images,omitempty"`
	Model         string   `json:"model,omitempty"`
	TransactionID string   `json:"transaction_id,omitempty"`
}

type generateResponse struct {
	Image    string `json:"image"`
	MimeType string `json:"mime_type"`
	Model    string `json:"model"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// New validates config and returns a Provider.
func New(config Config) (*Provider, error) {
	endpoint := strings.TrimSpace(config.Endpoint)
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: endpoint %q", ErrInvalidConfig, config.Endpoint)
	}
	name := strings.TrimSpace(config.Name)
	if name == "" {
		name = defaultName
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Provider{name: name, endpoint: endpoint, httpClient: httpClient}, nil
}

// Name identifies the provider on transaction records.
func (provider *Provider) Name() string {
	return provider.name
}

// Generate performs one call with credential.
func (provider *Provider) Generate(ctx context.Context, credential credentials.Credential, request generation.ProviderRequest) (generation.Artifact, error) {
	payload, err := json.Marshal(generateRequest{
		Prompt:        request.Prompt,
		Images:        request.Images,
		Model:         request.Model,
		TransactionID: request.TransactionID,
	})
	if err != nil {
		return generation.Artifact{}, &generation.ProviderError{Kind: generation.FailureKindRequest, Message: "encode request", Err: err}
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.endpoint, bytes.NewReader(payload))
	if err != nil {
		return generation.Artifact{}, &generation.ProviderError{Kind: generation.FailureKindTransient, Message: "build request", Err: err}
	}
	httpRequest.Header.Set(headerContentType, contentTypeJSON)
	httpRequest.Header.Set(headerAuthorize, "Bearer "+credential.Secret)
	if request.TransactionID != "" {
		httpRequest.Header.Set(headerIdempotency, request.TransactionID)
	}

	response, err := provider.httpClient.Do(httpRequest)
	if err != nil {
		return generation.Artifact{}, &generation.ProviderError{Kind: generation.FailureKindTransient, Message: "network error calling provider", Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return generation.Artifact{}, classifyResponse(response.StatusCode, body)
	}

	var decoded generateResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return generation.Artifact{}, &generation.ProviderError{Kind: generation.FailureKindTransient, StatusCode: response.StatusCode, Message: "provider returned invalid JSON", Err: err}
	}
	if strings.TrimSpace(decoded.Image) == "" {
		return generation.Artifact{}, &generation.ProviderError{Kind: generation.FailureKindTransient, StatusCode: response.StatusCode, Message: "provider returned no image"}
	}
	mimeType := decoded.MimeType
	if mimeType == "" {
		mimeType = defaultImageFormat
	}
	return generation.Artifact{Image: decoded.Image, MimeType: mimeType, Model: decoded.Model}, nil
}

func classifyResponse(statusCode int, body []byte) *generation.ProviderError {
	message := strings.TrimSpace(string(body))
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
		if envelope.Error.Code != "" {
			message = envelope.Error.Code + ": " + message
		}
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}
	kind := generation.FailureKindTransient
	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden, statusCode == http.StatusTooManyRequests, statusCode == http.StatusPaymentRequired:
		kind = generation.FailureKindCredential
	case mentionsCredential(message):
		kind = generation.FailureKindCredential
	case statusCode >= 400 && statusCode < 500 && statusCode != http.StatusRequestTimeout:
		kind = generation.FailureKindRequest
	}
	return &generation.ProviderError{Kind: kind, StatusCode: statusCode, Message: message}
}

func mentionsCredential(message string) bool {
	lowered := strings.ToLower(message)
	for _, marker := range credentialMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
