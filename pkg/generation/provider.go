package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/genmeter/pkg/credentials"
)

// FailureKind tells the orchestrator how to react to a provider error.
type FailureKind string

const (
	// FailureKindCredential covers quota, auth and permission failures tied to one credential.
	FailureKindCredential FailureKind = "credential"
	// FailureKindRequest covers rejections of the request itself, such as content policy.
	FailureKindRequest FailureKind = "request"
	// FailureKindTransient covers everything else.
	FailureKindTransient FailureKind = "transient"
)

// ProviderRequest is what a Provider receives for one attempt.
type ProviderRequest struct {
	Prompt        string
	Images        []string
	Model         string
	TransactionID string
}

// Artifact is a generated image.
type Artifact struct {
	// Image holds base64 data or a URL, as returned by the provider.
	Image    string
	MimeType string
	Model    string
}

// Provider performs one generation call with one credential.
type Provider interface {
	Name() string
	Generate(ctx context.Context, credential credentials.Credential, request ProviderRequest) (Artifact, error)
}

// ProviderError is a classified provider failure.
type ProviderError struct {
	Kind       FailureKind
	StatusCode int
	Message    string
	Err        error
}

func (providerError *ProviderError) Error() string {
	if providerError.StatusCode > 0 {
		return fmt.Sprintf("provider %s failure (status %d): %s", providerError.Kind, providerError.StatusCode, providerError.Message)
	}
	return fmt.Sprintf("provider %s failure: %s", providerError.Kind, providerError.Message)
}

func (providerError *ProviderError) Unwrap() error {
	return providerError.Err
}

// ClassifyError returns the failure kind of err. Unclassified errors are transient.
func ClassifyError(err error) FailureKind {
	var providerError *ProviderError
	if errors.As(err, &providerError) && providerError.Kind != "" {
		return providerError.Kind
	}
	return FailureKindTransient
}
