package gateway

import "context"

// InitializeRequest starts a hosted checkout. AmountMinor is in kobo.
type InitializeRequest struct {
	Reference   string
	AmountMinor int64
	Email       string
	CallbackURL string
	Metadata    map[string]any
}

type InitializeResult struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type VerifyResult struct {
	Reference   string
	Success     bool
	RawStatus   string
	AmountMinor int64
}

// Gateway is the card payment provider used to collect the buyer's money.
// Failures are returned as *escrow.GatewayError.
type Gateway interface {
	Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error)
	Verify(ctx context.Context, reference string) (*VerifyResult, error)
}
