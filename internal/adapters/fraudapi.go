package adapters

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/payerr"
	"github.com/kranthikarthan/payment-engine/internal/resilience"
)

// FraudAPIAdapter calls the external fraud capability with an already
// transformed request payload and hands the raw response back for the
// inverse transformation.
type FraudAPIAdapter struct {
	dispatcher *resilience.Dispatcher
	url        string
	auth       *Authenticator
	authMethod models.AuthMethod
	authParams map[string]string
	logger     *zap.Logger
}

// NewFraudAPIAdapter creates the fraud transport.
func NewFraudAPIAdapter(dispatcher *resilience.Dispatcher, url string, auth *Authenticator, method models.AuthMethod, authParams map[string]string, logger *zap.Logger) *FraudAPIAdapter {
	return &FraudAPIAdapter{
		dispatcher: dispatcher,
		url:        url,
		auth:       auth,
		authMethod: method,
		authParams: authParams,
		logger:     logger,
	}
}

// Assess sends the transformed request. The gate never lets a failure
// here approve a payment; on error the caller synthesizes its own
// conservative verdict.
func (f *FraudAPIAdapter) Assess(ctx context.Context, tenant string, request map[string]interface{}, settings resilience.Settings) (map[string]interface{}, error) {
	raw, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encoding fraud request: %w", err)
	}
	headers := map[string]string{"Content-Type": "application/json"}
	authHeaders, err := f.auth.Headers(ctx, f.authMethod, f.authParams, raw)
	if err != nil {
		return nil, fmt.Errorf("building auth headers: %w", err)
	}
	for k, v := range authHeaders {
		headers[k] = v
	}

	res, err := f.dispatcher.Execute(ctx, resilience.Call{
		Service:     "fraud-api",
		Tenant:      tenant,
		Method:      "POST",
		URL:         f.url,
		Headers:     headers,
		Body:        request,
		MessageType: "FRAUD_ASSESSMENT",
	}, settings)
	if err != nil {
		return nil, payerr.Wrap(payerr.ErrFraudUnavailable, err)
	}
	if res.FallbackUsed {
		// A queued or cached verdict is no verdict at all.
		return nil, payerr.Wrapf(payerr.ErrFraudUnavailable, nil, "fraud capability degraded")
	}
	var response map[string]interface{}
	if err := json.Unmarshal(res.Body, &response); err != nil {
		return nil, payerr.Wrapf(payerr.ErrFraudUnavailable, err, "undecodable fraud response")
	}
	return response, nil
}
