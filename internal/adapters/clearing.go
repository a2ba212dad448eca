package adapters

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/resilience"
)

// DispatchStatus is the clearing network's synchronous answer.
type DispatchStatus string

const (
	DispatchAccepted   DispatchStatus = "ACCEPTED"
	DispatchRejected   DispatchStatus = "REJECTED"
	DispatchAckPending DispatchStatus = "ACK_PENDING"
	DispatchQueued     DispatchStatus = "QUEUED"
)

// DispatchResult is the outcome of sending one message to a clearing
// endpoint.
type DispatchResult struct {
	Status          DispatchStatus
	ReasonCode      string
	AckPayload      map[string]interface{}
	FallbackUsed    bool
	QueuedMessageID string
}

// ClearingAdapter sends transformed messages to clearing system
// endpoints selected by the router. Auth and static headers come off
// the endpoint record itself.
type ClearingAdapter struct {
	dispatcher *resilience.Dispatcher
	auth       *Authenticator
	logger     *zap.Logger
	tlsConfigs sync.Map // endpoint id -> *tls.Config
}

// NewClearingAdapter creates the clearing transport.
func NewClearingAdapter(dispatcher *resilience.Dispatcher, auth *Authenticator, logger *zap.Logger) *ClearingAdapter {
	return &ClearingAdapter{dispatcher: dispatcher, auth: auth, logger: logger}
}

// Dispatch sends payload to the endpoint under the resolved settings.
// A dispatcher fallback surfaces as DispatchQueued so the orchestrator
// can park the payment instead of treating it as delivered.
func (c *ClearingAdapter) Dispatch(ctx context.Context, endpoint *models.Endpoint, tenant, correlationID string, payload map[string]interface{}, settings resilience.Settings) (*DispatchResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding clearing message: %w", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if len(endpoint.StaticHeaders) > 0 {
		var static map[string]string
		if err := json.Unmarshal(endpoint.StaticHeaders, &static); err != nil {
			return nil, fmt.Errorf("invalid static headers on endpoint %s: %w", endpoint.Name, err)
		}
		for k, v := range static {
			headers[k] = v
		}
	}

	var authParams map[string]string
	if len(endpoint.AuthConfig) > 0 {
		if err := json.Unmarshal(endpoint.AuthConfig, &authParams); err != nil {
			return nil, fmt.Errorf("invalid auth config on endpoint %s: %w", endpoint.Name, err)
		}
	}
	authHeaders, err := c.auth.Headers(ctx, endpoint.AuthMethod, authParams, raw)
	if err != nil {
		return nil, fmt.Errorf("building auth headers: %w", err)
	}
	for k, v := range authHeaders {
		headers[k] = v
	}

	var tlsCfg *tls.Config
	if endpoint.AuthMethod == models.AuthMTLS {
		tlsCfg, err = c.clientTLS(endpoint, authParams)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate for endpoint %s: %w", endpoint.Name, err)
		}
	}

	res, err := c.dispatcher.Execute(ctx, resilience.Call{
		Service:       "clearing:" + endpoint.ClearingSystemCode,
		Tenant:        tenant,
		Method:        endpoint.HTTPMethod,
		URL:           endpoint.URL,
		Headers:       headers,
		Body:          payload,
		MessageType:   endpoint.MessageType,
		CorrelationID: correlationID,
		TLS:           tlsCfg,
	}, settings)
	if err != nil {
		return nil, err
	}
	if res.FallbackUsed {
		return &DispatchResult{Status: DispatchQueued, FallbackUsed: true, QueuedMessageID: res.QueuedMessageID}, nil
	}

	result := &DispatchResult{Status: DispatchAccepted}
	if len(res.Body) > 0 {
		var ack map[string]interface{}
		if err := json.Unmarshal(res.Body, &ack); err == nil {
			result.AckPayload = ack
			if status, ok := ack["status"].(string); ok {
				switch DispatchStatus(status) {
				case DispatchRejected:
					result.Status = DispatchRejected
					result.ReasonCode, _ = ack["reason_code"].(string)
				case DispatchAckPending:
					result.Status = DispatchAckPending
				}
			}
		}
	}
	if endpoint.EndpointType == models.EndpointAsync && result.Status == DispatchAccepted {
		result.Status = DispatchAckPending
	}
	return result, nil
}

// clientTLS loads and memoizes the endpoint's client certificate.
func (c *ClearingAdapter) clientTLS(endpoint *models.Endpoint, authParams map[string]string) (*tls.Config, error) {
	if v, ok := c.tlsConfigs.Load(endpoint.ID); ok {
		return v.(*tls.Config), nil
	}
	cfg, err := c.auth.ClientTLS(authParams)
	if err != nil {
		return nil, err
	}
	actual, _ := c.tlsConfigs.LoadOrStore(endpoint.ID, cfg)
	return actual.(*tls.Config), nil
}
