package fraud

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/kranthikarthan/payment-engine/internal/adapters"
	"github.com/kranthikarthan/payment-engine/internal/configres"
	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/payerr"
	"github.com/kranthikarthan/payment-engine/internal/resilience"
	"github.com/kranthikarthan/payment-engine/internal/transform"
)

// Mapping name suffixes for the fraud call, appended to the resolved
// mapping base name.
const (
	requestMappingSuffix  = ".request"
	responseMappingSuffix = ".response"
)

// Gate consults the external fraud capability before any money moves.
// It fails closed: when the capability is unreachable it synthesizes a
// MANUAL_REVIEW verdict rather than letting the payment through.
type Gate struct {
	db       *gorm.DB
	resolver *configres.Resolver
	mapper   *transform.Mapper
	mappings *transform.Store
	api      *adapters.FraudAPIAdapter
	logger   *zap.Logger
	now      func() time.Time
}

// NewGate creates the fraud gate.
func NewGate(db *gorm.DB, resolver *configres.Resolver, mapper *transform.Mapper, mappings *transform.Store, api *adapters.FraudAPIAdapter, logger *zap.Logger) *Gate {
	return &Gate{
		db:       db,
		resolver: resolver,
		mapper:   mapper,
		mappings: mappings,
		api:      api,
		logger:   logger,
		now:      time.Now,
	}
}

// Check assesses one payment. The returned assessment always carries a
// decision; an error means the gate itself could not run (config or
// transformation failure), not that the payment is fraudulent.
func (g *Gate) Check(ctx context.Context, p *models.PaymentInstruction) (*models.FraudAssessment, error) {
	ctx, span := otel.Tracer("fraud").Start(ctx, "fraud.check")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", p.TenantID),
		attribute.String("transaction_reference", p.TransactionReference),
	)

	resolved, err := g.resolver.Resolve(ctx, configres.CallContext{
		Tenant:          p.TenantID,
		PaymentType:     p.PaymentType,
		LocalInstrument: p.LocalInstrument,
		ClearingSystem:  p.ClearingSystemCode,
		ServiceType:     "fraud-api",
		Now:             g.now(),
	})
	if err != nil {
		return nil, err
	}

	if !resolved.FraudToggle.Enabled {
		g.logger.Debug("fraud check skipped",
			zap.String("tenant_id", p.TenantID),
			zap.String("transaction_reference", p.TransactionReference),
			zap.String("reason", resolved.FraudToggle.Reason))
		return g.persist(ctx, p, &models.FraudAssessment{
			Decision: models.FraudApprove,
			Status:   "SKIPPED",
			Reason:   resolved.FraudToggle.Reason,
		}, nil, nil, 0)
	}

	started := g.now()
	settings := resilience.SettingsFrom(resolved.Resiliency)

	request, err := g.buildRequest(ctx, p, resolved.MappingName)
	if err != nil {
		return nil, err
	}

	response, apiErr := g.api.Assess(ctx, p.TenantID, request, settings)
	elapsed := g.now().Sub(started).Milliseconds()

	if apiErr != nil {
		g.logger.Warn("fraud capability unavailable, synthesizing verdict",
			zap.String("tenant_id", p.TenantID),
			zap.String("transaction_reference", p.TransactionReference),
			zap.Error(apiErr))
		return g.persist(ctx, p, &models.FraudAssessment{
			RiskScore: 0.5,
			RiskLevel: models.RiskMedium,
			Decision:  models.FraudManualReview,
			Status:    "SYNTHESIZED",
			Reason:    payerr.CodeOf(apiErr),
		}, request, nil, elapsed)
	}

	canonical, err := g.decodeResponse(ctx, p, resolved.MappingName, response)
	if err != nil {
		return nil, err
	}

	score, _ := canonical["risk_score"].(float64)
	reason, _ := canonical["reason"].(string)
	decision := decide(score, resolved.FraudPolicy)

	return g.persist(ctx, p, &models.FraudAssessment{
		RiskScore: score,
		RiskLevel: models.RiskLevelFor(score),
		Decision:  decision,
		Status:    "COMPLETED",
		Reason:    reason,
	}, request, response, elapsed)
}

// buildRequest transforms the canonical payment view into the fraud
// API's wire shape.
func (g *Gate) buildRequest(ctx context.Context, p *models.PaymentInstruction, mappingBase string) (map[string]interface{}, error) {
	mapping, err := g.mappings.Get(ctx, p.TenantID, mappingBase+requestMappingSuffix)
	if err != nil {
		return nil, err
	}
	return g.mapper.Transform(mapping, models.DirectionRequest, paymentView(p))
}

// decodeResponse maps the fraud API response back to the canonical
// {risk_score, reason} shape.
func (g *Gate) decodeResponse(ctx context.Context, p *models.PaymentInstruction, mappingBase string, response map[string]interface{}) (map[string]interface{}, error) {
	mapping, err := g.mappings.Get(ctx, p.TenantID, mappingBase+responseMappingSuffix)
	if err != nil {
		return nil, err
	}
	return g.mapper.Transform(mapping, models.DirectionResponse, response)
}

// decide applies the policy thresholds. Reject dominates, then the
// intermediate verdicts, then approve; an unconfigured middle ground
// lands in manual review.
func decide(score float64, policy models.FraudPolicy) models.FraudDecision {
	if policy.RejectThreshold != nil && score >= *policy.RejectThreshold {
		return models.FraudReject
	}
	if policy.EscalateThreshold != nil && score >= *policy.EscalateThreshold {
		return models.FraudEscalate
	}
	if policy.HoldThreshold != nil && score >= *policy.HoldThreshold {
		return models.FraudHold
	}
	if policy.ApproveThreshold != nil && score <= *policy.ApproveThreshold {
		return models.FraudApprove
	}
	return models.FraudManualReview
}

func (g *Gate) persist(ctx context.Context, p *models.PaymentInstruction, a *models.FraudAssessment, request, response map[string]interface{}, elapsedMs int64) (*models.FraudAssessment, error) {
	a.TenantID = p.TenantID
	a.TransactionReference = p.TransactionReference
	a.Source = p.Source
	a.ProcessingTimeMs = elapsedMs
	if request != nil {
		if raw, err := json.Marshal(request); err == nil {
			a.APIRequest = datatypes.JSON(raw)
		}
	}
	if response != nil {
		if raw, err := json.Marshal(response); err == nil {
			a.APIResponse = datatypes.JSON(raw)
		}
	}
	if err := g.db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, err
	}
	g.logger.Info("fraud assessment recorded",
		zap.String("tenant_id", a.TenantID),
		zap.String("transaction_reference", a.TransactionReference),
		zap.String("decision", string(a.Decision)),
		zap.Float64("risk_score", a.RiskScore))
	return a, nil
}

// paymentView is the canonical source map handed to the request mapping.
func paymentView(p *models.PaymentInstruction) map[string]interface{} {
	view := map[string]interface{}{
		"transaction_reference": p.TransactionReference,
		"tenant_id":             p.TenantID,
		"from_account":          p.FromAccount,
		"to_account":            p.ToAccount,
		"amount":                p.Amount.InexactFloat64(),
		"currency":              p.Currency,
		"payment_type":          p.PaymentType,
		"local_instrument":      p.LocalInstrument,
		"remittance_info":       p.RemittanceInfo,
		"source":                string(p.Source),
	}
	if len(p.OriginalPayload) > 0 {
		var original map[string]interface{}
		if err := json.Unmarshal(p.OriginalPayload, &original); err == nil {
			view["payload"] = original
		}
	}
	return view
}
