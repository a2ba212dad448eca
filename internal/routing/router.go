package routing

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/payerr"
)

// RouteType is the routing verdict for one payment.
type RouteType string

const (
	RouteSameBank         RouteType = "SAME_BANK"
	RouteOtherBank        RouteType = "OTHER_BANK"
	RouteIncomingClearing RouteType = "INCOMING_CLEARING"
)

// Decision is the router's output: the route and, for OTHER_BANK, the
// clearing system, endpoint, processing mode and wire format to
// dispatch through.
type Decision struct {
	Route          RouteType
	ClearingSystem *models.ClearingSystem
	Endpoint       *models.Endpoint
	ProcessingMode models.ProcessingMode
	MessageType    string
}

// AccountLookup resolves the owning bank of an account reference,
// normally backed by the core-banking adapter.
type AccountLookup interface {
	BankCodeOf(ctx context.Context, tenant, account string) (string, error)
}

// Router decides how a payment settles. It consults the stored
// mappings and the account directory; it moves no money.
type Router struct {
	db          *gorm.DB
	ownBankCode string
	accounts    AccountLookup
	logger      *zap.Logger
}

// NewRouter creates a router for the bank identified by ownBankCode.
// accounts may be nil, in which case only the account-reference prefix
// convention identifies foreign accounts.
func NewRouter(db *gorm.DB, ownBankCode string, accounts AccountLookup, logger *zap.Logger) *Router {
	return &Router{db: db, ownBankCode: ownBankCode, accounts: accounts, logger: logger}
}

// Decide routes one payment instruction. messageType is the outbound
// wire format the caller intends to dispatch (empty for SAME_BANK
// candidates, where no endpoint is needed).
func (r *Router) Decide(ctx context.Context, p *models.PaymentInstruction, messageType string) (*Decision, error) {
	if p.Source == models.SourceClearingSystem {
		return &Decision{Route: RouteIncomingClearing}, nil
	}

	from, err := r.bankCodeOf(ctx, p.TenantID, p.FromAccount)
	if err != nil {
		return nil, err
	}
	to, err := r.bankCodeOf(ctx, p.TenantID, p.ToAccount)
	if err != nil {
		return nil, err
	}
	if from == r.ownBankCode && to == r.ownBankCode {
		return &Decision{Route: RouteSameBank}, nil
	}

	mapping, err := r.bestMapping(ctx, p)
	if err != nil {
		return nil, err
	}

	system, endpoint, err := r.selectEndpoint(ctx, mapping.ClearingSystemCode, messageType)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("routed payment",
		zap.String("tenant_id", p.TenantID),
		zap.String("transaction_reference", p.TransactionReference),
		zap.String("clearing_system", system.Code),
		zap.String("endpoint", endpoint.Name),
		zap.String("processing_mode", string(system.ProcessingMode)))
	return &Decision{
		Route:          RouteOtherBank,
		ClearingSystem: system,
		Endpoint:       endpoint,
		ProcessingMode: system.ProcessingMode,
		MessageType:    messageType,
	}, nil
}

// bankCodeOf determines the bank owning an account reference. A
// "BANKCODE-NUMBER" prefix answers without a lookup; bare references
// go to the account directory. With no directory wired, a bare
// reference is assumed local.
func (r *Router) bankCodeOf(ctx context.Context, tenant, account string) (string, error) {
	if idx := strings.IndexByte(account, '-'); idx > 0 {
		return account[:idx], nil
	}
	if r.accounts != nil {
		code, err := r.accounts.BankCodeOf(ctx, tenant, account)
		if err != nil {
			return "", fmt.Errorf("resolving bank for account %s: %w", account, err)
		}
		if code != "" {
			return code, nil
		}
	}
	return r.ownBankCode, nil
}

// bestMapping picks the most specific active tenant mapping: both key
// fields set beats payment-type-only beats instrument-only beats
// catch-all, then priority ascending, then oldest first.
func (r *Router) bestMapping(ctx context.Context, p *models.PaymentInstruction) (*models.TenantClearingMapping, error) {
	var mappings []models.TenantClearingMapping
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ?", p.TenantID, true).
		Find(&mappings).Error
	if err != nil {
		return nil, err
	}

	matched := mappings[:0]
	for _, m := range mappings {
		if m.PaymentType != "" && m.PaymentType != p.PaymentType {
			continue
		}
		if m.LocalInstrument != "" && m.LocalInstrument != p.LocalInstrument {
			continue
		}
		matched = append(matched, m)
	}
	if len(matched) == 0 {
		return nil, payerr.Wrapf(payerr.ErrNoRouteFound, nil,
			"tenant %s has no clearing mapping for payment type %s instrument %s",
			p.TenantID, p.PaymentType, p.LocalInstrument)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Specificity() != matched[j].Specificity() {
			return matched[i].Specificity() > matched[j].Specificity()
		}
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return &matched[0], nil
}

// selectEndpoint loads the clearing system and picks the active
// endpoint publishing the message type whose type agrees with the
// system's processing mode, lowest priority value first.
func (r *Router) selectEndpoint(ctx context.Context, systemCode, messageType string) (*models.ClearingSystem, *models.Endpoint, error) {
	var system models.ClearingSystem
	err := r.db.WithContext(ctx).
		Preload("Endpoints").
		Where("code = ? AND is_active = ?", systemCode, true).
		First(&system).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, payerr.Wrapf(payerr.ErrNoRouteFound, nil, "clearing system %s not found or inactive", systemCode)
		}
		return nil, nil, err
	}

	want := endpointTypeFor(system.ProcessingMode)
	candidates := make([]models.Endpoint, 0, len(system.Endpoints))
	for _, ep := range system.Endpoints {
		if !ep.IsActive || ep.MessageType != messageType {
			continue
		}
		if want != "" && ep.EndpointType != want {
			continue
		}
		candidates = append(candidates, ep)
	}
	if len(candidates) == 0 {
		return nil, nil, payerr.Wrapf(payerr.ErrUnsupportedMessageType, nil,
			"clearing system %s has no %s endpoint for %s", systemCode, system.ProcessingMode, messageType)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})
	return &system, &candidates[0], nil
}

// endpointTypeFor maps a clearing system's processing mode to the
// endpoint type that serves it. Batch systems are polled; an unset
// mode places no constraint.
func endpointTypeFor(mode models.ProcessingMode) models.EndpointType {
	switch mode {
	case models.ModeSynchronous:
		return models.EndpointSync
	case models.ModeAsynchronous:
		return models.EndpointAsync
	case models.ModeBatch:
		return models.EndpointPolling
	default:
		return ""
	}
}

// EndpointFor exposes endpoint selection for callers that already know
// the clearing system, such as the incoming-ACK path.
func (r *Router) EndpointFor(ctx context.Context, systemCode, messageType string) (*models.Endpoint, error) {
	_, ep, err := r.selectEndpoint(ctx, systemCode, messageType)
	return ep, err
}
