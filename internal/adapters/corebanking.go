package adapters

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/payerr"
	"github.com/kranthikarthan/payment-engine/internal/resilience"
)

// CoreBankingAdapter fronts the ledger service. Every money-moving
// operation is keyed by a deterministic leg id; the ledger treats a
// repeated id as a lookup of the original result, which makes the
// orchestrator safe to re-run.
type CoreBankingAdapter struct {
	dispatcher *resilience.Dispatcher
	baseURL    string
	auth       *Authenticator
	authParams map[string]string
	authMethod models.AuthMethod
	logger     *zap.Logger

	tlsOnce sync.Once
	tlsCfg  *tls.Config
	tlsErr  error
}

// NewCoreBankingAdapter creates the ledger adapter.
func NewCoreBankingAdapter(dispatcher *resilience.Dispatcher, baseURL string, auth *Authenticator, method models.AuthMethod, authParams map[string]string, logger *zap.Logger) *CoreBankingAdapter {
	return &CoreBankingAdapter{
		dispatcher: dispatcher,
		baseURL:    baseURL,
		auth:       auth,
		authMethod: method,
		authParams: authParams,
		logger:     logger,
	}
}

// AccountInfo is the ledger's view of an account.
type AccountInfo struct {
	AccountNumber string          `json:"account_number"`
	BankCode      string          `json:"bank_code"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	Balance       decimal.Decimal `json:"balance"`
}

// LegRequest is one idempotent money movement.
type LegRequest struct {
	LegID               string `json:"leg_id"`
	Account             string `json:"account"`
	CounterpartyAccount string `json:"counterparty_account,omitempty"`
	Amount              string `json:"amount"`
	Currency            string `json:"currency"`
	Reference           string `json:"reference"`
	Description         string `json:"description,omitempty"`
}

// LegResult is the ledger's verdict on one movement.
type LegResult struct {
	LegID           string `json:"leg_id"`
	Status          string `json:"status"`
	LedgerReference string `json:"ledger_reference"`
	ErrorCode       string `json:"error_code,omitempty"`
	ErrorDetail     string `json:"error_detail,omitempty"`
	FallbackUsed    bool   `json:"-"`
	QueuedMessageID string `json:"-"`
}

// GetAccountInfo looks up an account.
func (a *CoreBankingAdapter) GetAccountInfo(ctx context.Context, tenant, account string, settings resilience.Settings) (*AccountInfo, error) {
	res, err := a.call(ctx, tenant, "GET", fmt.Sprintf("%s/v1/accounts/%s", a.baseURL, account), nil, settings)
	if err != nil {
		return nil, err
	}
	var info AccountInfo
	if err := json.Unmarshal(res.Body, &info); err != nil {
		return nil, fmt.Errorf("decoding account info: %w", err)
	}
	return &info, nil
}

// BankCodeOf reports the owning bank of an account, for routing.
func (a *CoreBankingAdapter) BankCodeOf(ctx context.Context, tenant, account string) (string, error) {
	info, err := a.GetAccountInfo(ctx, tenant, account, resilience.DefaultSettings())
	if err != nil {
		return "", err
	}
	return info.BankCode, nil
}

// ValidateAccount reports whether an account exists and is open.
func (a *CoreBankingAdapter) ValidateAccount(ctx context.Context, tenant, account string, settings resilience.Settings) error {
	info, err := a.GetAccountInfo(ctx, tenant, account, settings)
	if err != nil {
		return err
	}
	if info.Status == "CLOSED" {
		return payerr.Wrapf(payerr.ErrAccountClosed, nil, "account %s", account)
	}
	return nil
}

// GetBalance returns the available balance.
func (a *CoreBankingAdapter) GetBalance(ctx context.Context, tenant, account string, settings resilience.Settings) (decimal.Decimal, error) {
	info, err := a.GetAccountInfo(ctx, tenant, account, settings)
	if err != nil {
		return decimal.Zero, err
	}
	return info.Balance, nil
}

// HasSufficientFunds checks the balance against an amount without
// moving money.
func (a *CoreBankingAdapter) HasSufficientFunds(ctx context.Context, tenant, account string, amount decimal.Decimal, settings resilience.Settings) (bool, error) {
	balance, err := a.GetBalance(ctx, tenant, account, settings)
	if err != nil {
		return false, err
	}
	return balance.GreaterThanOrEqual(amount), nil
}

// ProcessDebit posts the debit leg.
func (a *CoreBankingAdapter) ProcessDebit(ctx context.Context, tenant string, req LegRequest, settings resilience.Settings) (*LegResult, error) {
	return a.postLeg(ctx, tenant, a.baseURL+"/v1/transactions/debit", req, settings)
}

// ProcessCredit posts the credit leg.
func (a *CoreBankingAdapter) ProcessCredit(ctx context.Context, tenant string, req LegRequest, settings resilience.Settings) (*LegResult, error) {
	return a.postLeg(ctx, tenant, a.baseURL+"/v1/transactions/credit", req, settings)
}

// ProcessTransfer posts a debit and credit atomically on the ledger side.
func (a *CoreBankingAdapter) ProcessTransfer(ctx context.Context, tenant string, req LegRequest, settings resilience.Settings) (*LegResult, error) {
	return a.postLeg(ctx, tenant, a.baseURL+"/v1/transactions/transfer", req, settings)
}

// HoldFunds places an authorization hold identified by the leg id.
func (a *CoreBankingAdapter) HoldFunds(ctx context.Context, tenant string, req LegRequest, settings resilience.Settings) (*LegResult, error) {
	return a.postLeg(ctx, tenant, a.baseURL+"/v1/transactions/hold", req, settings)
}

// ReleaseFunds releases a previously placed hold.
func (a *CoreBankingAdapter) ReleaseFunds(ctx context.Context, tenant string, req LegRequest, settings resilience.Settings) (*LegResult, error) {
	return a.postLeg(ctx, tenant, a.baseURL+"/v1/transactions/release", req, settings)
}

// GetTransactionStatus fetches the current verdict on a leg, used by
// repair to reconcile after an indeterminate failure.
func (a *CoreBankingAdapter) GetTransactionStatus(ctx context.Context, tenant, legID string, settings resilience.Settings) (*LegResult, error) {
	res, err := a.call(ctx, tenant, "GET", fmt.Sprintf("%s/v1/transactions/%s", a.baseURL, legID), nil, settings)
	if err != nil {
		return nil, err
	}
	var result LegResult
	if err := json.Unmarshal(res.Body, &result); err != nil {
		return nil, fmt.Errorf("decoding transaction status: %w", err)
	}
	return &result, nil
}

func (a *CoreBankingAdapter) postLeg(ctx context.Context, tenant, url string, req LegRequest, settings resilience.Settings) (*LegResult, error) {
	res, err := a.call(ctx, tenant, "POST", url, req, settings)
	if err != nil {
		return nil, err
	}
	if res.FallbackUsed {
		return &LegResult{LegID: req.LegID, Status: "QUEUED", FallbackUsed: true, QueuedMessageID: res.QueuedMessageID}, nil
	}
	var result LegResult
	if err := json.Unmarshal(res.Body, &result); err != nil {
		return nil, fmt.Errorf("decoding leg result: %w", err)
	}
	if result.Status == "FAILED" {
		return &result, legError(result)
	}
	return &result, nil
}

// legError maps the ledger's error code to the taxonomy.
func legError(result LegResult) error {
	switch result.ErrorCode {
	case "INSUFFICIENT_FUNDS":
		return payerr.Wrapf(payerr.ErrInsufficientFunds, nil, "leg %s", result.LegID)
	case "ACCOUNT_CLOSED":
		return payerr.Wrapf(payerr.ErrAccountClosed, nil, "leg %s", result.LegID)
	default:
		return payerr.Rejected(result.ErrorCode)
	}
}

func (a *CoreBankingAdapter) call(ctx context.Context, tenant, method, url string, body interface{}, settings resilience.Settings) (*resilience.Result, error) {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
	}
	headers := map[string]string{"Content-Type": "application/json"}
	authHeaders, err := a.auth.Headers(ctx, a.authMethod, a.authParams, raw)
	if err != nil {
		return nil, fmt.Errorf("building auth headers: %w", err)
	}
	for k, v := range authHeaders {
		headers[k] = v
	}
	var tlsCfg *tls.Config
	if a.authMethod == models.AuthMTLS {
		a.tlsOnce.Do(func() {
			a.tlsCfg, a.tlsErr = a.auth.ClientTLS(a.authParams)
		})
		if a.tlsErr != nil {
			return nil, fmt.Errorf("loading ledger client certificate: %w", a.tlsErr)
		}
		tlsCfg = a.tlsCfg
	}
	return a.dispatcher.Execute(ctx, resilience.Call{
		Service:     "core-banking",
		Tenant:      tenant,
		Method:      method,
		URL:         url,
		Headers:     headers,
		Body:        body,
		MessageType: "CORE_BANKING",
		TLS:         tlsCfg,
	}, settings)
}
