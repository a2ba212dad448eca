package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/kranthikarthan/payment-engine/internal/adapters"
	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/orchestrator"
	"github.com/kranthikarthan/payment-engine/internal/payerr"
	"github.com/kranthikarthan/payment-engine/internal/queue"
	"github.com/kranthikarthan/payment-engine/internal/repair"
)

// Handlers carries the API surface and its dependencies.
type Handlers struct {
	db      *gorm.DB
	orch    *orchestrator.Orchestrator
	repairs *repair.Store
	engine  *repair.Engine
	queue   *queue.Store
	auth    *adapters.Authenticator
	logger  *zap.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(db *gorm.DB, orch *orchestrator.Orchestrator, repairs *repair.Store, engine *repair.Engine, queueStore *queue.Store, auth *adapters.Authenticator, logger *zap.Logger) *Handlers {
	return &Handlers{
		db:      db,
		orch:    orch,
		repairs: repairs,
		engine:  engine,
		queue:   queueStore,
		auth:    auth,
		logger:  logger,
	}
}

// SubmitPaymentRequest is the intake contract for bank clients.
type SubmitPaymentRequest struct {
	TransactionReference string                 `json:"transaction_reference" binding:"required"`
	FromAccount          string                 `json:"from_account" binding:"required"`
	ToAccount            string                 `json:"to_account" binding:"required"`
	Amount               string                 `json:"amount" binding:"required"`
	Currency             string                 `json:"currency" binding:"required,currency"`
	PaymentType          string                 `json:"payment_type" binding:"required"`
	LocalInstrument      string                 `json:"local_instrument"`
	ChargeBearer         string                 `json:"charge_bearer"`
	ValueDate            string                 `json:"value_date"`
	RemittanceInfo       string                 `json:"remittance_info"`
	CorrelationID        string                 `json:"correlation_id"`
	Payload              map[string]interface{} `json:"payload"`
}

// SubmitPayment accepts a payment instruction and runs it to a
// terminal or parked state.
func (h *Handlers) SubmitPayment(c *gin.Context) {
	tenant := c.GetHeader(TenantHeader)

	var req SubmitPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount is not a valid decimal"})
		return
	}

	p := &models.PaymentInstruction{
		TenantID:             tenant,
		TransactionReference: req.TransactionReference,
		FromAccount:          req.FromAccount,
		ToAccount:            req.ToAccount,
		Amount:               amount,
		Currency:             req.Currency,
		PaymentType:          req.PaymentType,
		LocalInstrument:      req.LocalInstrument,
		ChargeBearer:         req.ChargeBearer,
		RemittanceInfo:       req.RemittanceInfo,
		CorrelationID:        req.CorrelationID,
		Source:               models.SourceBankClient,
	}
	if req.ValueDate != "" {
		vd, err := time.Parse("2006-01-02", req.ValueDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "value_date must be YYYY-MM-DD"})
			return
		}
		p.ValueDate = &vd
	}
	if req.Payload != nil {
		if raw, err := json.Marshal(req.Payload); err == nil {
			p.OriginalPayload = datatypes.JSON(raw)
		}
	}

	outcome, err := h.orch.Submit(c.Request.Context(), p)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(statusFor(outcome), gin.H{
		"transaction_reference": p.TransactionReference,
		"outcome":               outcome,
	})
}

// GetPayment returns the stored state of one payment.
func (h *Handlers) GetPayment(c *gin.Context) {
	tenant := c.GetHeader(TenantHeader)
	var p models.PaymentInstruction
	err := h.db.WithContext(c.Request.Context()).
		Where("tenant_id = ? AND transaction_reference = ?", tenant, c.Param("txref")).
		First(&p).Error
	if err == gorm.ErrRecordNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

// IngestClearingMessage is the webhook clearing systems deliver into.
// pacs.002 acknowledgements correlate with pending payments; anything
// else is an incoming payment.
func (h *Handlers) IngestClearingMessage(c *gin.Context) {
	tenant := c.GetHeader(TenantHeader)
	system := c.Param("system")
	messageType := c.GetHeader("X-Message-Type")
	if messageType == "" {
		messageType = "pacs.008"
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if err := h.verifyWebhook(c, system, messageType, body); err != nil {
		h.logger.Warn("webhook verification failed",
			zap.String("clearing_system", system),
			zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "verification failed"})
		return
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body is not a JSON object"})
		return
	}

	if messageType == "pacs.002" {
		outcome, err := h.orch.HandleAck(c.Request.Context(), tenant, system, payload)
		if err != nil {
			h.renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"outcome": outcome})
		return
	}

	outcome, ack, err := h.orch.IngestClearing(c.Request.Context(), tenant, system, payload)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(statusFor(outcome), ack)
}

// verifyWebhook checks the delivery against the webhook endpoint
// registered for the clearing system, when one demands auth.
func (h *Handlers) verifyWebhook(c *gin.Context, system, messageType string, body []byte) error {
	var ep models.Endpoint
	err := h.db.WithContext(c.Request.Context()).
		Where("clearing_system_code = ? AND endpoint_type = ? AND message_type = ? AND is_active = ?",
			system, models.EndpointWebhook, messageType, true).
		Order("priority ASC").
		First(&ep).Error
	if err == gorm.ErrRecordNotFound {
		return nil // no webhook descriptor, nothing to enforce
	}
	if err != nil {
		return err
	}

	var params map[string]string
	if len(ep.AuthConfig) > 0 {
		if err := json.Unmarshal(ep.AuthConfig, &params); err != nil {
			return err
		}
	}
	switch ep.AuthMethod {
	case models.AuthJWS:
		return h.auth.VerifyJWS(params, c.GetHeader("X-JWS-Signature"), body)
	case models.AuthAPIKey:
		headers, err := h.auth.Headers(c.Request.Context(), models.AuthAPIKey, params, nil)
		if err != nil {
			return err
		}
		for name, want := range headers {
			if c.GetHeader(name) != want {
				return payerr.Wrapf(payerr.ErrRejected, nil, "api key mismatch")
			}
		}
		return nil
	default:
		return nil
	}
}

// ListRepairs returns open repairs for the tenant.
func (h *Handlers) ListRepairs(c *gin.Context) {
	tenant := c.GetHeader(TenantHeader)
	status := models.RepairStatus(c.Query("status"))
	recs, err := h.repairs.List(c.Request.Context(), tenant, status, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"repairs": recs})
}

// GetRepair returns one repair record.
func (h *Handlers) GetRepair(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad repair id"})
		return
	}
	rec, err := h.repairs.Get(c.Request.Context(), id)
	if err == gorm.ErrRecordNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "repair not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// RepairActionRequest is an operator's instruction on a repair.
type RepairActionRequest struct {
	Action models.CorrectiveAction `json:"action" binding:"required"`
	Notes  string                  `json:"notes"`
}

// ApplyRepairAction lets an operator drive a corrective action.
func (h *Handlers) ApplyRepairAction(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad repair id"})
		return
	}
	var req RepairActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.repairs.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "repair not found"})
		return
	}
	if rec.RepairStatus.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "repair already closed"})
		return
	}
	actor := c.GetHeader("X-Operator-ID")
	if actor == "" {
		actor = "operator"
	}
	if err := h.engine.Apply(c.Request.Context(), rec, req.Action, actor); err != nil {
		h.renderError(c, err)
		return
	}
	updated, err := h.repairs.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// ResolveRepair closes a repair with operator notes.
func (h *Handlers) ResolveRepair(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad repair id"})
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.repairs.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "repair not found"})
		return
	}
	actor := c.GetHeader("X-Operator-ID")
	if actor == "" {
		actor = "operator"
	}
	if err := h.repairs.Resolve(c.Request.Context(), rec, actor, req.Notes); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

// GetQueuedMessage returns one queued message.
func (h *Handlers) GetQueuedMessage(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad message id"})
		return
	}
	msg, err := h.queue.Get(c.Request.Context(), id)
	if err == gorm.ErrRecordNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, msg)
}

// CancelQueuedMessage withdraws a pending replay.
func (h *Handlers) CancelQueuedMessage(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad message id"})
		return
	}
	if err := h.queue.Cancel(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// Health reports liveness.
func (h *Handlers) Health(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err != nil || sqlDB.Ping() != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// renderError maps the error taxonomy to HTTP.
func (h *Handlers) renderError(c *gin.Context, err error) {
	code := payerr.CodeOf(err)
	switch payerr.KindOf(err) {
	case payerr.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": code, "detail": err.Error()})
	case payerr.KindRouting, payerr.KindConfig:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": code, "detail": err.Error()})
	case payerr.KindTerminal, payerr.KindFraud:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": code, "detail": err.Error()})
	default:
		h.logger.Error("request failed", zap.String("error_code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": code})
	}
}

// statusFor picks the HTTP status for a processed payment.
func statusFor(out *orchestrator.Outcome) int {
	switch out.Status {
	case models.PaymentCompleted:
		return http.StatusOK
	case models.PaymentRejected, models.PaymentFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusAccepted
	}
}
