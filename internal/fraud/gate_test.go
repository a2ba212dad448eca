package fraud

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kranthikarthan/payment-engine/internal/models"
)

func thresholds(approve, hold, escalate, reject float64) models.FraudPolicy {
	return models.FraudPolicy{
		ApproveThreshold:  &approve,
		HoldThreshold:     &hold,
		EscalateThreshold: &escalate,
		RejectThreshold:   &reject,
	}
}

// TestDecideThresholdOrder tests the verdict bands of a full policy
func TestDecideThresholdOrder(t *testing.T) {
	policy := thresholds(0.3, 0.5, 0.7, 0.9)

	tests := []struct {
		score    float64
		expected models.FraudDecision
	}{
		{0.0, models.FraudApprove},
		{0.3, models.FraudApprove},
		{0.4, models.FraudManualReview},
		{0.5, models.FraudHold},
		{0.69, models.FraudHold},
		{0.7, models.FraudEscalate},
		{0.9, models.FraudReject},
		{1.0, models.FraudReject},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.expected, decide(tc.score, policy), "score %.2f", tc.score)
	}
}

// TestDecideRejectDominates tests that reject wins even when lower
// thresholds also match.
func TestDecideRejectDominates(t *testing.T) {
	reject := 0.5
	hold := 0.5
	policy := models.FraudPolicy{RejectThreshold: &reject, HoldThreshold: &hold}
	assert.Equal(t, models.FraudReject, decide(0.6, policy))
}

// TestDecideUnconfiguredPolicyIsManualReview tests the conservative
// default when no thresholds exist.
func TestDecideUnconfiguredPolicyIsManualReview(t *testing.T) {
	assert.Equal(t, models.FraudManualReview, decide(0.1, models.FraudPolicy{}))
}

// TestRiskLevelFor tests the score bucketing
func TestRiskLevelFor(t *testing.T) {
	assert.Equal(t, models.RiskLow, models.RiskLevelFor(0.1))
	assert.Equal(t, models.RiskMedium, models.RiskLevelFor(0.3))
	assert.Equal(t, models.RiskHigh, models.RiskLevelFor(0.5))
	assert.Equal(t, models.RiskCritical, models.RiskLevelFor(0.8))
}

// TestPaymentView tests the canonical source map fed to the request mapping
func TestPaymentView(t *testing.T) {
	payload, err := json.Marshal(map[string]interface{}{"MsgId": "M-1"})
	require.NoError(t, err)

	view := paymentView(&models.PaymentInstruction{
		TenantID:             "tenant-a",
		TransactionReference: "TX-1",
		FromAccount:          "LOCAL-111",
		ToAccount:            "FNB-222",
		Amount:               decimal.RequireFromString("150.75"),
		Currency:             "EUR",
		PaymentType:          "CREDIT_TRANSFER",
		Source:               models.SourceBankClient,
		OriginalPayload:      payload,
	})

	assert.Equal(t, "TX-1", view["transaction_reference"])
	assert.Equal(t, 150.75, view["amount"])
	assert.Equal(t, "BANK_CLIENT", view["source"])

	original, ok := view["payload"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "M-1", original["MsgId"])
}
