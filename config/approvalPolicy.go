package config

import (
	"os"
	"strings"

	"github.com/shopspring/decimal"
)

// ApprovalPolicy holds the thresholds that shape GE approval routes and quote requirements.
type ApprovalPolicy struct {
	// Amounts strictly above ExecutiveThreshold need the executive stage.
	ExecutiveThreshold decimal.Decimal
	// Goods and Works requests strictly above QuoteThreshold need QuotesAboveThreshold quotes.
	QuoteThreshold       decimal.Decimal
	QuotesAboveThreshold int
}

var defaultApprovalPolicy = ApprovalPolicy{
	ExecutiveThreshold:   decimal.NewFromInt(50000),
	QuoteThreshold:       decimal.NewFromInt(10000),
	QuotesAboveThreshold: 3,
}

var policyOverride *ApprovalPolicy

// GetApprovalPolicy reads the thresholds from env on every call.
// Invalid values fall back to defaults.
func GetApprovalPolicy() ApprovalPolicy {
	if policyOverride != nil {
		return *policyOverride
	}
	p := defaultApprovalPolicy
	if v := decimalFromEnv("GE_APPROVAL_T1"); v != nil {
		p.ExecutiveThreshold = *v
	}
	if v := decimalFromEnv("GE_QUOTE_THRESHOLD"); v != nil {
		p.QuoteThreshold = *v
	}
	if n := intFromEnv("GE_QUOTES_ABOVE_THRESHOLD", p.QuotesAboveThreshold); n > 0 {
		p.QuotesAboveThreshold = n
	}
	return p
}

// SetApprovalPolicy pins the policy; nil restores env lookup. Test hook.
func SetApprovalPolicy(p *ApprovalPolicy) {
	policyOverride = p
}

func decimalFromEnv(key string) *decimal.Decimal {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return nil
	}
	return &d
}
