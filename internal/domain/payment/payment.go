// Package payment confirms external gateway payments and feeds them into
// settlement.
//
// Two rails are supported. The signature rail confirms a payment by an
// HMAC over the gateway order and payment ids handed to the client. The
// checksum rail redirects the client to a hosted pay page and confirms the
// payment by polling the gateway or by a signed server-to-server callback.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/tablepos/internal/domain/order"
	"github.com/xenking/tablepos/internal/domain/settlement"
)

// State is the outcome of a checksum-rail payment.
type State string

const (
	StateSuccess State = "SUCCESS"
	StatePending State = "PENDING"
	StateFailed  State = "FAILED"
)

// Checkout is a started hosted-page payment.
type Checkout struct {
	OrderID       string
	TransactionID string
	RedirectURL   string
	Amount        decimal.Decimal
}

// PayRequest asks the checksum rail to start a payment.
type PayRequest struct {
	OrderID       string
	TransactionID string
	Amount        decimal.Decimal
}

// Report is the gateway's view of a checksum-rail transaction.
type Report struct {
	TransactionID string
	// Code is the raw gateway status code, e.g. PAYMENT_SUCCESS.
	Code  string
	State State
	// Amount is the amount the gateway collected; zero when the gateway did
	// not report one.
	Amount decimal.Decimal
	// GatewayRef is the gateway's own transaction id.
	GatewayRef string
}

// ChecksumGateway is the hosted pay-page rail.
type ChecksumGateway interface {
	Pay(ctx context.Context, req PayRequest) (*Checkout, error)
	Status(ctx context.Context, transactionID string) (*Report, error)
	// ParseCallback verifies and decodes a server-to-server callback.
	ParseCallback(xVerify string, body []byte) (*Report, error)
}

// SignedGateway is the client-signature rail.
type SignedGateway interface {
	// CreateOrder opens a gateway-side order and returns its id.
	CreateOrder(ctx context.Context, receipt string, amount decimal.Decimal) (string, error)
	// VerifySignature reports whether signature authenticates the pair.
	VerifySignature(gatewayOrderID, gatewayPaymentID, signature string) bool
}

// Settler records confirmed payments.
type Settler interface {
	Settle(ctx context.Context, req settlement.Request) (*settlement.Result, error)
}

// OrderReader loads orders before contacting a gateway.
type OrderReader interface {
	Get(ctx context.Context, orderID string) (*order.Order, error)
}

// SignedPayment is a client-reported signature-rail payment.
type SignedPayment struct {
	OrderID          string
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
	Amount           decimal.Decimal
}

// SignedOrder is a gateway-side order opened for a local order.
type SignedOrder struct {
	OrderID        string
	GatewayOrderID string
	Amount         decimal.Decimal
}

// StatusResult is the outcome of a checksum-rail status check or callback.
type StatusResult struct {
	OrderID       string
	TransactionID string
	State         State
	Code          string
	// Settlement is set when the payment succeeded and was settled.
	Settlement *settlement.Result
}

// TransactionIDs mints checksum-rail merchant transaction ids bound to the
// local order they pay for. An id is "TX", a 16 hex digit nonce and the first
// 16 hex digits of HMAC-SHA256(key, nonce|orderID), 34 characters in total,
// within the gateway's alphanumeric id limit.
type TransactionIDs struct {
	key []byte
}

const (
	txnPrefix   = "TX"
	txnNonceLen = 16
	txnMACLen   = 16
)

// NewTransactionIDs returns TransactionIDs keyed by key.
func NewTransactionIDs(key string) TransactionIDs {
	return TransactionIDs{key: []byte(key)}
}

// New returns a fresh transaction id for orderID.
func (t TransactionIDs) New(orderID string) string {
	nonce := strings.ReplaceAll(uuid.New().String(), "-", "")[:txnNonceLen]
	return txnPrefix + nonce + t.mac(nonce, orderID)
}

// Belongs reports whether transactionID was minted for orderID.
func (t TransactionIDs) Belongs(transactionID, orderID string) bool {
	rest, ok := strings.CutPrefix(transactionID, txnPrefix)
	if !ok || len(rest) != txnNonceLen+txnMACLen {
		return false
	}
	nonce, sum := rest[:txnNonceLen], rest[txnNonceLen:]
	return hmac.Equal([]byte(sum), []byte(t.mac(nonce, orderID)))
}

func (t TransactionIDs) mac(nonce, orderID string) string {
	h := hmac.New(sha256.New, t.key)
	h.Write([]byte(nonce))
	h.Write([]byte{'|'})
	h.Write([]byte(orderID))
	return hex.EncodeToString(h.Sum(nil))[:txnMACLen]
}
