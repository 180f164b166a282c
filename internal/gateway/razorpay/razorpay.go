// Package razorpay implements the signature payment rail.
package razorpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/tablepos/internal/domain/apperr"
	"github.com/xenking/tablepos/internal/domain/payment"
)

const gatewayName = "razorpay"

// Config holds the merchant credentials for the signature rail.
type Config struct {
	KeyID     string `usage:"Razorpay key id"`
	KeySecret string `usage:"Razorpay key secret, also the signature HMAC key"`
	BaseURL   string `default:"https://api.razorpay.com" usage:"Razorpay API base URL"`
	Currency  string `default:"INR" usage:"Currency of created orders"`
}

var _ payment.SignedGateway = (*Client)(nil)

// Client talks to the signature rail.
type Client struct {
	cfg  Config
	http *http.Client
}

// New returns a Client. hc should carry a bounded timeout.
func New(cfg Config, hc *http.Client) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: hc}
}

// Sign returns the hex HMAC-SHA256 of "orderID|paymentID" under secret.
func Sign(secret, gatewayOrderID, gatewayPaymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gatewayOrderID + "|" + gatewayPaymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares signature with the expected one in constant time.
func (c *Client) VerifySignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	expected := Sign(c.cfg.KeySecret, gatewayOrderID, gatewayPaymentID)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signature))) == 1
}

// CreateOrder opens a gateway order for amount, using the local order id as
// receipt.
func (c *Client) CreateOrder(ctx context.Context, receipt string, amount decimal.Decimal) (string, error) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("amount")
	e.Int64(amount.Round(2).Shift(2).IntPart())
	e.FieldStart("currency")
	e.Str(c.cfg.Currency)
	e.FieldStart("receipt")
	e.Str(receipt)
	e.ObjEnd()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/orders", bytes.NewReader(e.Bytes()))
	if err != nil {
		return "", errors.Wrap(err, "build request")
	}
	req.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &apperr.GatewayError{Gateway: gatewayName, Op: "create order", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &apperr.GatewayError{Gateway: gatewayName, Op: "create order", Err: err}
	}
	if resp.StatusCode/100 != 2 {
		return "", &apperr.GatewayError{Gateway: gatewayName, Op: "create order", StatusCode: resp.StatusCode}
	}

	var id string
	if err := jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		if key != "id" {
			return d.Skip()
		}
		v, err := d.Str()
		id = v
		return err
	}); err != nil {
		return "", &apperr.GatewayError{Gateway: gatewayName, Op: "create order", Err: errors.Wrap(err, "decode response")}
	}
	if id == "" {
		return "", &apperr.GatewayError{Gateway: gatewayName, Op: "create order", Err: errors.New("response without order id")}
	}
	return id, nil
}
