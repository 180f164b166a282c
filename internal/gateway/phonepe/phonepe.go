// Package phonepe implements the checksum payment rail: a hosted pay page
// confirmed by status polling or by a signed server-to-server callback.
package phonepe

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/tablepos/internal/domain/apperr"
	"github.com/xenking/tablepos/internal/domain/payment"
)

const (
	gatewayName = "phonepe"
	payPath     = "/pg/v1/pay"
	statusPath  = "/pg/v1/status/"
)

// Gateway status codes.
const (
	CodeSuccess = "PAYMENT_SUCCESS"
	CodePending = "PAYMENT_PENDING"
)

// Config holds the merchant credentials for the checksum rail.
type Config struct {
	MerchantID string `usage:"PhonePe merchant id"`
	SaltKey    string `usage:"PhonePe salt key"`
	SaltIndex  int    `default:"1" usage:"PhonePe salt key index"`
	BaseURL    string `default:"https://api.phonepe.com/apis/hermes" usage:"PhonePe PG API base URL"`
	// RedirectURL and CallbackURL get "/{orderID}" appended per payment.
	RedirectURL  string `usage:"Where the pay page sends the customer back"`
	RedirectMode string `default:"REDIRECT" usage:"Pay page redirect mode (REDIRECT or POST)"`
	CallbackURL  string `usage:"Server-to-server callback base URL"`
}

var _ payment.ChecksumGateway = (*Client)(nil)

// Client talks to the checksum rail.
type Client struct {
	cfg  Config
	http *http.Client
}

// New returns a Client. hc should carry a bounded timeout.
func New(cfg Config, hc *http.Client) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.RedirectURL = strings.TrimRight(cfg.RedirectURL, "/")
	cfg.CallbackURL = strings.TrimRight(cfg.CallbackURL, "/")
	return &Client{cfg: cfg, http: hc}
}

// Checksum returns sha256hex(data + saltKey) + "###" + saltIndex, the
// X-VERIFY value for data.
func Checksum(data, saltKey string, saltIndex int) string {
	sum := sha256.Sum256([]byte(data + saltKey))
	return hex.EncodeToString(sum[:]) + "###" + strconv.Itoa(saltIndex)
}

func (c *Client) checksum(data string) string {
	return Checksum(data, c.cfg.SaltKey, c.cfg.SaltIndex)
}

// ToPaise converts a rupee amount to the gateway's minor units.
func ToPaise(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}

// FromPaise converts the gateway's minor units to rupees.
func FromPaise(paise int64) decimal.Decimal {
	return decimal.New(paise, -2)
}

func (c *Client) payload(req payment.PayRequest) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("merchantId")
	e.Str(c.cfg.MerchantID)
	e.FieldStart("merchantTransactionId")
	e.Str(req.TransactionID)
	e.FieldStart("merchantUserId")
	e.Str("MU" + strings.ReplaceAll(req.OrderID, "-", ""))
	e.FieldStart("amount")
	e.Int64(ToPaise(req.Amount))
	e.FieldStart("redirectUrl")
	e.Str(c.cfg.RedirectURL + "/" + req.OrderID)
	e.FieldStart("redirectMode")
	e.Str(c.cfg.RedirectMode)
	e.FieldStart("callbackUrl")
	e.Str(c.cfg.CallbackURL + "/" + req.OrderID)
	e.FieldStart("paymentInstrument")
	e.ObjStart()
	e.FieldStart("type")
	e.Str("PAY_PAGE")
	e.ObjEnd()
	e.ObjEnd()
	return e.Bytes()
}

// Pay starts a hosted-page payment and returns the pay page URL.
func (c *Client) Pay(ctx context.Context, req payment.PayRequest) (*payment.Checkout, error) {
	encoded := base64.StdEncoding.EncodeToString(c.payload(req))

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("request")
	e.Str(encoded)
	e.ObjEnd()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+payPath, bytes.NewReader(e.Bytes()))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("X-VERIFY", c.checksum(encoded+payPath))

	body, err := c.do(hreq, "pay")
	if err != nil {
		return nil, err
	}

	var (
		env         envelope
		redirectURL string
	)
	err = env.decode(body, func(d *jx.Decoder, key string) error {
		if key != "instrumentResponse" {
			return d.Skip()
		}
		return d.Obj(func(d *jx.Decoder, key string) error {
			if key != "redirectInfo" {
				return d.Skip()
			}
			return d.Obj(func(d *jx.Decoder, key string) error {
				if key != "url" {
					return d.Skip()
				}
				v, err := d.Str()
				redirectURL = v
				return err
			})
		})
	})
	if err != nil {
		return nil, &apperr.GatewayError{Gateway: gatewayName, Op: "pay", Err: errors.Wrap(err, "decode response")}
	}
	if !env.Success || redirectURL == "" {
		return nil, &apperr.GatewayError{Gateway: gatewayName, Op: "pay", Err: errors.Errorf("rejected with %s: %s", env.Code, env.Message)}
	}

	return &payment.Checkout{
		OrderID:       req.OrderID,
		TransactionID: req.TransactionID,
		RedirectURL:   redirectURL,
		Amount:        req.Amount,
	}, nil
}

// Status polls the state of a transaction.
func (c *Client) Status(ctx context.Context, transactionID string) (*payment.Report, error) {
	path := statusPath + c.cfg.MerchantID + "/" + transactionID
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, http.NoBody)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("X-VERIFY", c.checksum(path))
	hreq.Header.Set("X-MERCHANT-ID", c.cfg.MerchantID)

	body, err := c.do(hreq, "status")
	if err != nil {
		return nil, err
	}
	rep, err := decodeReport(body)
	if err != nil {
		return nil, &apperr.GatewayError{Gateway: gatewayName, Op: "status", Err: errors.Wrap(err, "decode response")}
	}
	if rep.TransactionID == "" {
		rep.TransactionID = transactionID
	}
	return rep, nil
}

// ParseCallback verifies the X-VERIFY header of a callback and decodes its
// base64 response.
func (c *Client) ParseCallback(xVerify string, body []byte) (*payment.Report, error) {
	var response string
	if err := jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		if key != "response" {
			return d.Skip()
		}
		v, err := d.Str()
		response = v
		return err
	}); err != nil {
		return nil, apperr.Validation("malformed callback body: %v", err)
	}
	if response == "" {
		return nil, apperr.Validation("callback without response")
	}

	expected := c.checksum(response)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(xVerify)) != 1 {
		return nil, apperr.Validation("checksum mismatch")
	}

	raw, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return nil, apperr.Validation("malformed callback response: %v", err)
	}
	rep, err := decodeReport(raw)
	if err != nil {
		return nil, apperr.Validation("malformed callback response: %v", err)
	}
	if rep.TransactionID == "" {
		return nil, apperr.Validation("callback without transaction id")
	}
	return rep, nil
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &apperr.GatewayError{Gateway: gatewayName, Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &apperr.GatewayError{Gateway: gatewayName, Op: op, Err: err}
	}
	if resp.StatusCode/100 != 2 {
		return nil, &apperr.GatewayError{Gateway: gatewayName, Op: op, StatusCode: resp.StatusCode}
	}
	return body, nil
}

// envelope is the common response wrapper of the PG API.
type envelope struct {
	Success bool
	Code    string
	Message string
}

// decode reads the envelope and hands every field of "data" to onData.
func (env *envelope) decode(body []byte, onData func(d *jx.Decoder, key string) error) error {
	return jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "success":
			env.Success, err = d.Bool()
		case "code":
			env.Code, err = d.Str()
		case "message":
			env.Message, err = d.Str()
		case "data":
			if d.Next() == jx.Null {
				return d.Null()
			}
			err = d.Obj(onData)
		default:
			err = d.Skip()
		}
		return err
	})
}

func decodeReport(body []byte) (*payment.Report, error) {
	var (
		env envelope
		rep payment.Report
	)
	err := env.decode(body, func(d *jx.Decoder, key string) error {
		switch key {
		case "merchantTransactionId":
			v, err := d.Str()
			rep.TransactionID = v
			return err
		case "transactionId":
			if d.Next() == jx.Null {
				return d.Null()
			}
			v, err := d.Str()
			rep.GatewayRef = v
			return err
		case "amount":
			v, err := d.Int64()
			rep.Amount = FromPaise(v)
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, err
	}

	rep.Code = env.Code
	switch env.Code {
	case CodeSuccess:
		rep.State = payment.StateSuccess
	case CodePending:
		rep.State = payment.StatePending
	default:
		rep.State = payment.StateFailed
	}
	return &rep, nil
}
