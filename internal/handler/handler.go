// Package handler exposes the POS core over HTTP.
package handler

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/tablepos/internal/domain/apperr"
	"github.com/xenking/tablepos/internal/domain/order"
	"github.com/xenking/tablepos/internal/domain/payment"
	"github.com/xenking/tablepos/internal/domain/seating"
	"github.com/xenking/tablepos/internal/domain/settlement"
	"github.com/xenking/tablepos/internal/domain/table"
	"github.com/xenking/tablepos/pkg/httpmiddleware"
)

const maxBodySize = 1 << 20

// Orders is the order lifecycle used by the handlers.
// Satisfied by *order.Service.
type Orders interface {
	SubmitItems(ctx context.Context, req order.SubmitRequest) (*order.SubmitResult, error)
	MarkServed(ctx context.Context, orderID string) (*order.Order, error)
	Cancel(ctx context.Context, orderID string) (*order.Order, error)
	UpdateStatus(ctx context.Context, orderID string, to order.Status) (*order.Order, error)
	Get(ctx context.Context, orderID string) (*order.Order, error)
}

// Settlement is satisfied by *settlement.Engine.
type Settlement interface {
	Settle(ctx context.Context, req settlement.Request) (*settlement.Result, error)
	ActiveOrderView(ctx context.Context, tableID string) (*settlement.View, error)
}

// Seating is satisfied by *seating.Coordinator.
type Seating interface {
	Shift(ctx context.Context, orderID, targetTableID string) (*seating.ShiftResult, error)
	ShiftByTablePair(ctx context.Context, fromTableID, toTableID string) (int64, error)
	RenameTable(ctx context.Context, tableID, label string) (*table.Table, error)
}

// Payments is satisfied by *payment.Service.
type Payments interface {
	InitiatePayment(ctx context.Context, orderID string, amount decimal.Decimal) (*payment.Checkout, error)
	CheckPaymentStatus(ctx context.Context, orderID, transactionID string, amount decimal.Decimal) (*payment.StatusResult, error)
	HandleCallback(ctx context.Context, orderID, xVerify string, body []byte) (*payment.StatusResult, error)
	CreateSignedOrder(ctx context.Context, orderID string, amount decimal.Decimal) (*payment.SignedOrder, error)
	VerifySignedPayment(ctx context.Context, p payment.SignedPayment) (*settlement.Result, error)
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// PollLimiter guards payment status polling. Requests are keyed by
	// order id when the limiter uses OrderKey. Nil disables limiting.
	PollLimiter httpmiddleware.Middleware
}

// Handler serves the POS API.
type Handler struct {
	orders     Orders
	settlement Settlement
	seating    Seating
	payments   Payments
	poll       httpmiddleware.Middleware
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(cfg Config, orders Orders, settle Settlement, seats Seating, payments Payments) *Handler {
	poll := cfg.PollLimiter
	if poll == nil {
		poll = func(next http.Handler) http.Handler { return next }
	}
	return &Handler{
		orders:     orders,
		settlement: settle,
		seating:    seats,
		payments:   payments,
		poll:       poll,
	}
}

// Routes registers the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.SubmitItems)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetOrder)
			r.Post("/served", h.MarkServed)
			r.Post("/cancel", h.Cancel)
			r.Post("/status", h.UpdateStatus)
			r.Post("/settle", h.Settle)
			r.Post("/shift", h.Shift)

			r.Post("/payments/phonepe", h.InitiatePayment)
			r.Post("/payments/phonepe/callback", h.PaymentCallback)
			r.With(h.poll).Get("/payments/phonepe/{txn}", h.CheckPaymentStatus)
			r.Post("/payments/razorpay", h.CreateSignedOrder)
			r.Post("/payments/razorpay/verify", h.VerifySignedPayment)
		})
	})
	r.Route("/tables/{id}", func(r chi.Router) {
		r.Get("/active-order", h.ActiveOrder)
		r.Post("/shift", h.ShiftTable)
		r.Patch("/", h.RenameTable)
	})
}

// OrderKey keys rate limiting by the order id route parameter.
func OrderKey(r *http.Request) string {
	return "order:" + chi.URLParam(r, "id")
}

// errMalformed marks request bodies that could not be decoded.
var errMalformed = errors.New("malformed request")

func malformed(err error) error {
	return errors.Wrap(errMalformed, err.Error())
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errMalformed):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, apperr.ErrValidation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrExternalGateway):
		status = http.StatusBadGateway
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal server error"
	}
	httpmiddleware.WriteError(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, malformed(err)
	}
	return body, nil
}

// decodeObject reads a JSON object body and hands every field to fn. An
// empty body is accepted when optional is true.
func decodeObject(r *http.Request, optional bool, fn func(d *jx.Decoder, key string) error) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if optional && len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := jx.DecodeBytes(body).Obj(fn); err != nil {
		return malformed(err)
	}
	return nil
}
