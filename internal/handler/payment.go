package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/tablepos/internal/domain/apperr"
	"github.com/xenking/tablepos/internal/domain/payment"
)

// InitiatePayment handles POST /orders/{id}/payments/phonepe.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	amount, err := decodeAmount(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	co, err := h.payments.InitiatePayment(r.Context(), chi.URLParam(r, "id"), amount)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("orderId")
	e.Str(co.OrderID)
	e.FieldStart("transactionId")
	e.Str(co.TransactionID)
	e.FieldStart("redirectUrl")
	e.Str(co.RedirectURL)
	encodeMoney(&e, "amount", co.Amount)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

// CheckPaymentStatus handles GET /orders/{id}/payments/phonepe/{txn}?amount=.
// A PENDING state asks the caller to poll again.
func (h *Handler) CheckPaymentStatus(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("amount")
	if raw == "" {
		writeError(w, r, apperr.Validation("amount query parameter required"))
		return
	}
	amount, err := parseMoney(raw)
	if err != nil {
		writeError(w, r, malformed(err))
		return
	}

	res, err := h.payments.CheckPaymentStatus(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "txn"), amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var e jx.Encoder
	encodeStatusResult(&e, res)
	writeJSON(w, http.StatusOK, &e)
}

// PaymentCallback handles the server-to-server callback of the checksum rail.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.payments.HandleCallback(r.Context(), chi.URLParam(r, "id"), r.Header.Get("X-VERIFY"), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var e jx.Encoder
	encodeStatusResult(&e, res)
	writeJSON(w, http.StatusOK, &e)
}

// CreateSignedOrder handles POST /orders/{id}/payments/razorpay.
func (h *Handler) CreateSignedOrder(w http.ResponseWriter, r *http.Request) {
	amount, err := decodeAmount(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	so, err := h.payments.CreateSignedOrder(r.Context(), chi.URLParam(r, "id"), amount)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("orderId")
	e.Str(so.OrderID)
	e.FieldStart("gatewayOrderId")
	e.Str(so.GatewayOrderID)
	encodeMoney(&e, "amount", so.Amount)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

// VerifySignedPayment handles POST /orders/{id}/payments/razorpay/verify.
func (h *Handler) VerifySignedPayment(w http.ResponseWriter, r *http.Request) {
	p := payment.SignedPayment{OrderID: chi.URLParam(r, "id")}
	if err := decodeObject(r, false, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "gatewayOrderId":
			p.GatewayOrderID, err = d.Str()
		case "gatewayPaymentId":
			p.GatewayPaymentID, err = d.Str()
		case "signature":
			p.Signature, err = d.Str()
		case "amount":
			p.Amount, err = decodeMoney(d)
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.payments.VerifySignedPayment(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var e jx.Encoder
	encodeSettlement(&e, res)
	writeJSON(w, http.StatusOK, &e)
}
