package payment

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/tablepos/internal/domain/apperr"
	"github.com/xenking/tablepos/internal/domain/order"
	"github.com/xenking/tablepos/internal/domain/settlement"
)

const instrumentation = "github.com/xenking/tablepos/payment"

const (
	railSigned   = "razorpay"
	railChecksum = "phonepe"
)

// Service confirms gateway payments and settles them.
type Service struct {
	settler  Settler
	orders   OrderReader
	signed   SignedGateway
	checksum ChecksumGateway
	txnIDs   TransactionIDs

	tracer   trace.Tracer
	requests metric.Int64Counter
}

// NewService creates a payment Service. Checksum-rail transactions are
// minted and checked with txnIDs.
func NewService(
	settler Settler,
	orders OrderReader,
	signed SignedGateway,
	checksum ChecksumGateway,
	txnIDs TransactionIDs,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
) (*Service, error) {
	requests, err := mp.Meter(instrumentation).Int64Counter("pos.gateway.requests",
		metric.WithDescription("Payment gateway operations by rail, operation and outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create gateway requests counter")
	}
	return &Service{
		settler:  settler,
		orders:   orders,
		signed:   signed,
		checksum: checksum,
		txnIDs:   txnIDs,
		tracer:   tp.Tracer(instrumentation),
		requests: requests,
	}, nil
}

func (s *Service) start(ctx context.Context, rail, op, orderID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, rail+"."+op, trace.WithAttributes(
		attribute.String("pos.rail", rail),
		attribute.String("pos.order_id", orderID),
	))
}

// finish ends span and counts the operation. It returns err unchanged.
func (s *Service) finish(ctx context.Context, span trace.Span, rail, op string, err error) error {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	s.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rail", rail),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
	return err
}

// positive checks that amount is a bounded money value above zero.
func positive(amount decimal.Decimal) error {
	if err := order.ValidateAmount("amount", amount); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return apperr.Validation("amount must be positive")
	}
	return nil
}

// payable checks that an order exists and can still take money.
func (s *Service) payable(ctx context.Context, orderID string, amount decimal.Decimal) error {
	if err := positive(amount); err != nil {
		return err
	}
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if !o.Status.Open() {
		return apperr.InvalidState("order %s is %s", o.ID, o.Status)
	}
	return nil
}

// VerifySignedPayment authenticates a signature-rail payment and settles it
// online. A bad signature never reaches settlement.
func (s *Service) VerifySignedPayment(ctx context.Context, p SignedPayment) (_ *settlement.Result, err error) {
	ctx, span := s.start(ctx, railSigned, "verify", p.OrderID)
	defer func() { err = s.finish(ctx, span, railSigned, "verify", err) }()

	switch {
	case p.OrderID == "", p.GatewayOrderID == "", p.GatewayPaymentID == "", p.Signature == "":
		return nil, apperr.Validation("order id, gateway order id, payment id and signature are required")
	}
	if err := positive(p.Amount); err != nil {
		return nil, err
	}

	if !s.signed.VerifySignature(p.GatewayOrderID, p.GatewayPaymentID, p.Signature) {
		zctx.From(ctx).Warn("Rejected payment signature",
			zap.String("order_id", p.OrderID),
			zap.String("gateway_order_id", p.GatewayOrderID),
			zap.String("gateway_payment_id", p.GatewayPaymentID),
		)
		return nil, apperr.Validation("signature mismatch")
	}

	amount := p.Amount
	res, err := s.settler.Settle(ctx, settlement.Request{
		OrderID:   p.OrderID,
		Amount:    &amount,
		Method:    order.MethodOnline,
		Reference: p.GatewayPaymentID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "settle signed payment")
	}
	return res, nil
}

// CreateSignedOrder opens a signature-rail order for a local order. No local
// state changes.
func (s *Service) CreateSignedOrder(ctx context.Context, orderID string, amount decimal.Decimal) (_ *SignedOrder, err error) {
	ctx, span := s.start(ctx, railSigned, "create_order", orderID)
	defer func() { err = s.finish(ctx, span, railSigned, "create_order", err) }()

	if err := s.payable(ctx, orderID, amount); err != nil {
		return nil, err
	}
	id, err := s.signed.CreateOrder(ctx, orderID, amount)
	if err != nil {
		return nil, err
	}
	return &SignedOrder{OrderID: orderID, GatewayOrderID: id, Amount: amount}, nil
}

// InitiatePayment starts a hosted-page payment for a local order. No local
// state changes.
func (s *Service) InitiatePayment(ctx context.Context, orderID string, amount decimal.Decimal) (_ *Checkout, err error) {
	ctx, span := s.start(ctx, railChecksum, "pay", orderID)
	defer func() { err = s.finish(ctx, span, railChecksum, "pay", err) }()

	if err := s.payable(ctx, orderID, amount); err != nil {
		return nil, err
	}
	co, err := s.checksum.Pay(ctx, PayRequest{
		OrderID:       orderID,
		TransactionID: s.txnIDs.New(orderID),
		Amount:        amount,
	})
	if err != nil {
		return nil, err
	}
	zctx.From(ctx).Info("Initiated payment",
		zap.String("order_id", orderID),
		zap.String("txn", co.TransactionID),
		zap.String("amount", amount.StringFixed(2)),
	)
	return co, nil
}

// CheckPaymentStatus polls the checksum rail and settles a successful
// payment. Repeated polls of a settled transaction are idempotent.
func (s *Service) CheckPaymentStatus(ctx context.Context, orderID, transactionID string, amount decimal.Decimal) (_ *StatusResult, err error) {
	ctx, span := s.start(ctx, railChecksum, "status", orderID)
	defer func() { err = s.finish(ctx, span, railChecksum, "status", err) }()

	if transactionID == "" {
		return nil, apperr.Validation("transaction id required")
	}
	if err := positive(amount); err != nil {
		return nil, err
	}
	if !s.txnIDs.Belongs(transactionID, orderID) {
		return nil, apperr.Validation("transaction %s was not started for order %s", transactionID, orderID)
	}

	rep, err := s.checksum.Status(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if rep.State == StateSuccess && !rep.Amount.IsZero() && !rep.Amount.Equal(amount) {
		return nil, apperr.Validation("gateway collected %s, expected %s",
			rep.Amount.StringFixed(2), amount.StringFixed(2))
	}
	return s.apply(ctx, orderID, transactionID, amount, rep)
}

// HandleCallback verifies a checksum-rail callback for a local order and
// settles a successful payment with the amount the gateway collected.
func (s *Service) HandleCallback(ctx context.Context, orderID, xVerify string, body []byte) (_ *StatusResult, err error) {
	ctx, span := s.start(ctx, railChecksum, "callback", orderID)
	defer func() { err = s.finish(ctx, span, railChecksum, "callback", err) }()

	rep, err := s.checksum.ParseCallback(xVerify, body)
	if err != nil {
		return nil, err
	}
	if !s.txnIDs.Belongs(rep.TransactionID, orderID) {
		return nil, apperr.Validation("transaction %s was not started for order %s", rep.TransactionID, orderID)
	}
	if rep.State == StateSuccess {
		if err := positive(rep.Amount); err != nil {
			return nil, errors.Wrap(err, "callback amount")
		}
	}
	return s.apply(ctx, orderID, rep.TransactionID, rep.Amount, rep)
}

func (s *Service) apply(ctx context.Context, orderID, transactionID string, amount decimal.Decimal, rep *Report) (*StatusResult, error) {
	out := &StatusResult{
		OrderID:       orderID,
		TransactionID: transactionID,
		State:         rep.State,
		Code:          rep.Code,
	}
	if rep.State != StateSuccess {
		return out, nil
	}

	res, err := s.settler.Settle(ctx, settlement.Request{
		OrderID:   orderID,
		Amount:    &amount,
		Method:    order.MethodPhonePe,
		Reference: transactionID,
	})
	if err != nil {
		zctx.From(ctx).Error("Settle confirmed gateway payment",
			zap.String("order_id", orderID),
			zap.String("txn", transactionID),
			zap.String("amount", amount.StringFixed(2)),
			zap.Error(err),
		)
		return nil, errors.Wrap(err, "settle gateway payment")
	}
	out.Settlement = res
	return out, nil
}
