package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/tablepos/internal/domain/apperr"
	"github.com/xenking/tablepos/internal/domain/menu"
	"github.com/xenking/tablepos/internal/domain/order"
	"github.com/xenking/tablepos/internal/domain/payment"
	"github.com/xenking/tablepos/internal/domain/seating"
	"github.com/xenking/tablepos/internal/domain/settlement"
	"github.com/xenking/tablepos/internal/domain/table"
	"github.com/xenking/tablepos/internal/gateway/razorpay"
	"github.com/xenking/tablepos/internal/handler"
	"github.com/xenking/tablepos/internal/storage/memory"
	"github.com/xenking/tablepos/pkg/httpmiddleware"
)

const signingSecret = "rzp-test-secret"

// --- Fakes ---

// fakeChecksum is a checksum rail whose transaction states are set by tests.
type fakeChecksum struct {
	mu      sync.Mutex
	reports map[string]payment.Report
	payErr  error
	polls   int
}

func (f *fakeChecksum) set(txn string, state payment.State, amount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	code := map[payment.State]string{
		payment.StateSuccess: "PAYMENT_SUCCESS",
		payment.StatePending: "PAYMENT_PENDING",
		payment.StateFailed:  "PAYMENT_ERROR",
	}[state]
	f.reports[txn] = payment.Report{
		TransactionID: txn,
		Code:          code,
		State:         state,
		Amount:        decimal.RequireFromString(amount),
	}
}

func (f *fakeChecksum) Pay(_ context.Context, req payment.PayRequest) (*payment.Checkout, error) {
	if f.payErr != nil {
		return nil, f.payErr
	}
	return &payment.Checkout{
		OrderID:       req.OrderID,
		TransactionID: req.TransactionID,
		RedirectURL:   "https://pay.example/" + req.TransactionID,
		Amount:        req.Amount,
	}, nil
}

func (f *fakeChecksum) Status(_ context.Context, txn string) (*payment.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	rep, ok := f.reports[txn]
	if !ok {
		return nil, &apperr.GatewayError{Gateway: "phonepe", Op: "status", StatusCode: http.StatusNotFound}
	}
	return &rep, nil
}

func (f *fakeChecksum) ParseCallback(string, []byte) (*payment.Report, error) {
	return nil, apperr.Validation("checksum mismatch")
}

// --- Helpers ---

var txnIDs = payment.NewTransactionIDs("phonepe-salt")

type env struct {
	store   *memory.Store
	gateway *fakeChecksum
	srv     *httptest.Server
}

func newEnv(t *testing.T, cfg handler.Config) *env {
	t.Helper()

	store := memory.New()
	store.AddTable(table.Table{ID: "t1", Label: "T1", Capacity: 4, Status: table.StatusFree})
	store.AddTable(table.Table{ID: "t2", Label: "T2", Capacity: 2, Status: table.StatusFree})
	store.AddTable(table.Table{ID: "t3", Label: "T3", Capacity: 6, Status: table.StatusOccupied})
	store.AddMenuItem(menu.Item{ID: "thali", Name: "Veg Thali", Price: decimal.NewFromInt(250), Available: true})
	store.AddMenuItem(menu.Item{ID: "naan", Name: "Butter Naan", Price: decimal.NewFromInt(50), Available: true})
	store.AddMenuItem(menu.Item{ID: "lassi", Name: "Mango Lassi", Price: decimal.NewFromInt(80), Available: false})

	mp := metricnoop.NewMeterProvider()
	orders := order.NewService(store, store, nil)
	engine, err := settlement.NewEngine(store, mp)
	require.NoError(t, err)
	seats := seating.NewCoordinator(store, nil)

	gw := &fakeChecksum{reports: map[string]payment.Report{}}
	signed := razorpay.New(razorpay.Config{KeySecret: signingSecret}, &http.Client{Timeout: time.Second})
	payments, err := payment.NewService(engine, orders, signed, gw, txnIDs, tracenoop.NewTracerProvider(), mp)
	require.NoError(t, err)

	h := handler.NewHandler(cfg, orders, engine, seats, payments)
	r := chi.NewRouter()
	r.Route("/api", h.Routes)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &env{store: store, gateway: gw, srv: srv}
}

func (e *env) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(v))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type totalsResponse struct {
	Subtotal       string `json:"subtotal"`
	DiscountAmount string `json:"discountAmount"`
	Taxable        string `json:"taxable"`
	TotalPaid      string `json:"totalPaid"`
	Remaining      string `json:"remaining"`
}

type orderResponse struct {
	ID           string `json:"id"`
	TableID      string `json:"tableId"`
	TableLabel   string `json:"tableLabel"`
	Status       string `json:"status"`
	LineSubtotal string `json:"lineSubtotal"`
	Items        []struct {
		MenuItemID string `json:"menuItemId"`
		UnitPrice  string `json:"unitPrice"`
		Quantity   int    `json:"quantity"`
		Status     string `json:"status"`
	} `json:"items"`
	Payments []struct {
		Amount    string `json:"amount"`
		Method    string `json:"method"`
		Reference string `json:"reference"`
	} `json:"payments"`
	Totals totalsResponse `json:"totals"`
}

type submitResponse struct {
	Order   orderResponse `json:"order"`
	Created bool          `json:"created"`
	Skipped []struct {
		MenuItemID string `json:"menuItemId"`
		Reason     string `json:"reason"`
	} `json:"skipped"`
}

type settleResponse struct {
	OrderID    string `json:"orderId"`
	Status     string `json:"status"`
	Remaining  string `json:"remaining"`
	Paid       string `json:"paid"`
	TableFreed bool   `json:"tableFreed"`
	Duplicate  bool   `json:"duplicate"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type statusResponse struct {
	State      string          `json:"state"`
	Settlement *settleResponse `json:"settlement"`
}

// submit opens a bill of 4 thalis (1000.00) with a 10% discount on T1.
func (e *env) submit(t *testing.T) submitResponse {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/orders", map[string]any{
		"tableLabel": "T1",
		"items":      []map[string]any{{"menuItemId": "thali", "quantity": 4}},
		"discount":   map[string]any{"kind": "PERCENT", "value": "10"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeJSON[submitResponse](t, resp)
}

func (e *env) tableStatus(t *testing.T, id string) table.Status {
	t.Helper()
	tb, ok := e.store.TableSnapshot(id)
	require.True(t, ok)
	return tb.Status
}

// --- Order lifecycle ---

func TestSubmitItems_CreatesAndMerges(t *testing.T) {
	e := newEnv(t, handler.Config{})

	first := e.submit(t)
	assert.True(t, first.Created)
	assert.Equal(t, "PENDING", first.Order.Status)
	assert.Equal(t, "T1", first.Order.TableLabel)
	assert.Equal(t, "1000.00", first.Order.LineSubtotal)
	assert.Equal(t, "900.00", first.Order.Totals.Taxable)
	assert.Equal(t, table.StatusOccupied, e.tableStatus(t, "t1"))

	resp := e.do(t, http.MethodPost, "/api/orders", map[string]any{
		"tableLabel": "T1",
		"items": []map[string]any{
			{"menuItemId": "naan", "quantity": 2},
			{"menuItemId": "lassi", "quantity": 1},
			{"menuItemId": "ghost", "quantity": 1},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decodeJSON[submitResponse](t, resp)

	assert.False(t, second.Created)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, "1100.00", second.Order.LineSubtotal)
	assert.Equal(t, "990.00", second.Order.Totals.Taxable, "percent discount applies to the new subtotal")
	require.Len(t, second.Order.Items, 2)
	require.Len(t, second.Skipped, 2)
	assert.Equal(t, "lassi", second.Skipped[0].MenuItemID)
	assert.Equal(t, "UNAVAILABLE", second.Skipped[0].Reason)
	assert.Equal(t, "ghost", second.Skipped[1].MenuItemID)
	assert.Equal(t, "UNKNOWN_ITEM", second.Skipped[1].Reason)
}

func TestSubmitItems_Errors(t *testing.T) {
	e := newEnv(t, handler.Config{})

	tests := []struct {
		name string
		body any
		want int
	}{
		{name: "malformed json", body: `{"tableLabel":`, want: http.StatusBadRequest},
		{name: "zero quantity", body: map[string]any{
			"tableLabel": "T1",
			"items":      []map[string]any{{"menuItemId": "thali", "quantity": 0}},
		}, want: http.StatusUnprocessableEntity},
		{name: "unknown discount kind", body: map[string]any{
			"tableLabel": "T1",
			"items":      []map[string]any{{"menuItemId": "thali", "quantity": 1}},
			"discount":   map[string]any{"kind": "BOGO", "value": "1"},
		}, want: http.StatusUnprocessableEntity},
		{name: "discount with three decimals", body: map[string]any{
			"tableLabel": "T1",
			"items":      []map[string]any{{"menuItemId": "thali", "quantity": 1}},
			"discount":   map[string]any{"kind": "PERCENT", "value": "12.345"},
		}, want: http.StatusBadRequest},
		{name: "unknown table", body: map[string]any{
			"tableLabel": "T99",
			"items":      []map[string]any{{"menuItemId": "thali", "quantity": 1}},
		}, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.do(t, http.MethodPost, "/api/orders", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			body := decodeJSON[errorResponse](t, resp)
			assert.Equal(t, tt.want, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestMarkServedAndCancel(t *testing.T) {
	e := newEnv(t, handler.Config{})
	sub := e.submit(t)

	resp := e.do(t, http.MethodPost, "/api/orders/"+sub.Order.ID+"/served", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	served := decodeJSON[orderResponse](t, resp)
	assert.Equal(t, "PENDING", served.Status, "serving items does not move the order")
	for _, li := range served.Items {
		assert.Equal(t, "SERVED", li.Status)
	}

	resp = e.do(t, http.MethodPost, "/api/orders/"+sub.Order.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CANCELLED", decodeJSON[orderResponse](t, resp).Status)
	assert.Equal(t, table.StatusFree, e.tableStatus(t, "t1"))

	resp = e.do(t, http.MethodPost, "/api/orders/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateStatus(t *testing.T) {
	e := newEnv(t, handler.Config{})
	sub := e.submit(t)

	resp := e.do(t, http.MethodPost, "/api/orders/"+sub.Order.ID+"/status", map[string]string{"status": "CONFIRMED"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CONFIRMED", decodeJSON[orderResponse](t, resp).Status)

	resp = e.do(t, http.MethodPost, "/api/orders/"+sub.Order.ID+"/status", map[string]string{"status": "COMPLETED"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// --- Settlement ---

func TestSettle_PartialThenFull(t *testing.T) {
	e := newEnv(t, handler.Config{})
	sub := e.submit(t)
	path := "/api/orders/" + sub.Order.ID + "/settle"

	resp := e.do(t, http.MethodPost, path, map[string]string{"amount": "400", "method": "CARD"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	partial := decodeJSON[settleResponse](t, resp)
	assert.Equal(t, "PARTIAL", partial.Status)
	assert.Equal(t, "500.00", partial.Remaining)
	assert.Equal(t, table.StatusOccupied, e.tableStatus(t, "t1"))

	// No body settles the remaining balance in cash.
	resp = e.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	full := decodeJSON[settleResponse](t, resp)
	assert.Equal(t, "COMPLETED", full.Status)
	assert.Equal(t, "500.00", full.Paid)
	assert.Equal(t, "0.00", full.Remaining)
	assert.True(t, full.TableFreed)
	assert.Equal(t, table.StatusFree, e.tableStatus(t, "t1"))

	// Settling a paid order again records nothing.
	resp = e.do(t, http.MethodPost, path, map[string]string{"method": "CASH"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	again := decodeJSON[settleResponse](t, resp)
	assert.Equal(t, "COMPLETED", again.Status)
	assert.Equal(t, "0.00", again.Paid)

	o, ok := e.store.OrderSnapshot(sub.Order.ID)
	require.True(t, ok)
	assert.Len(t, o.Payments, 2)
}

func TestSettle_Errors(t *testing.T) {
	e := newEnv(t, handler.Config{})
	sub := e.submit(t)
	path := "/api/orders/" + sub.Order.ID + "/settle"

	resp := e.do(t, http.MethodPost, path, map[string]string{"amount": "901", "method": "CASH"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "overpayment")

	resp = e.do(t, http.MethodPost, path, map[string]string{"amount": "10", "method": "BITCOIN"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = e.do(t, http.MethodPost, path, map[string]any{"amount": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	for _, body := range []string{
		`{"amount":1e100000000,"method":"CASH"}`,
		`{"amount":"1e100000000","method":"CASH"}`,
		`{"amount":"10.005","method":"CASH"}`,
		`{"amount":"12345678901","method":"CASH"}`,
		`{"amount":"1_0","method":"CASH"}`,
	} {
		resp = e.do(t, http.MethodPost, path, body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
	o, _ := e.store.OrderSnapshot(sub.Order.ID)
	assert.Empty(t, o.Payments)

	resp = e.do(t, http.MethodPost, "/api/orders/missing/settle", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestActiveOrder(t *testing.T) {
	e := newEnv(t, handler.Config{})

	resp := e.do(t, http.MethodGet, "/api/tables/t1/active-order", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	sub := e.submit(t)
	e.do(t, http.MethodPost, "/api/orders/"+sub.Order.ID+"/settle", map[string]any{"amount": 100, "method": "CASH"})

	resp = e.do(t, http.MethodGet, "/api/tables/t1/active-order", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decodeJSON[struct {
		Table struct {
			Label  string `json:"label"`
			Status string `json:"status"`
		} `json:"table"`
		Order orderResponse `json:"order"`
	}](t, resp)
	assert.Equal(t, "T1", view.Table.Label)
	assert.Equal(t, sub.Order.ID, view.Order.ID)
	assert.Equal(t, "100.00", view.Order.Totals.TotalPaid)
	assert.Equal(t, "100.00", view.Order.Totals.DiscountAmount)
	assert.Equal(t, "800.00", view.Order.Totals.Remaining)

	resp = e.do(t, http.MethodGet, "/api/tables/nope/active-order", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// --- Seating ---

func TestShift(t *testing.T) {
	e := newEnv(t, handler.Config{})
	sub := e.submit(t)
	path := "/api/orders/" + sub.Order.ID + "/shift"

	resp := e.do(t, http.MethodPost, path, map[string]string{"tableId": "t3"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "target is occupied")
	assert.Equal(t, table.StatusOccupied, e.tableStatus(t, "t1"))

	resp = e.do(t, http.MethodPost, path, map[string]string{"tableId": "t2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeJSON[struct {
		Order orderResponse `json:"order"`
		From  struct {
			Status string `json:"status"`
		} `json:"from"`
		To struct {
			Label  string `json:"label"`
			Status string `json:"status"`
		} `json:"to"`
	}](t, resp)
	assert.Equal(t, "T2", res.Order.TableLabel)
	assert.Equal(t, "FREE", res.From.Status)
	assert.Equal(t, "OCCUPIED", res.To.Status)
	assert.Equal(t, table.StatusFree, e.tableStatus(t, "t1"))
	assert.Equal(t, table.StatusOccupied, e.tableStatus(t, "t2"))
}

func TestShiftTableAndRename(t *testing.T) {
	e := newEnv(t, handler.Config{})
	sub := e.submit(t)

	resp := e.do(t, http.MethodPost, "/api/tables/t2/shift", map[string]string{"toTableId": "t1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "source is free")

	resp = e.do(t, http.MethodPost, "/api/tables/t1/shift", map[string]string{"toTableId": "t2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, decodeJSON[struct {
		Moved int64 `json:"moved"`
	}](t, resp).Moved)

	resp = e.do(t, http.MethodPatch, "/api/tables/t2", map[string]string{"label": "Patio 2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/orders/"+sub.Order.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	o := decodeJSON[orderResponse](t, resp)
	assert.Equal(t, "t2", o.TableID)
	assert.Equal(t, "Patio 2", o.TableLabel)

	resp = e.do(t, http.MethodPatch, "/api/tables/t2", map[string]string{"label": "T3"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "label taken")
}

// --- Payments ---

func TestVerifySignedPayment(t *testing.T) {
	e := newEnv(t, handler.Config{})
	sub := e.submit(t)
	path := "/api/orders/" + sub.Order.ID + "/payments/razorpay/verify"

	resp := e.do(t, http.MethodPost, path, map[string]string{
		"gatewayOrderId":   "order_A1",
		"gatewayPaymentId": "pay_B2",
		"signature":        razorpay.Sign("wrong-secret", "order_A1", "pay_B2"),
		"amount":           "900",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "signature mismatch", decodeJSON[errorResponse](t, resp).Message)

	o, _ := e.store.OrderSnapshot(sub.Order.ID)
	assert.Empty(t, o.Payments)
	assert.Equal(t, order.StatusPending, o.Status)

	resp = e.do(t, http.MethodPost, path, map[string]string{
		"gatewayOrderId":   "order_A1",
		"gatewayPaymentId": "pay_B2",
		"signature":        razorpay.Sign(signingSecret, "order_A1", "pay_B2"),
		"amount":           "900",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeJSON[settleResponse](t, resp)
	assert.Equal(t, "COMPLETED", res.Status)
	assert.Equal(t, "900.00", res.Paid)
}

func TestCheckPaymentStatus_PendingThenSuccess(t *testing.T) {
	e := newEnv(t, handler.Config{})
	sub := e.submit(t)

	resp := e.do(t, http.MethodPost, "/api/orders/"+sub.Order.ID+"/payments/phonepe", map[string]string{"amount": "900"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	co := decodeJSON[struct {
		TransactionID string `json:"transactionId"`
		RedirectURL   string `json:"redirectUrl"`
	}](t, resp)
	require.NotEmpty(t, co.TransactionID)
	assert.Equal(t, "https://pay.example/"+co.TransactionID, co.RedirectURL)

	path := "/api/orders/" + sub.Order.ID + "/payments/phonepe/" + co.TransactionID + "?amount=900"

	e.gateway.set(co.TransactionID, payment.StatePending, "900")
	resp = e.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending := decodeJSON[statusResponse](t, resp)
	assert.Equal(t, "PENDING", pending.State)
	assert.Nil(t, pending.Settlement)
	o, _ := e.store.OrderSnapshot(sub.Order.ID)
	assert.Empty(t, o.Payments)

	e.gateway.set(co.TransactionID, payment.StateSuccess, "900")
	resp = e.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decodeJSON[statusResponse](t, resp)
	assert.Equal(t, "SUCCESS", done.State)
	require.NotNil(t, done.Settlement)
	assert.Equal(t, "COMPLETED", done.Settlement.Status)

	// A repeated poll of a settled transaction records nothing new.
	resp = e.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	again := decodeJSON[statusResponse](t, resp)
	require.NotNil(t, again.Settlement)
	assert.True(t, again.Settlement.Duplicate)

	o, _ = e.store.OrderSnapshot(sub.Order.ID)
	require.Len(t, o.Payments, 1)
	assert.Equal(t, order.MethodPhonePe, o.Payments[0].Method)
	assert.Equal(t, co.TransactionID, o.Payments[0].Reference)
}

func TestPaymentErrors(t *testing.T) {
	e := newEnv(t, handler.Config{})
	sub := e.submit(t)
	base := "/api/orders/" + sub.Order.ID + "/payments/phonepe"

	unknown := txnIDs.New(sub.Order.ID)
	resp := e.do(t, http.MethodGet, base+"/"+unknown+"?amount=900", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp = e.do(t, http.MethodGet, base+"/"+unknown, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	foreign := txnIDs.New("another-order")
	e.gateway.set(foreign, payment.StateSuccess, "900")
	resp = e.do(t, http.MethodGet, base+"/"+foreign+"?amount=900", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "transaction started for another order")

	resp = e.do(t, http.MethodGet, base+"/"+unknown+"?amount=1e100000000", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, base+"/callback", `{"response":"e30="}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	e.gateway.payErr = &apperr.GatewayError{Gateway: "phonepe", Op: "pay", StatusCode: http.StatusServiceUnavailable}
	resp = e.do(t, http.MethodPost, base, map[string]string{"amount": "900"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	o, _ := e.store.OrderSnapshot(sub.Order.ID)
	assert.Empty(t, o.Payments)
}

func TestCheckPaymentStatus_RateLimited(t *testing.T) {
	e := newEnv(t, handler.Config{
		PollLimiter: httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
			Max:     2,
			Window:  time.Minute,
			KeyFunc: handler.OrderKey,
		}),
	})
	sub := e.submit(t)
	txn := txnIDs.New(sub.Order.ID)
	e.gateway.set(txn, payment.StatePending, "900")

	path := "/api/orders/" + sub.Order.ID + "/payments/phonepe/" + txn + "?amount=900"
	for range 2 {
		resp := e.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := e.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, 2, e.gateway.polls)
}
