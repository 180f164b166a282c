package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/tablepos/internal/domain/order"
	"github.com/xenking/tablepos/internal/domain/settlement"
)

func decodeSubmit(d *jx.Decoder, key string, req *order.SubmitRequest) error {
	var err error
	switch key {
	case "tableLabel":
		req.TableLabel, err = d.Str()
	case "orderType":
		var v string
		v, err = d.Str()
		req.Type = order.Type(v)
	case "customerRef":
		var v string
		if v, err = d.Str(); err == nil {
			req.CustomerRef = &v
		}
	case "discount":
		disc := order.Discount{Kind: order.DiscountFixed}
		err = d.Obj(func(d *jx.Decoder, key string) error {
			switch key {
			case "kind":
				v, err := d.Str()
				disc.Kind = order.DiscountKind(v)
				return err
			case "value":
				v, err := decodeMoney(d)
				disc.Value = v
				return err
			default:
				return d.Skip()
			}
		})
		req.Discount = &disc
	case "items":
		err = d.Arr(func(d *jx.Decoder) error {
			var it order.ItemRequest
			if err := d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "menuItemId":
					it.MenuItemID, err = d.Str()
				case "quantity":
					it.Quantity, err = d.Int()
				default:
					err = d.Skip()
				}
				return err
			}); err != nil {
				return err
			}
			req.Items = append(req.Items, it)
			return nil
		})
	default:
		err = d.Skip()
	}
	return err
}

// SubmitItems handles POST /orders.
func (h *Handler) SubmitItems(w http.ResponseWriter, r *http.Request) {
	var req order.SubmitRequest
	if err := decodeObject(r, false, func(d *jx.Decoder, key string) error {
		return decodeSubmit(d, key, &req)
	}); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.orders.SubmitItems(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("order")
	encodeOrder(&e, res.Order)
	e.FieldStart("created")
	e.Bool(res.Created)
	e.FieldStart("skipped")
	e.ArrStart()
	for _, sk := range res.Skipped {
		e.ObjStart()
		e.FieldStart("menuItemId")
		e.Str(sk.MenuItemID)
		e.FieldStart("reason")
		e.Str(string(sk.Reason))
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("menu")
	e.ArrStart()
	for _, li := range res.Added {
		mi, ok := res.Menu[li.MenuItemID]
		if !ok {
			continue
		}
		e.ObjStart()
		e.FieldStart("id")
		e.Str(mi.ID)
		e.FieldStart("name")
		e.Str(mi.Name)
		encodeMoney(&e, "price", mi.Price)
		e.FieldStart("available")
		e.Bool(mi.Available)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, &e)
}

func (h *Handler) writeOrder(w http.ResponseWriter, r *http.Request, o *order.Order, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	var e jx.Encoder
	encodeOrder(&e, o)
	writeJSON(w, http.StatusOK, &e)
}

// GetOrder handles GET /orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"))
	h.writeOrder(w, r, o, err)
}

// MarkServed handles POST /orders/{id}/served.
func (h *Handler) MarkServed(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.MarkServed(r.Context(), chi.URLParam(r, "id"))
	h.writeOrder(w, r, o, err)
}

// Cancel handles POST /orders/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Cancel(r.Context(), chi.URLParam(r, "id"))
	h.writeOrder(w, r, o, err)
}

// UpdateStatus handles POST /orders/{id}/status.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var to order.Status
	if err := decodeObject(r, false, func(d *jx.Decoder, key string) error {
		if key != "status" {
			return d.Skip()
		}
		v, err := d.Str()
		to = order.Status(v)
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}

	o, err := h.orders.UpdateStatus(r.Context(), chi.URLParam(r, "id"), to)
	h.writeOrder(w, r, o, err)
}

// Settle handles POST /orders/{id}/settle. Omitting amount pays the whole
// remaining balance.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	req := settlement.Request{
		OrderID: chi.URLParam(r, "id"),
		Method:  order.MethodCash,
	}
	if err := decodeObject(r, true, func(d *jx.Decoder, key string) error {
		switch key {
		case "amount":
			if d.Next() == jx.Null {
				return d.Null()
			}
			v, err := decodeMoney(d)
			if err != nil {
				return err
			}
			req.Amount = &v
			return nil
		case "method":
			v, err := d.Str()
			req.Method = order.PaymentMethod(v)
			return err
		case "reference":
			v, err := d.Str()
			req.Reference = v
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.settlement.Settle(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var e jx.Encoder
	encodeSettlement(&e, res)
	writeJSON(w, http.StatusOK, &e)
}

// Shift handles POST /orders/{id}/shift.
func (h *Handler) Shift(w http.ResponseWriter, r *http.Request) {
	var target string
	if err := decodeObject(r, false, func(d *jx.Decoder, key string) error {
		if key != "tableId" {
			return d.Skip()
		}
		v, err := d.Str()
		target = v
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.seating.Shift(r.Context(), chi.URLParam(r, "id"), target)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("order")
	encodeOrder(&e, res.Order)
	if res.From != nil {
		e.FieldStart("from")
		encodeTable(&e, res.From)
	}
	e.FieldStart("to")
	encodeTable(&e, res.To)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

// decodeAmount reads an {"amount": ...} body.
func decodeAmount(r *http.Request) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := decodeObject(r, false, func(d *jx.Decoder, key string) error {
		if key != "amount" {
			return d.Skip()
		}
		v, err := decodeMoney(d)
		amount = v
		return err
	})
	return amount, err
}
