package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
)

// ActiveOrder handles GET /tables/{id}/active-order.
func (h *Handler) ActiveOrder(w http.ResponseWriter, r *http.Request) {
	v, err := h.settlement.ActiveOrderView(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("table")
	encodeTable(&e, &v.Table)
	e.FieldStart("order")
	encodeOrder(&e, v.Order)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

// ShiftTable handles POST /tables/{id}/shift, moving every open order of
// the table to toTableId.
func (h *Handler) ShiftTable(w http.ResponseWriter, r *http.Request) {
	var to string
	if err := decodeObject(r, false, func(d *jx.Decoder, key string) error {
		if key != "toTableId" {
			return d.Skip()
		}
		v, err := d.Str()
		to = v
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}

	from := chi.URLParam(r, "id")
	moved, err := h.seating.ShiftByTablePair(r.Context(), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("fromTableId")
	e.Str(from)
	e.FieldStart("toTableId")
	e.Str(to)
	e.FieldStart("moved")
	e.Int64(moved)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

// RenameTable handles PATCH /tables/{id}.
func (h *Handler) RenameTable(w http.ResponseWriter, r *http.Request) {
	var label string
	if err := decodeObject(r, false, func(d *jx.Decoder, key string) error {
		if key != "label" {
			return d.Skip()
		}
		v, err := d.Str()
		label = v
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}

	t, err := h.seating.RenameTable(r.Context(), chi.URLParam(r, "id"), label)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var e jx.Encoder
	encodeTable(&e, t)
	writeJSON(w, http.StatusOK, &e)
}
