package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/korepay/reconciler/internal/models"
	"github.com/korepay/reconciler/internal/provider"
	service "github.com/korepay/reconciler/internal/services"
	pkgerrors "github.com/korepay/reconciler/pkg/errors"
)

type Handler struct {
	service service.ReconciliationService
}

func NewHandler(s service.ReconciliationService) *Handler {
	return &Handler{service: s}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/callbacks/provider", h.ProviderCallback).Methods("POST")
	r.HandleFunc("/registrations/{id}/status", h.RegistrationStatus).Methods("GET")
}

func (h *Handler) RegisterProtectedRoutes(r *mux.Router) {
	r.HandleFunc("/payments", h.InitiatePayment).Methods("POST")
	r.HandleFunc("/transactions", h.ListTransactions).Methods("GET")
	r.HandleFunc("/transactions/{id}", h.GetTransaction).Methods("GET")
	r.HandleFunc("/transactions/{id}/poll", h.PollTransaction).Methods("POST")
}

// ProviderCallback ingests provider push notifications. The provider always
// gets a transport-level success ack once the payload parses, even when the
// correlation token does not resolve; anything else triggers retry storms on
// their side. Internal failures are recorded, never surfaced.
func (h *Handler) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	var payload provider.StatusPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, pkgerrors.ErrMalformedEvent)
		return
	}

	tx, err := h.service.HandleCallback(r.Context(), &payload)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrMalformedEvent) {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		// Unresolved correlation or internal failure: generic ack.
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  string(tx.State),
	})
}

func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind        string `json:"kind"`
		Amount      int64  `json:"amount"`
		Destination string `json:"destination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	tx, err := h.service.Initiate(r.Context(), models.TransactionKind(req.Kind), req.Amount, req.Destination)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrInvalidTransactionKind) || errors.Is(err, pkgerrors.ErrInvalidInput) {
			h.writeError(w, http.StatusBadRequest, err)
		} else if errors.Is(err, pkgerrors.ErrProviderUnavailable) {
			h.writeError(w, http.StatusBadGateway, err)
		} else {
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, tx)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tx, err := h.service.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrTransactionNotFound) {
			h.writeError(w, http.StatusNotFound, err)
		} else {
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

// PollTransaction runs an on-demand status poll. The caller always gets the
// best-known state: a failed provider query still returns 200 with the
// pending record.
func (h *Handler) PollTransaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tx, err := h.service.Poll(r.Context(), id)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrTransactionNotFound) {
			h.writeError(w, http.StatusNotFound, err)
		} else {
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

// RegistrationStatus is the unauthenticated poll for registration-fee
// payments, checked by payers who do not have a session yet. Transactions of
// any other kind are reported as not found.
func (h *Handler) RegistrationStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tx, err := h.service.GetRegistrationStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrTransactionNotFound) || errors.Is(err, pkgerrors.ErrNotPollable) {
			h.writeError(w, http.StatusNotFound, pkgerrors.ErrTransactionNotFound)
		} else {
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":    tx.ID,
		"state": string(tx.State),
	})
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, errors.New("limit must be an integer"))
			return
		}
		limit = parsed
	}

	txs, err := h.service.History(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list transactions", "error", err)
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txs)
}
