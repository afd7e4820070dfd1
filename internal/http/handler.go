package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"peerswap/internal/escrow"
	"peerswap/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerswap_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "peerswap_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"endpoint"})
)

type Handler struct {
	Escrow *escrow.Service
}

func NewHandler(svc *escrow.Service) *Handler {
	return &Handler{Escrow: svc}
}

type createOfferRequest struct {
	AmountSellCents  int64  `json:"amountSellCents"`
	CurrencySell     string `json:"currencySell"`
	AmountBuyCents   int64  `json:"amountBuyCents"`
	CurrencyBuy      string `json:"currencyBuy"`
	BeneficiaryPhone string `json:"beneficiaryPhone"`
	TTLHours         int    `json:"ttlHours"`
}

type acceptOfferRequest struct {
	BeneficiaryPhone string `json:"beneficiaryPhone"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type lockResponse struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	AmountCents   int64  `json:"amountCents"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	IntegrityHash string `json:"integrityHash"`
	ExpiresAt     string `json:"expiresAt"`
	ReleasedAt    string `json:"releasedAt,omitempty"`
}

type offerResponse struct {
	ID                     string         `json:"id"`
	OwnerID                string         `json:"ownerId"`
	AmountSellCents        int64          `json:"amountSellCents"`
	CurrencySell           string         `json:"currencySell"`
	AmountBuyCents         int64          `json:"amountBuyCents"`
	CurrencyBuy            string         `json:"currencyBuy"`
	Rate                   string         `json:"rate"`
	BeneficiarySellerPhone string         `json:"beneficiarySellerPhone"`
	BeneficiaryBuyerPhone  string         `json:"beneficiaryBuyerPhone,omitempty"`
	Status                 string         `json:"status"`
	AcceptorID             string         `json:"acceptorId,omitempty"`
	AcceptedAt             string         `json:"acceptedAt,omitempty"`
	CreatedAt              string         `json:"createdAt"`
	ExpiresAt              string         `json:"expiresAt"`
	Locks                  []lockResponse `json:"locks,omitempty"`
}

func toOfferResponse(offer *models.Offer) offerResponse {
	resp := offerResponse{
		ID:                     offer.ID,
		OwnerID:                offer.OwnerID,
		AmountSellCents:        offer.AmountSellCents,
		CurrencySell:           offer.CurrencySell,
		AmountBuyCents:         offer.AmountBuyCents,
		CurrencyBuy:            offer.CurrencyBuy,
		Rate:                   offer.Rate,
		BeneficiarySellerPhone: offer.BeneficiarySellerPhone,
		Status:                 string(offer.Status),
		CreatedAt:              offer.CreatedAt.Format(time.RFC3339),
		ExpiresAt:              offer.ExpiresAt.Format(time.RFC3339),
	}
	if offer.BeneficiaryBuyerPhone != nil {
		resp.BeneficiaryBuyerPhone = *offer.BeneficiaryBuyerPhone
	}
	if offer.AcceptorID != nil {
		resp.AcceptorID = *offer.AcceptorID
	}
	if offer.AcceptedAt != nil {
		resp.AcceptedAt = offer.AcceptedAt.Format(time.RFC3339)
	}
	for _, lock := range offer.Locks {
		lr := lockResponse{
			ID:            lock.ID,
			UserID:        lock.UserID,
			AmountCents:   lock.AmountCents,
			Currency:      lock.Currency,
			Status:        string(lock.Status),
			IntegrityHash: lock.IntegrityHash,
			ExpiresAt:     lock.ExpiresAt.Format(time.RFC3339),
		}
		if lock.ReleasedAt != nil {
			lr.ReleasedAt = lock.ReleasedAt.Format(time.RFC3339)
		}
		resp.Locks = append(resp.Locks, lr)
	}
	return resp
}

func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	defer prometheus.NewTimer(httpLatency.WithLabelValues("create_offer")).ObserveDuration()

	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		respond(w, "create_offer", http.StatusUnauthorized, map[string]string{"error": "missing user id"})
		return
	}

	var req createOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, "create_offer", http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}

	offer, err := h.Escrow.CreateOffer(r.Context(), userID,
		req.AmountSellCents, req.CurrencySell,
		req.AmountBuyCents, req.CurrencyBuy,
		req.BeneficiaryPhone, time.Duration(req.TTLHours)*time.Hour)
	if err != nil {
		h.respondServiceError(w, "create_offer", err)
		return
	}
	respond(w, "create_offer", http.StatusCreated, toOfferResponse(offer))
}

func (h *Handler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	defer prometheus.NewTimer(httpLatency.WithLabelValues("accept_offer")).ObserveDuration()

	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		respond(w, "accept_offer", http.StatusUnauthorized, map[string]string{"error": "missing user id"})
		return
	}

	var req acceptOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, "accept_offer", http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}

	offer, err := h.Escrow.AcceptOffer(r.Context(), userID, chi.URLParam(r, "offerId"), req.BeneficiaryPhone)
	if err != nil {
		h.respondServiceError(w, "accept_offer", err)
		return
	}
	respond(w, "accept_offer", http.StatusOK, toOfferResponse(offer))
}

func (h *Handler) ConfirmOffer(w http.ResponseWriter, r *http.Request) {
	defer prometheus.NewTimer(httpLatency.WithLabelValues("confirm_offer")).ObserveDuration()

	offer, err := h.Escrow.ConfirmOffer(r.Context(), chi.URLParam(r, "offerId"))
	if err != nil {
		h.respondServiceError(w, "confirm_offer", err)
		return
	}
	respond(w, "confirm_offer", http.StatusOK, toOfferResponse(offer))
}

func (h *Handler) CancelOffer(w http.ResponseWriter, r *http.Request) {
	defer prometheus.NewTimer(httpLatency.WithLabelValues("cancel_offer")).ObserveDuration()

	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		respond(w, "cancel_offer", http.StatusUnauthorized, map[string]string{"error": "missing user id"})
		return
	}

	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, "cancel_offer", http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}

	offer, err := h.Escrow.CancelOffer(r.Context(), chi.URLParam(r, "offerId"), userID, req.Reason)
	if err != nil {
		h.respondServiceError(w, "cancel_offer", err)
		return
	}
	respond(w, "cancel_offer", http.StatusOK, toOfferResponse(offer))
}

func (h *Handler) DisputeOffer(w http.ResponseWriter, r *http.Request) {
	defer prometheus.NewTimer(httpLatency.WithLabelValues("dispute_offer")).ObserveDuration()

	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		respond(w, "dispute_offer", http.StatusUnauthorized, map[string]string{"error": "missing user id"})
		return
	}

	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, "dispute_offer", http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}

	offer, err := h.Escrow.DisputeOffer(r.Context(), chi.URLParam(r, "offerId"), userID, req.Reason)
	if err != nil {
		h.respondServiceError(w, "dispute_offer", err)
		return
	}
	respond(w, "dispute_offer", http.StatusOK, toOfferResponse(offer))
}

func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.Escrow.GetOffer(r.Context(), chi.URLParam(r, "offerId"))
	if err != nil {
		h.respondServiceError(w, "get_offer", err)
		return
	}
	respond(w, "get_offer", http.StatusOK, toOfferResponse(offer))
}

func (h *Handler) ListOffers(w http.ResponseWriter, r *http.Request) {
	status := models.OfferStatus(r.URL.Query().Get("status"))
	offers, err := h.Escrow.ListOffers(r.Context(), status)
	if err != nil {
		h.respondServiceError(w, "list_offers", err)
		return
	}
	resp := make([]offerResponse, 0, len(offers))
	for _, offer := range offers {
		resp = append(resp, toOfferResponse(offer))
	}
	respond(w, "list_offers", http.StatusOK, resp)
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		respond(w, "get_wallet", http.StatusUnauthorized, map[string]string{"error": "missing user id"})
		return
	}
	summary, err := h.Escrow.Wallet(r.Context(), userID, chi.URLParam(r, "currency"))
	if err != nil {
		h.respondServiceError(w, "get_wallet", err)
		return
	}
	respond(w, "get_wallet", http.StatusOK, summary)
}

func (h *Handler) VerifyAuditChain(w http.ResponseWriter, r *http.Request) {
	result, err := h.Escrow.VerifyAuditChain(r.Context(), r.URL.Query().Get("from"))
	if err != nil {
		h.respondServiceError(w, "verify_audit", err)
		return
	}
	respond(w, "verify_audit", http.StatusOK, result)
}

func (h *Handler) ListAuditEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Escrow.ListAuditEntries(r.Context())
	if err != nil {
		h.respondServiceError(w, "list_audit", err)
		return
	}
	type entryResponse struct {
		ID           string         `json:"id"`
		Timestamp    string         `json:"timestamp"`
		Action       string         `json:"action"`
		ActorUserID  string         `json:"actorUserId"`
		OfferID      string         `json:"offerId,omitempty"`
		Details      map[string]any `json:"details"`
		PreviousHash string         `json:"previousHash"`
		Hash         string         `json:"hash"`
	}
	resp := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		er := entryResponse{
			ID:           e.ID,
			Timestamp:    e.Timestamp.Format(time.RFC3339Nano),
			Action:       string(e.Action),
			ActorUserID:  e.ActorUserID,
			Details:      e.Details,
			PreviousHash: e.PreviousHash,
			Hash:         e.Hash,
		}
		if e.OfferID != nil {
			er.OfferID = *e.OfferID
		}
		resp = append(resp, er)
	}
	respond(w, "list_audit", http.StatusOK, resp)
}

func (h *Handler) respondServiceError(w http.ResponseWriter, endpoint string, err error) {
	switch {
	case errors.Is(err, escrow.ErrKycRequired), errors.Is(err, escrow.ErrNotAuthorized):
		respond(w, endpoint, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, escrow.ErrOfferNotFound), errors.Is(err, escrow.ErrAuditEntryNotFound):
		respond(w, endpoint, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, escrow.ErrOfferNotAvailable):
		respond(w, endpoint, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInsufficientFunds),
		errors.Is(err, escrow.ErrCurrencyMismatch),
		errors.Is(err, escrow.ErrSelfDealingNotAllowed),
		errors.Is(err, escrow.ErrBeneficiaryNotFound):
		respond(w, endpoint, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, escrow.ErrBusy):
		w.Header().Set("Retry-After", "1")
		respond(w, endpoint, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case errors.Is(err, escrow.ErrInconsistentLockCount):
		log.Printf("data integrity alert on %s: %v", endpoint, err)
		respond(w, endpoint, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		log.Printf("%s failed: %v", endpoint, err)
		respond(w, endpoint, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func respond(w http.ResponseWriter, endpoint string, status int, payload any) {
	httpReqTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	writeJSON(w, status, payload)
}
