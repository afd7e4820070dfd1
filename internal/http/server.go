package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler, hub *Hub) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/events", hub.ServeWS)

	r.Route("/offers", func(r chi.Router) {
		r.Post("/", handler.CreateOffer)
		r.Get("/", handler.ListOffers)
		r.Get("/{offerId}", handler.GetOffer)
		r.Post("/{offerId}/accept", handler.AcceptOffer)
		r.Post("/{offerId}/confirm", handler.ConfirmOffer)
		r.Post("/{offerId}/cancel", handler.CancelOffer)
		r.Post("/{offerId}/dispute", handler.DisputeOffer)
	})

	r.Get("/wallets/{currency}", handler.GetWallet)

	r.Route("/audit", func(r chi.Router) {
		r.Get("/entries", handler.ListAuditEntries)
		r.Get("/verify", handler.VerifyAuditChain)
	})

	return &Server{Router: r}
}
