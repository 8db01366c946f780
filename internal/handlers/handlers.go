package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/aaronwang/live-auction/internal/auction"
	"github.com/aaronwang/live-auction/internal/auth"
	"github.com/aaronwang/live-auction/internal/ledger"
	"github.com/aaronwang/live-auction/internal/models"
	"github.com/aaronwang/live-auction/internal/uploads"
	"github.com/aaronwang/live-auction/internal/websocket"
)

// multipart bodies may carry form fields on top of the image itself
const formOverhead = 1 << 20

// Handler contains HTTP request handlers
type Handler struct {
	auction *auction.Service
	auth    *auth.Service
	uploads *uploads.Store
	limiter *RateLimiter
	ws      *websocket.Handler
}

// NewHandler creates a new HTTP handler
func NewHandler(svc *auction.Service, authSvc *auth.Service, store *uploads.Store, limiter *RateLimiter) *Handler {
	return &Handler{
		auction: svc,
		auth:    authSvc,
		uploads: store,
		limiter: limiter,
		ws:      websocket.NewHandler(svc, authSvc),
	}
}

// LoginRequest is the body of POST /api/v1/login
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse returns the session token; bidders also get their account
type LoginResponse struct {
	Token    string                `json:"token"`
	Username string                `json:"username"`
	Role     auth.Role             `json:"role"`
	Account  *models.BidderAccount `json:"account,omitempty"`
}

// AddItemRequest is the JSON body of POST /api/v1/items
type AddItemRequest struct {
	Name       string             `json:"name"`
	Category   string             `json:"category"`
	Stats      map[string]float64 `json:"stats,omitempty"`
	Attributes map[string]string  `json:"attributes,omitempty"`
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/ws", h.ws.HandleWebSocket).Methods("GET")
	router.HandleFunc("/uploads/{name}", h.ServeUpload).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/login", h.Login).Methods("POST")
	api.HandleFunc("/auction", h.GetAuction).Methods("GET")
	api.Handle("/logout", h.requireRole(h.Logout, auth.RoleOperator, auth.RoleBidder, auth.RoleSpectator)).Methods("POST")

	// operator commands
	api.Handle("/items", h.requireRole(h.AddItem, auth.RoleOperator)).Methods("POST")
	api.Handle("/auction/start", h.requireRole(h.StartAuction, auth.RoleOperator)).Methods("POST")
	api.Handle("/auction/sold", h.requireRole(h.ResolveSold, auth.RoleOperator)).Methods("POST")
	api.Handle("/auction/unsold", h.requireRole(h.ResolveUnsold, auth.RoleOperator)).Methods("POST")
	api.Handle("/admin/snapshot", h.requireRole(h.AdminSnapshot, auth.RoleOperator)).Methods("GET")

	// bidder commands
	api.Handle("/auction/bids", h.requireRole(h.PlaceBid, auth.RoleBidder)).Methods("POST")
	api.Handle("/bidders/me", h.requireRole(h.GetMyAccount, auth.RoleBidder)).Methods("GET")

	router.Use(recoveryMiddleware)
	router.Use(loggingMiddleware)
	router.Use(corsMiddleware)

	return router
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "auction-server",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Login opens a session. Bidders get an account with the initial capital on first login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sess, err := h.auth.Login(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrEmptyUsername):
		respondError(w, http.StatusBadRequest, "Username is required")
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "Failed to log in")
		return
	}

	resp := LoginResponse{
		Token:    sess.Token,
		Username: sess.Username,
		Role:     sess.Role,
	}
	if sess.Role == auth.RoleBidder {
		acc, err := h.auction.RegisterBidder(r.Context(), sess.Username)
		if err != nil {
			log.WithError(err).WithField("bidder", sess.Username).Error("Failed to open bidder account")
			respondError(w, http.StatusInternalServerError, "Failed to open account")
			return
		}
		resp.Account = acc
	}

	respondJSON(w, http.StatusOK, resp)
}

// Logout ends the caller's session
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	h.auth.Logout(sess.Token)
	log.WithField("username", sess.Username).Info("User logged out")
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// AddItem accepts JSON or a multipart form with an optional image file
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	var (
		item *models.Item
		err  error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		item, err = h.itemFromForm(r)
	} else {
		item, err = itemFromJSON(r)
	}
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	added, err := h.auction.AddItem(r.Context(), item)
	if err != nil {
		if item.Image != "" {
			if rerr := h.uploads.Remove(item.Image); rerr != nil {
				log.WithError(rerr).WithField("image", item.Image).Warn("Failed to remove orphaned image")
			}
		}
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, added)
}

func itemFromJSON(r *http.Request) (*models.Item, error) {
	var req AddItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errBadRequest("Invalid request body")
	}
	return &models.Item{
		Name:       req.Name,
		Category:   req.Category,
		Stats:      req.Stats,
		Attributes: req.Attributes,
	}, nil
}

func (h *Handler) itemFromForm(r *http.Request) (*models.Item, error) {
	if err := r.ParseMultipartForm(h.uploads.MaxBytes() + formOverhead); err != nil {
		return nil, errBadRequest("Invalid multipart form")
	}

	item := &models.Item{
		Name:     r.FormValue("name"),
		Category: r.FormValue("category"),
	}
	if strings.TrimSpace(item.Name) == "" || strings.TrimSpace(item.Category) == "" {
		return nil, errBadRequest("name and category are required")
	}
	if raw := r.FormValue("stats"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &item.Stats); err != nil {
			return nil, errBadRequest("stats must be a JSON object of numbers")
		}
	}
	if raw := r.FormValue("attributes"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &item.Attributes); err != nil {
			return nil, errBadRequest("attributes must be a JSON object of strings")
		}
	}

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return item, nil
	}
	if err != nil {
		return nil, errBadRequest("Invalid image upload")
	}
	defer file.Close()

	ref, err := h.uploads.Save(header.Filename, file)
	if err != nil {
		return nil, err
	}
	item.Image = ref
	return item, nil
}

// StartAuction puts a random pending item on the block
func (h *Handler) StartAuction(w http.ResponseWriter, r *http.Request) {
	item, err := h.auction.StartAuction(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, item)
}

// ResolveSold sells the active item to the highest bidder
func (h *Handler) ResolveSold(w http.ResponseWriter, r *http.Request) {
	item, err := h.auction.ResolveSold(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, item)
}

// ResolveUnsold closes the active item without a sale
func (h *Handler) ResolveUnsold(w http.ResponseWriter, r *http.Request) {
	item, err := h.auction.ResolveUnsold(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, item)
}

// PlaceBid handles bid placement requests
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	if h.limiter != nil && !h.limiter.Allow(sess.Username) {
		respondError(w, http.StatusTooManyRequests, "Too many bids, slow down")
		return
	}

	var bidReq models.BidRequest
	if err := json.NewDecoder(r.Body).Decode(&bidReq); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	response, err := h.auction.SubmitBid(r.Context(), sess.Username, bidReq.Amount)
	switch {
	case err == nil:
		respondJSON(w, http.StatusCreated, response)
	case errors.Is(err, auction.ErrNoActiveAuction):
		respondJSON(w, http.StatusConflict, response)
	case response != nil && response.Reason != "":
		respondJSON(w, http.StatusOK, response)
	default:
		respondError(w, http.StatusInternalServerError, "Failed to place bid")
	}
}

// GetAuction returns the public state of the current round
func (h *Handler) GetAuction(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.auction.State())
}

// GetMyAccount returns the calling bidder's account
func (h *Handler) GetMyAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.auction.Account(sessionFrom(r).Username)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, acc)
}

// AdminSnapshot returns sold, unsold and pending items with every account
func (h *Handler) AdminSnapshot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.auction.AdminSnapshot())
}

// ServeUpload serves a stored item image
func (h *Handler) ServeUpload(w http.ResponseWriter, r *http.Request) {
	path, err := h.uploads.Path(mux.Vars(r)["name"])
	if err != nil {
		respondError(w, http.StatusNotFound, "Image not found")
		return
	}
	http.ServeFile(w, r, path)
}

type badRequestError string

func (e badRequestError) Error() string { return string(e) }

func errBadRequest(msg string) error { return badRequestError(msg) }

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var bad badRequestError
	switch {
	case errors.As(err, &bad),
		auction.IsValidation(err),
		errors.Is(err, uploads.ErrUnsupportedType),
		errors.Is(err, uploads.ErrTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnknownBidder):
		return http.StatusNotFound
	case errors.Is(err, auction.ErrNothingToAuction),
		errors.Is(err, auction.ErrAuctionAlreadyActive),
		errors.Is(err, auction.ErrNoActiveAuction),
		errors.Is(err, auction.ErrNoLeadingBid),
		errors.Is(err, auction.ErrLeadingBidExists):
		return http.StatusConflict
	default:
		log.WithError(err).Error("Unexpected handler error")
		return http.StatusInternalServerError
	}
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Warn("Failed to encode response")
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
