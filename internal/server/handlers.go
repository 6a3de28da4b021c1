package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/musaucrea/foti-pay-2/internal/connectivity"
	"github.com/musaucrea/foti-pay-2/internal/directory"
	"github.com/musaucrea/foti-pay-2/internal/domain"
	"github.com/musaucrea/foti-pay-2/internal/ledger"
	"github.com/musaucrea/foti-pay-2/internal/orchestrator"
	"github.com/musaucrea/foti-pay-2/internal/rail"
	"github.com/musaucrea/foti-pay-2/internal/store"
)

// WalletConfig seeds the traveler's balance projection exposed on /wallet.
type WalletConfig struct {
	HomeCurrency   string
	OpeningBalance decimal.Decimal
}

// APIHandlers exposes HTTP handlers for the payment API.
type APIHandlers struct {
	logger    *slog.Logger
	orch      *orchestrator.Orchestrator
	store     *store.Store
	queue     *ledger.Ledger
	rails     *rail.Registry
	merchants directory.Resolver
	conn      *connectivity.Monitor
	wallet    WalletConfig
}

// NewAPIHandlers constructs an APIHandlers instance.
func NewAPIHandlers(
	logger *slog.Logger,
	orch *orchestrator.Orchestrator,
	txStore *store.Store,
	queue *ledger.Ledger,
	rails *rail.Registry,
	merchants directory.Resolver,
	conn *connectivity.Monitor,
	wallet WalletConfig,
) *APIHandlers {
	return &APIHandlers{
		logger:    logger,
		orch:      orch,
		store:     txStore,
		queue:     queue,
		rails:     rails,
		merchants: merchants,
		conn:      conn,
		wallet:    wallet,
	}
}

func (h *APIHandlers) handlePayments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	h.createPayment(w, r)
}

// createPayment walks a full session: resolve merchant, enter amount, select
// rail, confirm. Re-posting with the same idempotency key is safe; a prior
// Completed or Queued outcome is returned as-is.
func (h *APIHandlers) createPayment(w http.ResponseWriter, r *http.Request) {
	var payload paymentRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.MerchantCode == "" {
		writeError(w, http.StatusBadRequest, "merchantCode is required")
		return
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	merchant, err := h.merchants.Resolve(r.Context(), payload.MerchantCode)
	if err != nil {
		if errors.Is(err, directory.ErrMerchantNotFound) {
			writeError(w, http.StatusNotFound, "unknown merchant code")
			return
		}
		h.logger.Error("merchant resolution failed", "error", err, "code", payload.MerchantCode)
		writeError(w, http.StatusInternalServerError, "merchant lookup failed")
		return
	}

	session := h.orch.NewSession(payload.IdempotencyKey)
	if err := session.ResolveMerchant(merchant); err != nil {
		h.writeFailure(w, err)
		return
	}
	if err := session.EnterAmount(amount, payload.RoundUp); err != nil {
		h.writeFailure(w, err)
		return
	}
	if err := session.SelectRail(domain.RailID(payload.RailID)); err != nil {
		h.writeFailure(w, err)
		return
	}

	tx, err := session.Confirm(r.Context(), payload.PayerPhone)
	if err != nil {
		h.logger.Warn("payment failed",
			"intentKey", session.IdempotencyKey(), "merchant", merchant.ID, "error", err)
		h.writeFailedPayment(w, tx, err)
		return
	}

	status := http.StatusCreated
	if tx.Status == domain.StatusQueued {
		status = http.StatusAccepted
	}
	body := toTransactionResponse(tx)
	respondJSON(w, status, paymentResponse{
		SessionState: string(session.State()),
		Transaction:  &body,
	})
}

func (h *APIHandlers) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	txs, err := h.store.List()
	if err != nil {
		h.logger.Error("failed to list transactions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}

	status := r.URL.Query().Get("status")
	items := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		if status != "" && !strings.EqualFold(status, string(tx.Status)) {
			continue
		}
		items = append(items, toTransactionResponse(tx))
	}
	respondJSON(w, http.StatusOK, listTransactionsResponse{Items: items})
}

// handleWallet projects the balance from the transaction log: the opening
// balance minus everything charged or committed, queued payments included, so
// the traveler can never overspend while offline.
func (h *APIHandlers) handleWallet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	txs, err := h.store.List()
	if err != nil {
		h.logger.Error("failed to project wallet", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to project wallet")
		return
	}

	spent := decimal.Zero
	donated := decimal.Zero
	pending := 0
	for _, tx := range txs {
		switch tx.Status {
		case domain.StatusCompleted:
			spent = spent.Add(tx.TotalCharged)
			donated = donated.Add(tx.Donation)
		case domain.StatusQueued:
			spent = spent.Add(tx.TotalCharged)
			donated = donated.Add(tx.Donation)
			pending++
		}
	}

	respondJSON(w, http.StatusOK, walletResponse{
		Currency:       h.wallet.HomeCurrency,
		OpeningBalance: h.wallet.OpeningBalance.StringFixed(2),
		Balance:        h.wallet.OpeningBalance.Sub(spent).StringFixed(2),
		Spent:          spent.StringFixed(2),
		Donated:        donated.StringFixed(2),
		PendingCount:   pending,
	})
}

func (h *APIHandlers) handleRails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	code := r.URL.Query().Get("merchant")
	if code == "" {
		writeError(w, http.StatusBadRequest, "merchant query parameter is required")
		return
	}
	merchant, err := h.merchants.Resolve(r.Context(), code)
	if err != nil {
		if errors.Is(err, directory.ErrMerchantNotFound) {
			writeError(w, http.StatusNotFound, "unknown merchant code")
			return
		}
		h.logger.Error("merchant resolution failed", "error", err, "code", code)
		writeError(w, http.StatusInternalServerError, "merchant lookup failed")
		return
	}

	rails := h.rails.ListRails(merchant)
	items := make([]railResponse, 0, len(rails))
	for _, rl := range rails {
		items = append(items, railResponse{
			ID:           string(rl.ID),
			Name:         rl.Name,
			Kind:         string(rl.Kind),
			Priority:     rl.Priority,
			SupportsPush: rl.Capabilities.SupportsPush,
		})
	}
	respondJSON(w, http.StatusOK, listRailsResponse{MerchantID: merchant.ID, Items: items})
}

func (h *APIHandlers) handleMerchant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	code := strings.TrimPrefix(r.URL.Path, "/merchants/")
	code = strings.Trim(code, "/")
	if code == "" {
		writeError(w, http.StatusBadRequest, "merchant code is required")
		return
	}

	merchant, err := h.merchants.Resolve(r.Context(), code)
	if err != nil {
		if errors.Is(err, directory.ErrMerchantNotFound) {
			writeError(w, http.StatusNotFound, "unknown merchant code")
			return
		}
		h.logger.Error("merchant resolution failed", "error", err, "code", code)
		writeError(w, http.StatusInternalServerError, "merchant lookup failed")
		return
	}

	rails := make([]string, 0, len(merchant.AcceptedRails))
	for _, id := range merchant.AcceptedRails {
		rails = append(rails, string(id))
	}
	respondJSON(w, http.StatusOK, merchantResponse{
		ID:            merchant.ID,
		Name:          merchant.Name,
		Category:      merchant.Category,
		Location:      merchant.Location,
		LocalCurrency: merchant.LocalCurrency,
		Verified:      merchant.Verified,
		Sustainable:   merchant.Sustainable,
		AcceptedRails: rails,
		CulturalTip:   merchant.CulturalTip,
	})
}

func (h *APIHandlers) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	entries, err := h.queue.Entries()
	if err != nil {
		h.logger.Error("failed to read offline queue", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read offline queue")
		return
	}

	items := make([]queueEntryResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, queueEntryResponse{
			Seq:            strconv.FormatUint(e.Seq, 10),
			IdempotencyKey: e.Intent.IdempotencyKey,
			MerchantID:     e.Intent.Merchant.ID,
			MerchantName:   e.Intent.Merchant.Name,
			Amount:         e.Intent.Amount.StringFixed(2),
			Currency:       e.Intent.Currency,
			RailID:         string(e.Intent.RailID),
			EnqueuedAt:     formatTime(e.EnqueuedAt),
		})
	}
	respondJSON(w, http.StatusOK, queueResponse{Items: items})
}

// handleConnectivity reports and flips the link state. Flipping to online
// wakes the reconciler through its subscription.
func (h *APIHandlers) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, connectivityResponse{Online: h.conn.Online()})
	case http.MethodPut:
		var payload connectivityRequest
		if err := decodeJSON(r, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.conn.SetOnline(payload.Online)
		respondJSON(w, http.StatusOK, connectivityResponse{Online: h.conn.Online()})
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}

// writeFailedPayment renders a terminal failure alongside the recorded
// transaction, when one was recorded before the failure surfaced.
func (h *APIHandlers) writeFailedPayment(w http.ResponseWriter, tx domain.Transaction, err error) {
	var failure *domain.Failure
	if !errors.As(err, &failure) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := paymentResponse{
		SessionState: string(orchestrator.StateFailed),
		Failure: &failureResponse{
			Code:   string(failure.Code),
			Reason: failure.Reason,
			Action: failure.Action,
		},
	}
	if tx.ID != "" {
		body := toTransactionResponse(tx)
		resp.Transaction = &body
	}
	respondJSON(w, failureStatus(failure), resp)
}

func (h *APIHandlers) writeFailure(w http.ResponseWriter, err error) {
	var failure *domain.Failure
	if errors.As(err, &failure) {
		respondJSON(w, failureStatus(failure), paymentResponse{
			Failure: &failureResponse{
				Code:   string(failure.Code),
				Reason: failure.Reason,
				Action: failure.Action,
			},
		})
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func failureStatus(f *domain.Failure) int {
	switch f.Code {
	case domain.CodeRateUnavailable, domain.CodeStorageFailure:
		return http.StatusServiceUnavailable
	case domain.CodeGatewayUnavailable:
		return http.StatusBadGateway
	case domain.CodeDeclined:
		return http.StatusPaymentRequired
	case domain.CodeTimeout:
		return http.StatusGatewayTimeout
	case domain.CodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// --- Request & Response DTOs ---

type paymentRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	MerchantCode   string `json:"merchantCode"`
	Amount         string `json:"amount"`
	RailID         string `json:"railId"`
	RoundUp        bool   `json:"roundUp"`
	PayerPhone     string `json:"payerPhone"`
}

type paymentResponse struct {
	SessionState string               `json:"sessionState"`
	Transaction  *transactionResponse `json:"transaction,omitempty"`
	Failure      *failureResponse     `json:"failure,omitempty"`
}

type failureResponse struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
	Action string `json:"action"`
}

type transactionResponse struct {
	ID               string `json:"id"`
	IdempotencyKey   string `json:"idempotencyKey"`
	MerchantID       string `json:"merchantId"`
	MerchantName     string `json:"merchantName"`
	MerchantCategory string `json:"merchantCategory"`
	Amount           string `json:"amount"`
	Donation         string `json:"donation"`
	TotalCharged     string `json:"totalCharged"`
	Currency         string `json:"currency"`
	LocalAmount      string `json:"localAmount"`
	LocalCurrency    string `json:"localCurrency"`
	Rate             string `json:"rate"`
	RailID           string `json:"railId"`
	Status           string `json:"status"`
	ProviderRef      string `json:"providerRef,omitempty"`
	FailureReason    string `json:"failureReason,omitempty"`
	OfflineQueued    bool   `json:"offlineQueued"`
	CreatedAt        string `json:"createdAt"`
	SettledAt        string `json:"settledAt,omitempty"`
}

type listTransactionsResponse struct {
	Items []transactionResponse `json:"items"`
}

type walletResponse struct {
	Currency       string `json:"currency"`
	OpeningBalance string `json:"openingBalance"`
	Balance        string `json:"balance"`
	Spent          string `json:"spent"`
	Donated        string `json:"donated"`
	PendingCount   int    `json:"pendingCount"`
}

type railResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Priority     int    `json:"priority"`
	SupportsPush bool   `json:"supportsPush"`
}

type listRailsResponse struct {
	MerchantID string         `json:"merchantId"`
	Items      []railResponse `json:"items"`
}

type merchantResponse struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Category      string   `json:"category"`
	Location      string   `json:"location"`
	LocalCurrency string   `json:"localCurrency"`
	Verified      bool     `json:"verified"`
	Sustainable   bool     `json:"sustainable"`
	AcceptedRails []string `json:"acceptedRails"`
	CulturalTip   string   `json:"culturalTip,omitempty"`
}

type queueEntryResponse struct {
	Seq            string `json:"seq"`
	IdempotencyKey string `json:"idempotencyKey"`
	MerchantID     string `json:"merchantId"`
	MerchantName   string `json:"merchantName"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	RailID         string `json:"railId"`
	EnqueuedAt     string `json:"enqueuedAt"`
}

type queueResponse struct {
	Items []queueEntryResponse `json:"items"`
}

type connectivityRequest struct {
	Online bool `json:"online"`
}

type connectivityResponse struct {
	Online bool `json:"online"`
}

// --- Helpers ---

func toTransactionResponse(tx domain.Transaction) transactionResponse {
	return transactionResponse{
		ID:               tx.ID,
		IdempotencyKey:   tx.IdempotencyKey,
		MerchantID:       tx.MerchantID,
		MerchantName:     tx.MerchantName,
		MerchantCategory: tx.MerchantCategory,
		Amount:           tx.Amount.StringFixed(2),
		Donation:         tx.Donation.StringFixed(2),
		TotalCharged:     tx.TotalCharged.StringFixed(2),
		Currency:         tx.Currency,
		LocalAmount:      tx.LocalAmount.StringFixed(2),
		LocalCurrency:    tx.LocalCurrency,
		Rate:             tx.Rate.String(),
		RailID:           string(tx.RailID),
		Status:           string(tx.Status),
		ProviderRef:      tx.ProviderRef,
		FailureReason:    tx.FailureReason,
		OfflineQueued:    tx.OfflineQueued,
		CreatedAt:        formatTime(tx.CreatedAt),
		SettledAt:        formatTimePtr(tx.SettledAt),
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(ts *time.Time) string {
	if ts == nil || ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
