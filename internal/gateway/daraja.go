package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/musaucrea/foti-pay-2/internal/domain"
	"github.com/musaucrea/foti-pay-2/internal/fx"
)

const (
	darajaTimestampLayout = "20060102150405"

	// darajaErrProcessing is returned by the query endpoint while the
	// customer has not yet confirmed the STK prompt.
	darajaErrProcessing = "500.001.1001"
)

// DarajaConfig configures an STK-push mobile-money gateway. The same adapter
// serves M-Pesa and Airtel Money with per-rail credentials.
type DarajaConfig struct {
	Rail           domain.RailID
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
	PollInterval   time.Duration
}

// DarajaGateway initiates STK push charges and polls their status over the
// provider's HTTP API.
type DarajaGateway struct {
	cfg    DarajaConfig
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewDarajaGateway builds a gateway for one mobile-money rail.
func NewDarajaGateway(logger *slog.Logger, cfg DarajaConfig) *DarajaGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &DarajaGateway{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		now:    time.Now,
	}
}

// Rail implements Gateway.
func (g *DarajaGateway) Rail() domain.RailID { return g.cfg.Rail }

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode string `json:"ResponseCode"`
	ResultCode   string `json:"ResultCode"`
	ResultDesc   string `json:"ResultDesc"`
}

type darajaError struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Initiate triggers an STK push prompt on the payer's phone and returns the
// tracking reference. The charge is in the merchant's local currency.
func (g *DarajaGateway) Initiate(ctx context.Context, intent domain.PaymentIntent, quote domain.QuotedRate) (PendingSettlement, error) {
	if intent.PayerPhone == "" {
		return PendingSettlement{}, domain.InvalidRequest("mobile-money settlement requires a payer phone number")
	}

	local := fx.Convert(intent.Amount, quote)
	timestamp := g.now().Format(darajaTimestampLayout)
	body := stkPushRequest{
		BusinessShortCode: g.cfg.ShortCode,
		Password:          g.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            local.StringFixed(2),
		PartyA:            intent.PayerPhone,
		PartyB:            g.cfg.ShortCode,
		PhoneNumber:       intent.PayerPhone,
		CallBackURL:       g.cfg.CallbackURL,
		AccountReference:  intent.Merchant.ID,
		TransactionDesc:   fmt.Sprintf("Payment to %s", intent.Merchant.Name),
	}

	var resp stkPushResponse
	if err := g.post(ctx, "/mpesa/stkpush/v1/processrequest", body, &resp); err != nil {
		return PendingSettlement{}, err
	}
	if resp.ResponseCode != "0" {
		return PendingSettlement{}, domain.Declined(resp.ResponseDescription)
	}

	g.logger.Info("stk push accepted",
		"rail", g.cfg.Rail,
		"checkoutRequestId", resp.CheckoutRequestID,
		"merchant", intent.Merchant.ID,
	)
	return PendingSettlement{Reference: resp.CheckoutRequestID, PollInterval: g.cfg.PollInterval}, nil
}

// Poll checks the status of an earlier STK push.
func (g *DarajaGateway) Poll(ctx context.Context, reference string) (SettlementStatus, error) {
	timestamp := g.now().Format(darajaTimestampLayout)
	body := stkQueryRequest{
		BusinessShortCode: g.cfg.ShortCode,
		Password:          g.password(timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: reference,
	}

	var resp stkQueryResponse
	err := g.post(ctx, "/mpesa/stkpushquery/v1/query", body, &resp)
	if err != nil {
		// The query endpoint reports an in-flight prompt as an error payload.
		var p *processingError
		if errors.As(err, &p) {
			return StatusPending, nil
		}
		return StatusFailed, err
	}

	switch resp.ResultCode {
	case "0":
		return StatusSuccess, nil
	case "":
		return StatusPending, nil
	default:
		return StatusFailed, nil
	}
}

func (g *DarajaGateway) password(timestamp string) string {
	raw := g.cfg.ShortCode + g.cfg.Passkey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

func (g *DarajaGateway) post(ctx context.Context, path string, body, out any) error {
	token, err := g.accessToken(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding daraja request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building daraja request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.http.Do(req)
	if err != nil {
		return domain.GatewayUnavailable("mobile-money provider unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.GatewayUnavailable("reading provider response", err)
	}

	if resp.StatusCode >= 400 {
		var derr darajaError
		_ = json.Unmarshal(data, &derr)
		if derr.ErrorCode == darajaErrProcessing {
			return &processingError{message: derr.ErrorMessage}
		}
		if resp.StatusCode >= 500 {
			return domain.GatewayUnavailable(
				fmt.Sprintf("provider error %d: %s", resp.StatusCode, derr.ErrorMessage), nil)
		}
		return domain.InvalidRequest(
			fmt.Sprintf("provider rejected request (%d): %s", resp.StatusCode, derr.ErrorMessage))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding daraja response: %w", err)
	}
	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (g *DarajaGateway) accessToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token != "" && g.now().Before(g.tokenExpiry) {
		return g.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("building daraja token request: %w", err)
	}
	req.SetBasicAuth(g.cfg.ConsumerKey, g.cfg.ConsumerSecret)

	resp, err := g.http.Do(req)
	if err != nil {
		return "", domain.GatewayUnavailable("mobile-money provider unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", domain.GatewayUnavailable(
			fmt.Sprintf("token request failed with status %d", resp.StatusCode), nil)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decoding daraja token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", domain.GatewayUnavailable("token response missing access_token", nil)
	}

	g.token = tok.AccessToken
	// expires_in is seconds as a string; renew a minute early.
	ttl := 50 * time.Minute
	if secs, err := time.ParseDuration(tok.ExpiresIn + "s"); err == nil && secs > time.Minute {
		ttl = secs - time.Minute
	}
	g.tokenExpiry = g.now().Add(ttl)
	return g.token, nil
}

// processingError marks the provider's "transaction is being processed"
// response, which is a pending state rather than a failure.
type processingError struct {
	message string
}

func (e *processingError) Error() string { return e.message }
