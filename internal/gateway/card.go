package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plutov/paypal/v4"

	"github.com/musaucrea/foti-pay-2/internal/domain"
	"github.com/musaucrea/foti-pay-2/internal/fx"
)

// CardConfig configures the card-network rail.
type CardConfig struct {
	ClientID     string
	ClientSecret string
	APIBase      string
	ReturnURL    string
	CancelURL    string
	PollInterval time.Duration
}

// CardGateway settles card payments through PayPal orders. Cards charge the
// traveler in their home currency; the merchant-side FX credit is carried on
// the transaction record, not the provider call.
type CardGateway struct {
	client *paypal.Client
	cfg    CardConfig
	logger *slog.Logger
}

// NewCardGateway builds the card rail adapter.
func NewCardGateway(logger *slog.Logger, cfg CardConfig) (*CardGateway, error) {
	if cfg.APIBase == "" {
		cfg.APIBase = paypal.APIBaseSandBox
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}

	client, err := paypal.NewClient(cfg.ClientID, cfg.ClientSecret, cfg.APIBase)
	if err != nil {
		return nil, fmt.Errorf("creating card client: %w", err)
	}
	return &CardGateway{client: client, cfg: cfg, logger: logger}, nil
}

// Rail implements Gateway.
func (g *CardGateway) Rail() domain.RailID { return domain.RailCard }

// Initiate creates a capture order for the total charge, round-up included.
func (g *CardGateway) Initiate(ctx context.Context, intent domain.PaymentIntent, quote domain.QuotedRate) (PendingSettlement, error) {
	total := intent.Amount
	if intent.RoundUp {
		total = total.Add(fx.RoundUp(intent.Amount))
	}

	units := []paypal.PurchaseUnitRequest{
		{
			ReferenceID: intent.IdempotencyKey,
			Amount: &paypal.PurchaseUnitAmount{
				Currency: intent.Currency,
				Value:    total.StringFixed(2),
			},
			Description: fmt.Sprintf("Payment to %s", intent.Merchant.Name),
		},
	}
	appContext := &paypal.ApplicationContext{
		ReturnURL: g.cfg.ReturnURL,
		CancelURL: g.cfg.CancelURL,
	}

	order, err := g.client.CreateOrder(ctx, paypal.OrderIntentCapture, units, nil, appContext)
	if err != nil {
		return PendingSettlement{}, g.mapError(err)
	}

	g.logger.Info("card order created",
		"orderId", order.ID,
		"merchant", intent.Merchant.ID,
		"total", total.StringFixed(2),
	)
	return PendingSettlement{Reference: order.ID, PollInterval: g.cfg.PollInterval}, nil
}

// Poll checks the order status, capturing approved orders.
func (g *CardGateway) Poll(ctx context.Context, reference string) (SettlementStatus, error) {
	order, err := g.client.GetOrder(ctx, reference)
	if err != nil {
		return StatusPending, g.mapError(err)
	}

	switch order.Status {
	case "COMPLETED":
		return StatusSuccess, nil
	case "APPROVED":
		capture, err := g.client.CaptureOrder(ctx, reference, paypal.CaptureOrderRequest{})
		if err != nil {
			return StatusPending, g.mapError(err)
		}
		if capture.Status == "COMPLETED" {
			return StatusSuccess, nil
		}
		return StatusPending, nil
	case "VOIDED":
		return StatusFailed, nil
	default:
		return StatusPending, nil
	}
}

func (g *CardGateway) mapError(err error) error {
	var perr *paypal.ErrorResponse
	if errors.As(err, &perr) && perr.Response != nil {
		if perr.Response.StatusCode >= 500 {
			return domain.GatewayUnavailable("card network error", err)
		}
		if perr.Response.StatusCode == 422 || perr.Response.StatusCode == 402 {
			return domain.Declined(perr.Message)
		}
		return domain.InvalidRequest(perr.Message)
	}
	return domain.GatewayUnavailable("card network unreachable", err)
}
