package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"

	"github.com/mbd888/agentspend/internal/usdc"
)

// PaymentIntentAPI is the subset of the Stripe PaymentIntents client used
// here. *paymentintent.Client satisfies it.
type PaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeGateway charges the user's saved card with an off-session
// PaymentIntent. The charge is exactly the reserved amount, so amounts that
// are not whole cents, or are under Stripe's minimum charge, fail without
// reaching Stripe.
type StripeGateway struct {
	intents  PaymentIntentAPI
	currency string
}

// NewStripeGateway creates a gateway using the given secret key.
func NewStripeGateway(secretKey string) *StripeGateway {
	return NewStripeGatewayWithClient(&paymentintent.Client{
		B:   stripe.GetBackend(stripe.APIBackend),
		Key: secretKey,
	})
}

// NewStripeGatewayWithClient creates a gateway over an existing client.
func NewStripeGatewayWithClient(intents PaymentIntentAPI) *StripeGateway {
	return &StripeGateway{intents: intents, currency: string(stripe.CurrencyUSD)}
}

// minChargeCents is Stripe's smallest USD charge.
const minChargeCents = 50

var unitsPerCent = big.NewInt(10_000)

func (g *StripeGateway) Name() string { return "stripe" }

func (g *StripeGateway) Settle(ctx context.Context, req Request) (*Result, error) {
	amount, ok := usdc.Parse(req.Amount)
	if !ok || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Customer == "" || req.PaymentMethod == "" {
		return nil, ErrNoPaymentMethod
	}
	cents, rem := new(big.Int).QuoRem(amount, unitsPerCent, new(big.Int))
	switch {
	case rem.Sign() != 0:
		return g.rejected(amount, "amount is not a whole number of cents"), nil
	case cents.Int64() < minChargeCents:
		return g.rejected(amount, fmt.Sprintf("amount below stripe minimum charge of %d cents", minChargeCents)), nil
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(cents.Int64()),
		Currency:      stripe.String(g.currency),
		Customer:      stripe.String(req.Customer),
		PaymentMethod: stripe.String(req.PaymentMethod),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Description:   stripe.String("agentspend " + req.RequestID),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.idempotencyKey())
	params.AddMetadata("request_id", req.RequestID)
	params.AddMetadata("user_id", req.UserID)
	if req.ProjectID != "" {
		params.AddMetadata("project_id", req.ProjectID)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.intents.New(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
			// card declines are a definitive outcome, not a transport failure
			ref := ""
			if se.PaymentIntent != nil {
				ref = se.PaymentIntent.ID
			}
			return &Result{
				Reference: ref,
				Status:    StatusFailed,
				Amount:    usdc.Format(amount),
				Backend:   g.Name(),
				Detail:    fmt.Sprintf("card declined: %s", se.Code),
			}, nil
		}
		return nil, fmt.Errorf("stripe: create payment intent: %w", err)
	}
	return g.result(pi, usdc.Format(amount)), nil
}

func (g *StripeGateway) Status(ctx context.Context, reference string) (*Result, error) {
	if reference == "" {
		return nil, ErrUnknownReference
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.intents.Get(reference, params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode == 404 {
			return nil, ErrUnknownReference
		}
		return nil, fmt.Errorf("stripe: get payment intent: %w", err)
	}
	return g.result(pi, ""), nil
}

func (g *StripeGateway) rejected(amount *big.Int, detail string) *Result {
	return &Result{
		Status:  StatusFailed,
		Amount:  usdc.Format(amount),
		Backend: g.Name(),
		Detail:  detail,
	}
}

func (g *StripeGateway) result(pi *stripe.PaymentIntent, amount string) *Result {
	if amount == "" {
		amount = usdc.Format(new(big.Int).Mul(big.NewInt(pi.Amount), unitsPerCent))
	}
	return &Result{
		Reference: pi.ID,
		Status:    mapIntentStatus(pi.Status),
		Amount:    amount,
		Backend:   g.Name(),
		Detail:    string(pi.Status),
	}
}

func mapIntentStatus(s stripe.PaymentIntentStatus) Status {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		return StatusPending
	default:
		// requires_action, requires_payment_method, canceled: an off-session
		// charge that needs the customer cannot complete
		return StatusFailed
	}
}

var _ Gateway = (*StripeGateway)(nil)
