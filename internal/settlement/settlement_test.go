package settlement

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/agentspend/internal/retry"
)

var fastPoll = retry.Policy{Attempts: 4, BaseDelay: time.Millisecond}

func req(id, amount string) Request {
	return Request{RequestID: id, UserID: "user_1", ProjectID: "proj_a", Amount: amount,
		Customer: "cus_1", PaymentMethod: "pm_1"}
}

// --- memory ---

func TestExecute_MemorySucceeds(t *testing.T) {
	gw := NewMemoryGateway()
	res, err := Execute(context.Background(), gw, req("req_1", "0.25"), fastPoll)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, "0.250000", res.Amount)
	assert.Equal(t, "0.250000", gw.Settled("user_1"))
}

func TestMemoryGateway_IdempotentPerKey(t *testing.T) {
	gw := NewMemoryGateway()
	a, err := gw.Settle(context.Background(), req("req_1", "1.00"))
	require.NoError(t, err)
	b, err := gw.Settle(context.Background(), req("req_1", "1.00"))
	require.NoError(t, err)
	assert.Equal(t, a.Reference, b.Reference)
	assert.Equal(t, "1.000000", gw.Settled("user_1"))
}

func TestExecute_PendingResolvesByPolling(t *testing.T) {
	gw := NewMemoryGateway()
	gw.PendNext(1, 2)
	res, err := Execute(context.Background(), gw, req("req_p", "3.00"), fastPoll)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 1, gw.Calls(), "settle must not be re-submitted")
}

func TestExecute_PendingBeyondPollBudget(t *testing.T) {
	gw := NewMemoryGateway()
	gw.PendNext(1, 100)
	res, err := Execute(context.Background(), gw, req("req_p", "3.00"), fastPoll)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStillPending)
	assert.Equal(t, StatusPending, res.Status)
	assert.Equal(t, 1, gw.Calls())
}

func TestExecute_DeclineAndError(t *testing.T) {
	gw := NewMemoryGateway()
	gw.DeclineNext(1)
	res, err := Execute(context.Background(), gw, req("req_d", "1.00"), fastPoll)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "0.000000", gw.Settled("user_1"))

	gw.FailNext(1)
	_, err = Execute(context.Background(), gw, req("req_e", "1.00"), fastPoll)
	assert.ErrorIs(t, err, ErrInjected)
}

func TestMemoryGateway_RejectsBadAmounts(t *testing.T) {
	gw := NewMemoryGateway()
	for _, a := range []string{"", "0", "-1", "abc"} {
		_, err := gw.Settle(context.Background(), req("r", a))
		assert.ErrorIs(t, err, ErrInvalidAmount, a)
	}
}

func TestMemoryGateway_LatencyHonorsContext(t *testing.T) {
	gw := NewMemoryGateway()
	gw.SetLatency(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := gw.Settle(ctx, req("req_slow", "1.00"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// --- stripe ---

type fakeIntents struct {
	mu      sync.Mutex
	created []*stripe.PaymentIntentParams
	newErr  error
	status  stripe.PaymentIntentStatus
	getErr  error
}

func (f *fakeIntents) New(p *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, p)
	if f.newErr != nil {
		return nil, f.newErr
	}
	return &stripe.PaymentIntent{ID: "pi_1", Amount: *p.Amount, Status: f.status}, nil
}

func (f *fakeIntents) Get(id string, _ *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &stripe.PaymentIntent{ID: id, Amount: 26, Status: stripe.PaymentIntentStatusSucceeded}, nil
}

func TestStripeGateway_Settle(t *testing.T) {
	fake := &fakeIntents{status: stripe.PaymentIntentStatusSucceeded}
	gw := NewStripeGatewayWithClient(fake)

	res, err := gw.Settle(context.Background(), req("req_s", "2.55"))
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, "pi_1", res.Reference)
	assert.Equal(t, "2.550000", res.Amount)

	require.Len(t, fake.created, 1)
	p := fake.created[0]
	assert.Equal(t, int64(255), *p.Amount)
	assert.Equal(t, "usd", *p.Currency)
	assert.True(t, *p.Confirm)
	assert.True(t, *p.OffSession)
	assert.Equal(t, "req_s", *p.IdempotencyKey)
	assert.Equal(t, "req_s", p.Metadata["request_id"])
}

func TestStripeGateway_ChargesExactlyTheReservedAmount(t *testing.T) {
	tests := []struct {
		amount string
		detail string
	}{
		{"0.255", "whole number of cents"},
		{"1.000001", "whole number of cents"},
		{"0.49", "minimum charge"},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			fake := &fakeIntents{status: stripe.PaymentIntentStatusSucceeded}
			res, err := NewStripeGatewayWithClient(fake).Settle(context.Background(), req("r", tt.amount))
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, res.Status)
			assert.Contains(t, res.Detail, tt.detail)
			assert.Empty(t, fake.created, "nothing charged")
		})
	}
}

func TestStripeGateway_StatusMapping(t *testing.T) {
	tests := []struct {
		in   stripe.PaymentIntentStatus
		want Status
	}{
		{stripe.PaymentIntentStatusSucceeded, StatusSucceeded},
		{stripe.PaymentIntentStatusProcessing, StatusPending},
		{stripe.PaymentIntentStatusRequiresAction, StatusFailed},
		{stripe.PaymentIntentStatusCanceled, StatusFailed},
	}
	for _, tt := range tests {
		gw := NewStripeGatewayWithClient(&fakeIntents{status: tt.in})
		res, err := gw.Settle(context.Background(), req("r", "1.00"))
		require.NoError(t, err)
		assert.Equal(t, tt.want, res.Status, string(tt.in))
	}
}

func TestStripeGateway_CardDeclineIsFailedResult(t *testing.T) {
	fake := &fakeIntents{newErr: &stripe.Error{Type: stripe.ErrorTypeCard, Code: stripe.ErrorCodeCardDeclined}}
	res, err := NewStripeGatewayWithClient(fake).Settle(context.Background(), req("r", "1.00"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Detail, "card_declined")
}

func TestStripeGateway_TransportErrorPropagates(t *testing.T) {
	fake := &fakeIntents{newErr: errors.New("connection reset")}
	_, err := NewStripeGatewayWithClient(fake).Settle(context.Background(), req("r", "1.00"))
	assert.Error(t, err)
}

func TestStripeGateway_RequiresPaymentMethod(t *testing.T) {
	r := req("r", "1.00")
	r.PaymentMethod = ""
	_, err := NewStripeGatewayWithClient(&fakeIntents{}).Settle(context.Background(), r)
	assert.ErrorIs(t, err, ErrNoPaymentMethod)
}

// --- chain ---

type fakeEth struct {
	mu       sync.Mutex
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	sendErr  error
}

func (f *fakeEth) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}
func (f *fakeEth) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }
func (f *fakeEth) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 60000, nil
}
func (f *fakeEth) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return f.sendErr
}
func (f *fakeEth) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}
func (f *fakeEth) Close() {}

func newTestChain(t *testing.T, eth *fakeEth) *ChainGateway {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	gw, err := NewChainGateway(ChainConfig{
		RPCURL:        "http://unused",
		PrivateKey:    hex.EncodeToString(crypto.FromECDSA(key)),
		ChainID:       84532,
		USDCContract:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PayoutAddress: "0x2222222222222222222222222222222222222222",
	}, WithEthClient(eth))
	require.NoError(t, err)
	return gw
}

func TestChainGateway_SettleThenStatus(t *testing.T) {
	eth := &fakeEth{receipts: map[common.Hash]*types.Receipt{}}
	gw := newTestChain(t, eth)

	res, err := gw.Settle(context.Background(), req("req_c", "2.50"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
	require.Len(t, eth.sent, 1)
	assert.Equal(t, eth.sent[0].Hash().Hex(), res.Reference)

	st, err := gw.Status(context.Background(), res.Reference)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st.Status)

	eth.receipts[eth.sent[0].Hash()] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42)}
	st, err = gw.Status(context.Background(), res.Reference)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, st.Status)
	assert.Equal(t, "2.500000", st.Amount)
}

func TestChainGateway_RevertedIsFailed(t *testing.T) {
	eth := &fakeEth{receipts: map[common.Hash]*types.Receipt{}}
	gw := newTestChain(t, eth)
	res, _ := gw.Settle(context.Background(), req("req_r", "1.00"))
	eth.receipts[eth.sent[0].Hash()] = &types.Receipt{Status: types.ReceiptStatusFailed}

	st, err := gw.Status(context.Background(), res.Reference)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st.Status)
}

func TestChainGateway_OneSendPerKey(t *testing.T) {
	eth := &fakeEth{receipts: map[common.Hash]*types.Receipt{}}
	gw := newTestChain(t, eth)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = gw.Settle(context.Background(), req("req_same", "1.00"))
		}()
	}
	wg.Wait()
	assert.Len(t, eth.sent, 1)
}

func TestChainGateway_SendErrorStaysPending(t *testing.T) {
	eth := &fakeEth{receipts: map[common.Hash]*types.Receipt{}, sendErr: errors.New("timeout")}
	gw := newTestChain(t, eth)
	res, err := gw.Settle(context.Background(), req("req_x", "1.00"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
	assert.NotEmpty(t, res.Reference)
}

func TestNewChainGateway_ValidatesConfig(t *testing.T) {
	_, err := NewChainGateway(ChainConfig{RPCURL: "http://x", PrivateKey: "abc", ChainID: 1})
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}
