package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/agentspend/internal/syncutil"
	"github.com/mbd888/agentspend/internal/usdc"
)

var (
	ErrInvalidPrivateKey = errors.New("settlement: invalid private key")
	ErrInvalidAddress    = errors.New("settlement: invalid address")
	ErrRPCConnection     = errors.New("settlement: RPC connection failed")
)

// TransferError wraps on-chain transfer failures with context.
type TransferError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("settlement: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("settlement: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// ERC20 transfer ABI
const erc20TransferABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// DefaultGasLimit for ERC20 transfers
const DefaultGasLimit = uint64(100000)

// ChainConfig configures on-chain settlement.
type ChainConfig struct {
	RPCURL        string
	PrivateKey    string // hex, with or without 0x
	ChainID       int64
	USDCContract  string
	PayoutAddress string
}

// ChainOption configures a ChainGateway.
type ChainOption func(*ChainGateway)

// WithEthClient sets a custom Ethereum client.
func WithEthClient(client EthClient) ChainOption {
	return func(g *ChainGateway) { g.client = client }
}

// ChainGateway settles by transferring USDC from the platform wallet to the
// payout address. Settle returns pending with the transaction hash as the
// reference; Status reads the transaction receipt.
type ChainGateway struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	from       common.Address
	payout     common.Address
	chainID    *big.Int
	contract   common.Address
	erc20      abi.ABI

	// one send per idempotency key for the life of the process
	keys syncutil.KeyedMutex
	mu   sync.Mutex
	sent map[string]*Result
	// serializes nonce assignment
	sendMu sync.Mutex
}

// NewChainGateway creates an on-chain gateway.
func NewChainGateway(cfg ChainConfig, opts ...ChainOption) (*ChainGateway, error) {
	if err := validateChainConfig(cfg); err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	g := &ChainGateway{
		privateKey: key,
		from:       crypto.PubkeyToAddress(key.PublicKey),
		payout:     common.HexToAddress(cfg.PayoutAddress),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.USDCContract),
		erc20:      parsed,
		sent:       make(map[string]*Result),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		g.client = client
	}
	return g, nil
}

func validateChainConfig(cfg ChainConfig) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if !common.IsHexAddress(cfg.USDCContract) {
		return fmt.Errorf("%w: USDC contract %q", ErrInvalidAddress, cfg.USDCContract)
	}
	if !common.IsHexAddress(cfg.PayoutAddress) {
		return fmt.Errorf("%w: payout address %q", ErrInvalidAddress, cfg.PayoutAddress)
	}
	return nil
}

func (g *ChainGateway) Name() string { return "chain" }

// Address returns the platform wallet address.
func (g *ChainGateway) Address() string { return g.from.Hex() }

func (g *ChainGateway) Settle(ctx context.Context, req Request) (*Result, error) {
	amount, ok := usdc.Parse(req.Amount)
	if !ok || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	key := req.idempotencyKey()
	unlock := g.keys.Lock(key)
	defer unlock()

	g.mu.Lock()
	if prev, ok := g.sent[key]; ok {
		g.mu.Unlock()
		cp := *prev
		return &cp, nil
	}
	g.mu.Unlock()

	txHash, err := g.transfer(ctx, amount)
	if err != nil {
		var te *TransferError
		if errors.As(err, &te) && te.Op == "send" {
			// the node may have accepted the transaction before failing
			res := &Result{Reference: te.TxHash, Status: StatusPending, Amount: usdc.Format(amount), Backend: g.Name(), Detail: err.Error()}
			g.remember(key, res)
			return res, nil
		}
		return nil, err
	}

	res := &Result{Reference: txHash, Status: StatusPending, Amount: usdc.Format(amount), Backend: g.Name()}
	g.remember(key, res)
	cp := *res
	return &cp, nil
}

func (g *ChainGateway) remember(key string, res *Result) {
	g.mu.Lock()
	g.sent[key] = res
	g.mu.Unlock()
}

func (g *ChainGateway) transfer(ctx context.Context, amount *big.Int) (string, error) {
	data, err := g.erc20.Pack("transfer", g.payout, amount)
	if err != nil {
		return "", &TransferError{Op: "pack", Err: err}
	}

	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	nonce, err := g.client.PendingNonceAt(ctx, g.from)
	if err != nil {
		return "", &TransferError{Op: "nonce", Err: err}
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &TransferError{Op: "gas_price", Err: err}
	}
	gasLimit, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  g.from,
		To:    &g.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, g.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(g.chainID), g.privateKey)
	if err != nil {
		return "", &TransferError{Op: "sign", Err: err}
	}
	if err := g.client.SendTransaction(ctx, signed); err != nil {
		return "", &TransferError{Op: "send", TxHash: signed.Hash().Hex(), Err: err}
	}
	return signed.Hash().Hex(), nil
}

func (g *ChainGateway) Status(ctx context.Context, reference string) (*Result, error) {
	if reference == "" {
		return nil, ErrUnknownReference
	}
	res := &Result{Reference: reference, Backend: g.Name()}
	g.mu.Lock()
	for _, r := range g.sent {
		if r.Reference == reference {
			res.Amount = r.Amount
			break
		}
	}
	g.mu.Unlock()

	receipt, err := g.client.TransactionReceipt(ctx, common.HexToHash(reference))
	if errors.Is(err, ethereum.NotFound) {
		res.Status = StatusPending
		return res, nil
	}
	if err != nil {
		return nil, &TransferError{Op: "receipt", TxHash: reference, Err: err}
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		res.Status = StatusSucceeded
	} else {
		res.Status = StatusFailed
		res.Detail = "transaction reverted"
	}
	if receipt.BlockNumber != nil {
		res.Detail = strings.TrimSpace(res.Detail + " block " + receipt.BlockNumber.String())
	}
	return res, nil
}

// Close closes the client connection.
func (g *ChainGateway) Close() error {
	if g.client != nil {
		g.client.Close()
	}
	return nil
}

var _ Gateway = (*ChainGateway)(nil)
