package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/tesseralabs/tessera/internal/token"
)

// SubmitError wraps a chain submission failure with context.
type SubmitError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if the tx was signed
	Err    error  // Underlying error
}

func (e *SubmitError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("settlement: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("settlement: %s failed: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Minimal ERC20 ABI: transfer, balanceOf, Transfer event.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

const (
	// DefaultGasLimit for ERC20 transfers when estimation fails.
	DefaultGasLimit = uint64(100000)
)

// ChainConfig configures the on-chain bridge.
type ChainConfig struct {
	RPCURL        string
	TreasuryKey   string // Hex private key, 0x prefix optional
	ChainID       int64
	TokenContract string
}

// ChainOption configures the bridge.
type ChainOption func(*ChainBridge)

// WithEthClient sets a custom Ethereum client (useful for testing).
func WithEthClient(client EthClient) ChainOption {
	return func(b *ChainBridge) {
		b.client = client
	}
}

// ChainBridge moves the payment token out of the treasury wallet. Release
// and Refund are both plain ERC20 transfers; the distinction lives in the
// intent record, not on chain. The bridge itself is stateless: the prior
// submission travels on the intent, and a resubmission first checks its
// receipt, reusing its nonce when the transaction is still unmined so a
// retried key can never pay twice.
type ChainBridge struct {
	client        EthClient
	treasuryKey   *ecdsa.PrivateKey
	treasuryAddr  common.Address
	chainID       *big.Int
	tokenContract common.Address
	tokenABI      abi.ABI
}

// Compile-time interface check.
var _ Bridge = (*ChainBridge)(nil)

// NewChainBridge creates a bridge connected to the configured RPC endpoint.
func NewChainBridge(cfg ChainConfig, opts ...ChainOption) (*ChainBridge, error) {
	if err := validateChainConfig(cfg); err != nil {
		return nil, err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.TreasuryKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("settlement: invalid treasury key: %w", err)
	}

	publicKey, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("settlement: failed to derive treasury public key")
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("settlement: failed to parse ERC20 ABI: %w", err)
	}

	b := &ChainBridge{
		treasuryKey:   key,
		treasuryAddr:  crypto.PubkeyToAddress(*publicKey),
		chainID:       big.NewInt(cfg.ChainID),
		tokenContract: common.HexToAddress(cfg.TokenContract),
		tokenABI:      parsedABI,
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrChainUnavailable, err)
		}
		b.client = client
	}

	return b, nil
}

func validateChainConfig(cfg ChainConfig) error {
	if cfg.RPCURL == "" {
		return errors.New("settlement: RPC URL required")
	}
	key := strings.TrimPrefix(cfg.TreasuryKey, "0x")
	if len(key) != 64 {
		return errors.New("settlement: treasury key must be 64 hex characters")
	}
	if cfg.ChainID == 0 {
		return errors.New("settlement: chain ID required")
	}
	if cfg.TokenContract == "" {
		return errors.New("settlement: token contract address required")
	}
	return nil
}

// TreasuryAddress returns the address funds are paid out from.
func (b *ChainBridge) TreasuryAddress() string {
	return b.treasuryAddr.Hex()
}

// TreasuryBalance returns the treasury's token balance in token units.
func (b *ChainBridge) TreasuryBalance(ctx context.Context) (string, error) {
	data, err := b.tokenABI.Pack("balanceOf", b.treasuryAddr)
	if err != nil {
		return "", fmt.Errorf("settlement: failed to pack balanceOf call: %w", err)
	}

	result, err := b.client.CallContract(ctx, ethereum.CallMsg{
		To:   &b.tokenContract,
		Data: data,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("%w: balanceOf: %v", ErrChainUnavailable, err)
	}

	return token.Format(new(big.Int).SetBytes(result)), nil
}

// Release transfers the amount to the recipient's wallet address.
func (b *ChainBridge) Release(ctx context.Context, recipientAddr, amount, idempotencyKey string, prev *Submission) (Submission, error) {
	return b.transfer(ctx, recipientAddr, amount, prev)
}

// Refund transfers the amount back to the buyer's wallet address.
func (b *ChainBridge) Refund(ctx context.Context, recipientAddr, amount, idempotencyKey string, prev *Submission) (Submission, error) {
	return b.transfer(ctx, recipientAddr, amount, prev)
}

func (b *ChainBridge) transfer(ctx context.Context, recipientAddr, amount string, prev *Submission) (Submission, error) {
	raw, ok := token.Parse(amount)
	if !ok {
		return Submission{}, &SubmitError{Op: "parse_amount", Err: fmt.Errorf("invalid amount %q", amount)}
	}
	to := common.HexToAddress(recipientAddr)

	data, err := b.tokenABI.Pack("transfer", to, raw)
	if err != nil {
		return Submission{}, &SubmitError{Op: "pack", Err: err}
	}

	var nonce uint64
	reuseNonce := false
	if prev != nil && prev.TxHash != "" {
		receipt, rerr := b.client.TransactionReceipt(ctx, common.HexToHash(prev.TxHash))
		switch {
		case rerr == nil && receipt.Status == types.ReceiptStatusSuccessful:
			// The earlier submission landed after all; signing another
			// transfer would pay the same key twice.
			return *prev, nil
		case rerr == nil:
			// Reverted: its nonce is consumed, a fresh transaction is safe.
		case errors.Is(rerr, ethereum.NotFound):
			// Unmined. Reuse its nonce so the old and new transactions
			// conflict and at most one of them can ever mine.
			nonce = prev.Nonce
			reuseNonce = true
		default:
			return Submission{}, &SubmitError{Op: "prior_receipt", Err: classifyRPC(rerr)}
		}
	}
	if !reuseNonce {
		nonce, err = b.client.PendingNonceAt(ctx, b.treasuryAddr)
		if err != nil {
			return Submission{}, &SubmitError{Op: "nonce", Err: classifyRPC(err)}
		}
	}

	gasPrice, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return Submission{}, &SubmitError{Op: "gas_price", Err: classifyRPC(err)}
	}
	if reuseNonce {
		// A same-nonce replacement must outbid the original or the node
		// rejects it; an underpriced rejection comes back as a send error
		// and stays retryable at the next suggested price.
		gasPrice = new(big.Int).Add(gasPrice, new(big.Int).Div(gasPrice, big.NewInt(4)))
	}

	gasLimit, err := b.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  b.treasuryAddr,
		To:    &b.tokenContract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Estimation failing with an execution revert usually means the
		// transfer itself would fail, most often an empty treasury.
		if isBalanceError(err) {
			return Submission{}, &SubmitError{Op: "estimate", Err: ErrInsufficientContractBalance}
		}
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, b.tokenContract, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(b.chainID), b.treasuryKey)
	if err != nil {
		return Submission{}, &SubmitError{Op: "sign", Err: err}
	}

	sub := Submission{TxHash: signedTx.Hash().Hex(), Nonce: nonce}
	if err := b.client.SendTransaction(ctx, signedTx); err != nil {
		// The tx was signed: return the submission so the caller can park
		// the intent on it and let the confirmation poller decide.
		return sub, &SubmitError{
			Op:     "send",
			TxHash: sub.TxHash,
			Err:    classifyRPC(err),
		}
	}

	return sub, nil
}

// Confirm checks whether a submitted transaction has been mined.
func (b *ChainBridge) Confirm(ctx context.Context, txHash string) (Confirmation, error) {
	receipt, err := b.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Confirmation{Mined: false, TxHash: txHash}, nil
		}
		return Confirmation{}, fmt.Errorf("%w: receipt: %v", ErrChainUnavailable, err)
	}

	return Confirmation{
		Mined:    true,
		Reverted: receipt.Status == types.ReceiptStatusFailed,
		TxHash:   txHash,
	}, nil
}

// VerifyPayment checks receipt logs for a token transfer of at least
// minAmount from the payer into the treasury. Used to validate a buyer's
// purchase payment before an escrow is opened.
func (b *ChainBridge) VerifyPayment(ctx context.Context, payerAddr, minAmount, txHash string) (bool, error) {
	payer := common.HexToAddress(payerAddr)
	minRaw, ok := token.Parse(minAmount)
	if !ok {
		return false, fmt.Errorf("settlement: invalid amount %q", minAmount)
	}

	receipt, err := b.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: receipt: %v", ErrChainUnavailable, err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return false, nil
	}

	for _, log := range receipt.Logs {
		if log.Address != b.tokenContract {
			continue
		}
		if len(log.Topics) < 3 {
			continue
		}

		eventFrom := common.HexToAddress(log.Topics[1].Hex())
		eventTo := common.HexToAddress(log.Topics[2].Hex())
		eventAmount := new(big.Int).SetBytes(log.Data)

		if eventFrom == payer && eventTo == b.treasuryAddr && eventAmount.Cmp(minRaw) >= 0 {
			return true, nil
		}
	}

	return false, nil
}

// Close closes the client connection.
func (b *ChainBridge) Close() error {
	if b.client != nil {
		b.client.Close()
	}
	return nil
}

// classifyRPC folds transport-level failures into ErrChainUnavailable so
// callers can branch on the taxonomy instead of string matching.
func classifyRPC(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrChainUnavailable, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "503") {
		return fmt.Errorf("%w: %v", ErrChainUnavailable, err)
	}
	if isBalanceError(err) {
		return ErrInsufficientContractBalance
	}
	return err
}

func isBalanceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient") || strings.Contains(msg, "transfer amount exceeds balance")
}
