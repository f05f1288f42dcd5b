package baserpc

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"

	"github.com/dwarvesf/escrow-settlement/contracts/erc20"
	"github.com/dwarvesf/escrow-settlement/contracts/escrow"
	"github.com/dwarvesf/escrow-settlement/internal/failure"
	"github.com/dwarvesf/escrow-settlement/internal/utils/config"
	"github.com/dwarvesf/escrow-settlement/internal/utils/logger"
)

var (
	ErrNotPending     = errors.New("transaction is no longer pending")
	ErrEscrowIDAbsent = errors.New("no EscrowCreated event in receipt")
)

type BaseRPC struct {
	appConfig *config.AppConfig
	logger    *logger.Logger

	client  *ethclient.Client
	escrow  *escrow.Escrow
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int

	// serializes nonce assignment for the single bridge wallet
	submitMu sync.Mutex
}

func New(appConfig *config.AppConfig, logger *logger.Logger) (IBaseRPC, error) {
	client, err := ethclient.Dial(appConfig.Blockchain.BaseRPCEndpoint)
	if err != nil {
		return nil, err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(appConfig.Blockchain.BridgePrivateKey, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid bridge wallet key")
	}

	escrowContract, err := escrow.NewEscrow(common.HexToAddress(appConfig.Blockchain.EscrowContractAddr), client)
	if err != nil {
		return nil, err
	}

	return &BaseRPC{
		appConfig: appConfig,
		logger:    logger,
		client:    client,
		escrow:    escrowContract,
		key:       key,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		chainID:   big.NewInt(appConfig.Blockchain.ChainID),
	}, nil
}

func (b *BaseRPC) BridgeAddress() string {
	return b.from.Hex()
}

func (b *BaseRPC) EscrowAddress() string {
	return b.escrow.Address().Hex()
}

func (b *BaseRPC) TokenAddress() string {
	return b.appConfig.Blockchain.TokenContractAddr
}

func (b *BaseRPC) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(b.key, b.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	return opts, nil
}

func (b *BaseRPC) submit(ctx context.Context, operation string, send func(opts *bind.TransactOpts) (*types.Transaction, error)) (string, error) {
	b.submitMu.Lock()
	defer b.submitMu.Unlock()

	opts, err := b.transactOpts(ctx)
	if err != nil {
		return "", failure.Permanent("build transactor", err)
	}

	tx, err := send(opts)
	if err != nil {
		b.logger.Error(fmt.Sprintf("[%s][submit]", operation), map[string]string{
			"error": err.Error(),
		})
		return "", classifySubmitError(err)
	}

	b.logger.Info(fmt.Sprintf("[%s] transaction submitted", operation), map[string]string{
		"txHash": tx.Hash().Hex(),
		"nonce":  fmt.Sprintf("%d", tx.Nonce()),
	})
	return tx.Hash().Hex(), nil
}

// classifySubmitError maps node errors returned at submission time.
func classifySubmitError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "gas required exceeds"):
		return failure.Permanent("reverted", err)
	default:
		return failure.Transient("rpc unavailable", err)
	}
}

func (b *BaseRPC) ApproveAllowance(ctx context.Context, token, spender string, amount *big.Int) (string, error) {
	t, err := erc20.NewErc20(common.HexToAddress(token), b.client)
	if err != nil {
		return "", failure.Permanent("bind token", err)
	}
	return b.submit(ctx, "ApproveAllowance", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return t.Approve(opts, common.HexToAddress(spender), amount)
	})
}

func (b *BaseRPC) CreateEscrow(ctx context.Context, params CreateEscrowParams) (string, error) {
	return b.submit(ctx, "CreateEscrow", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return b.escrow.CreateEscrow(opts,
			common.HexToAddress(params.Payer),
			common.HexToAddress(params.Payee),
			common.HexToAddress(params.Token),
			params.Amount,
			big.NewInt(params.Deadline.Unix()),
			params.Vertical,
			params.Metadata,
		)
	})
}

func (b *BaseRPC) Release(ctx context.Context, escrowID string) (string, error) {
	id, ok := new(big.Int).SetString(escrowID, 10)
	if !ok {
		return "", failure.Permanent("invalid escrow id", errors.Errorf("escrow id %q", escrowID))
	}
	return b.submit(ctx, "Release", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return b.escrow.Release(opts, id)
	})
}

func (b *BaseRPC) Transfer(ctx context.Context, token, to string, amount *big.Int) (string, error) {
	t, err := erc20.NewErc20(common.HexToAddress(token), b.client)
	if err != nil {
		return "", failure.Permanent("bind token", err)
	}
	return b.submit(ctx, "Transfer", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return t.Transfer(opts, common.HexToAddress(to), amount)
	})
}

func (b *BaseRPC) SpeedUp(ctx context.Context, txHash string, bumpPercent int) (string, error) {
	b.submitMu.Lock()
	defer b.submitMu.Unlock()

	tx, isPending, err := b.client.TransactionByHash(ctx, common.HexToHash(txHash))
	if err != nil {
		return "", failure.Transient("lookup transaction", err)
	}
	if !isPending {
		return "", ErrNotPending
	}

	bump := big.NewInt(int64(100 + bumpPercent))
	hundred := big.NewInt(100)
	tipCap := new(big.Int).Div(new(big.Int).Mul(tx.GasTipCap(), bump), hundred)
	feeCap := new(big.Int).Div(new(big.Int).Mul(tx.GasFeeCap(), bump), hundred)

	if suggested, err := b.client.SuggestGasTipCap(ctx); err == nil && suggested.Cmp(tipCap) > 0 {
		tipCap = suggested
	}
	if head, err := b.client.HeaderByNumber(ctx, nil); err == nil && head.BaseFee != nil {
		minFeeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tipCap)
		if minFeeCap.Cmp(feeCap) > 0 {
			feeCap = minFeeCap
		}
	}

	replacement := types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.chainID,
		Nonce:     tx.Nonce(),
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       tx.Gas(),
		To:        tx.To(),
		Value:     tx.Value(),
		Data:      tx.Data(),
	})
	signed, err := types.SignTx(replacement, types.LatestSignerForChainID(b.chainID), b.key)
	if err != nil {
		return "", failure.Permanent("sign replacement", err)
	}
	if err := b.client.SendTransaction(ctx, signed); err != nil {
		return "", classifySubmitError(err)
	}

	b.logger.Info("[SpeedUp] replacement submitted", map[string]string{
		"original":    txHash,
		"replacement": signed.Hash().Hex(),
		"nonce":       fmt.Sprintf("%d", tx.Nonce()),
	})
	return signed.Hash().Hex(), nil
}

func (b *BaseRPC) TokenBalanceOf(ctx context.Context, token, owner string) (*big.Int, error) {
	t, err := erc20.NewErc20(common.HexToAddress(token), b.client)
	if err != nil {
		return nil, err
	}
	balance, err := t.BalanceOf(&bind.CallOpts{Context: ctx}, common.HexToAddress(owner))
	if err != nil {
		return nil, failure.Transient("read balance", err)
	}
	return balance, nil
}

func (b *BaseRPC) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	t, err := erc20.NewErc20(common.HexToAddress(token), b.client)
	if err != nil {
		return nil, err
	}
	allowance, err := t.Allowance(&bind.CallOpts{Context: ctx}, common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, failure.Transient("read allowance", err)
	}
	return allowance, nil
}

func (b *BaseRPC) TxStatus(ctx context.Context, txHash string) (*TxStatus, error) {
	hash := common.HexToHash(txHash)
	status := &TxStatus{Hash: txHash}

	receipt, err := b.client.TransactionReceipt(ctx, hash)
	if err == nil {
		status.BlockNumber = receipt.BlockNumber.Uint64()
		if receipt.Status == types.ReceiptStatusFailed {
			status.State = TxReverted
			return status, nil
		}

		head, err := b.client.BlockNumber(ctx)
		if err != nil {
			return nil, failure.Transient("read head", err)
		}
		status.State = TxMined
		if head >= status.BlockNumber {
			status.Confirmations = head - status.BlockNumber + 1
		}
		return status, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return nil, failure.Transient("read receipt", err)
	}

	_, _, err = b.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		status.State = TxNotFound
		return status, nil
	}
	if err != nil {
		return nil, failure.Transient("read transaction", err)
	}

	// known to the node but no receipt yet
	status.State = TxPending
	return status, nil
}

func (b *BaseRPC) EscrowIDFromReceipt(ctx context.Context, txHash string) (string, error) {
	receipt, err := b.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return "", failure.Transient("read receipt", err)
	}

	for _, log := range receipt.Logs {
		if log.Address != b.escrow.Address() {
			continue
		}
		event, err := b.escrow.ParseEscrowCreated(*log)
		if err != nil {
			continue
		}
		return event.EscrowId.String(), nil
	}
	return "", ErrEscrowIDAbsent
}

func (b *BaseRPC) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := b.client.BlockNumber(ctx)
	if err != nil {
		return 0, failure.Transient("read head", err)
	}
	return n, nil
}
