package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"smart-exec/internal/config"
	"smart-exec/internal/splitter"
)

var (
	ErrConfirmationTimeout = errors.New("chain: 等待确认超时")
	ErrReverted            = errors.New("chain: 交易执行失败(reverted)")
	ErrUnknownTx           = errors.New("chain: 未知交易哈希")
	ErrInvalidRecipient    = errors.New("chain: 收款地址无效")
	ErrInvalidAmount       = errors.New("chain: 代币数量无效")
)

const (
	MethodTransfer = "transfer"
	MethodMint     = "mint"
)

var erc20ABI abi.ABI

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "transfer",
			"type": "function",
			"inputs": [
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"outputs": [{"name": "", "type": "bool"}]
		},
		{
			"name": "mint",
			"type": "function",
			"inputs": [
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"outputs": []
		}
	]`))
	if err != nil {
		panic("erc20 abi parse: " + err.Error())
	}
}

// Backend 为中继签名所需的链访问接口，*ethclient.Client 即满足。
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// RelayerSigner 使用中继私钥签名并广播 ERC-20 调用。
type RelayerSigner struct {
	backend      Backend
	registry     *Registry
	key          *ecdsa.PrivateKey
	from         common.Address
	chainID      *big.Int
	method       string
	gasLimit     uint64
	pollInterval time.Duration
	limiter      *rate.Limiter
	logger       *zap.Logger

	mu sync.Mutex
}

// Dial 连接 RPC 节点并创建中继签名器，返回的 closer 用于释放连接。
func Dial(ctx context.Context, cfg config.ChainConfig, registry *Registry, logger *zap.Logger) (*RelayerSigner, func(), error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("chain: 连接 RPC 节点失败: %w", err)
	}
	signer, err := NewRelayerSigner(cfg, client, registry, logger)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return signer, client.Close, nil
}

// NewRelayerSigner 构造中继签名器。
func NewRelayerSigner(cfg config.ChainConfig, backend Backend, registry *Registry, logger *zap.Logger) (*RelayerSigner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backend == nil {
		return nil, errors.New("chain: backend 不能为空")
	}
	if registry == nil {
		return nil, errors.New("chain: 代币注册表不能为空")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.RelayerKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: 中继私钥无效: %w", err)
	}

	method := strings.ToLower(cfg.Method)
	if method == "" {
		method = MethodTransfer
	}
	if method != MethodTransfer && method != MethodMint {
		return nil, fmt.Errorf("chain: 不支持的调用方法 %s", cfg.Method)
	}

	limit := rate.Inf
	if cfg.SubmitRate > 0 {
		limit = rate.Limit(cfg.SubmitRate)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}

	return &RelayerSigner{
		backend:      backend,
		registry:     registry,
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		chainID:      big.NewInt(cfg.ChainID),
		method:       method,
		gasLimit:     cfg.GasLimit,
		pollInterval: poll,
		limiter:      rate.NewLimiter(limit, 1),
		logger:       logger,
	}, nil
}

// Address 返回中继地址。
func (s *RelayerSigner) Address() common.Address {
	return s.from
}

// Submit 签名并广播一笔子订单，返回交易哈希。
func (s *RelayerSigner) Submit(ctx context.Context, order splitter.ChildOrder) (string, error) {
	token, err := s.registry.Lookup(order.Token)
	if err != nil {
		return "", err
	}
	if !common.IsHexAddress(order.Recipient) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecipient, order.Recipient)
	}
	amount := ToBaseUnits(order.TokenAmount, token.Decimals)
	if amount.Sign() <= 0 {
		return "", fmt.Errorf("%w: %s", ErrInvalidAmount, order.TokenAmount)
	}

	data, err := erc20ABI.Pack(s.method, common.HexToAddress(order.Recipient), amount)
	if err != nil {
		return "", fmt.Errorf("chain: 编码调用数据失败: %w", err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	// 子订单按顺序提交，串行化 nonce 获取与广播
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return "", fmt.Errorf("chain: 获取 nonce 失败: %w", err)
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("chain: 获取 gas price 失败: %w", err)
	}

	contract := common.HexToAddress(token.Address)
	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     s.from,
		To:       &contract,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil || gas == 0 {
		s.logger.Warn("gas 估算失败，使用默认值",
			zap.String("token", token.Symbol),
			zap.Uint64("gas_limit", s.gasLimit),
			zap.Error(err),
		)
		gas = s.gasLimit
	} else {
		gas = gas * 12 / 10
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &contract,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return "", fmt.Errorf("chain: 交易签名失败: %w", err)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("chain: 广播交易失败: %w", err)
	}

	hash := signed.Hash().Hex()
	s.logger.Info("子订单已广播",
		zap.Int("index", order.Index),
		zap.String("token", token.Symbol),
		zap.String("amount", amount.String()),
		zap.String("recipient", order.Recipient),
		zap.Uint64("nonce", nonce),
		zap.String("tx_hash", hash),
	)
	return hash, nil
}

// WaitForConfirmation 轮询回执直至成功、回滚或超时。
// 父 context 取消时返回其错误，超时返回 ErrConfirmationTimeout。
func (s *RelayerSigner) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) error {
	if !isTxHash(txHash) {
		return fmt.Errorf("%w: %s", ErrUnknownTx, txHash)
	}
	hash := common.HexToHash(txHash)

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s", ErrConfirmationTimeout, txHash)
		case <-timer.C:
		}

		receipt, err := s.backend.TransactionReceipt(waitCtx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: %s", ErrReverted, txHash)
			}
			s.logger.Debug("交易已确认",
				zap.String("tx_hash", txHash),
				zap.Uint64("gas_used", receipt.GasUsed),
			)
			return nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			s.logger.Warn("查询交易回执失败", zap.String("tx_hash", txHash), zap.Error(err))
		}

		timer.Reset(s.pollInterval)
	}
}

func isTxHash(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 2*common.HashLength {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
