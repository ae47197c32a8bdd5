package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"smart-exec/internal/splitter"
)

// SimulatedSigner 为练习模式签名器：生成合成哈希，不上链，状态机与真实模式一致。
type SimulatedSigner struct {
	logger       *zap.Logger
	confirmDelay time.Duration

	mu      sync.Mutex
	nonce   uint64
	pending map[string]splitter.ChildOrder
}

// NewSimulatedSigner 创建练习模式签名器，confirmDelay 模拟出块等待。
func NewSimulatedSigner(confirmDelay time.Duration, logger *zap.Logger) *SimulatedSigner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulatedSigner{
		logger:       logger,
		confirmDelay: confirmDelay,
		pending:      make(map[string]splitter.ChildOrder),
	}
}

// Submit 返回确定格式的合成哈希。
func (s *SimulatedSigner) Submit(ctx context.Context, order splitter.ChildOrder) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !order.TokenAmount.IsPositive() {
		return "", fmt.Errorf("%w: %s", ErrInvalidAmount, order.TokenAmount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nonce++
	payload := fmt.Sprintf("%d|%s|%s|%s|%d", s.nonce, order.Token, order.TokenAmount, order.Recipient, order.Index)
	hash := crypto.Keccak256Hash([]byte(payload)).Hex()
	s.pending[hash] = order

	s.logger.Debug("练习模式子订单已提交",
		zap.Int("index", order.Index),
		zap.String("token", order.Token),
		zap.String("tx_hash", hash),
	)
	return hash, nil
}

// WaitForConfirmation 对已提交的合成哈希返回成功。
func (s *SimulatedSigner) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) error {
	s.mu.Lock()
	_, ok := s.pending[txHash]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTx, txHash)
	}

	if s.confirmDelay > 0 {
		if timeout > 0 && s.confirmDelay > timeout {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(timeout):
				return fmt.Errorf("%w: %s", ErrConfirmationTimeout, txHash)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.confirmDelay):
		}
	}

	s.mu.Lock()
	delete(s.pending, txHash)
	s.mu.Unlock()
	return nil
}
