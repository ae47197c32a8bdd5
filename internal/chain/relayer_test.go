package chain

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-exec/internal/config"
	"smart-exec/internal/splitter"
)

const (
	testKey       = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	usdcAddress   = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	wethAddress   = "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619"
	recipientAddr = "0x00000000000000000000000000000000000000aa"
)

type fakeBackend struct {
	mu        sync.Mutex
	nonce     uint64
	sent      []*types.Transaction
	receipts  map[common.Hash]*types.Receipt
	sendErr   error
	gasErr    error
	lookups   int
	readyFrom int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{nonce: 7, receipts: make(map[common.Hash]*types.Receipt)}
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce + uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.gasErr != nil {
		return 0, f.gasErr
	}
	return 50_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.lookups < f.readyFrom {
		return nil, ethereum.NotFound
	}
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry([]Token{
		{Symbol: "usdc", Address: usdcAddress, Decimals: 6},
		{Symbol: "WETH", Address: wethAddress, Decimals: 18},
	})
	require.NoError(t, err)
	return reg
}

func testSigner(t *testing.T, backend Backend, method string) *RelayerSigner {
	t.Helper()
	s, err := NewRelayerSigner(config.ChainConfig{
		ChainID:      137,
		RelayerKey:   "0x" + testKey,
		Method:       method,
		GasLimit:     120_000,
		PollInterval: time.Millisecond,
	}, backend, testRegistry(t), nil)
	require.NoError(t, err)
	return s
}

func child(token string, amount string) splitter.ChildOrder {
	return splitter.ChildOrder{
		Index:       0,
		Token:       token,
		TokenAmount: decimal.RequireFromString(amount),
		Recipient:   recipientAddr,
	}
}

func TestRelayerSubmitBuildsSignedTransfer(t *testing.T) {
	backend := newFakeBackend()
	s := testSigner(t, backend, "transfer")

	hash, err := s.Submit(context.Background(), child("USDC", "12.5"))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, tx.Hash().Hex(), hash)
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, common.HexToAddress(usdcAddress), *tx.To())
	assert.Equal(t, uint64(60_000), tx.Gas())

	args, err := erc20ABI.Methods["transfer"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(recipientAddr), args[0])
	assert.Equal(t, "12500000", args[1].(*big.Int).String())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(137)), tx)
	require.NoError(t, err)
	key, _ := crypto.HexToECDSA(testKey)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), from)
	assert.Equal(t, from, s.Address())
}

func TestRelayerSubmitMintAndGasFallback(t *testing.T) {
	backend := newFakeBackend()
	backend.gasErr = errors.New("execution reverted")
	s := testSigner(t, backend, "mint")

	_, err := s.Submit(context.Background(), child("weth", "0.5"))
	require.NoError(t, err)
	tx := backend.sent[0]
	assert.Equal(t, uint64(120_000), tx.Gas())
	assert.Equal(t, erc20ABI.Methods["mint"].ID, tx.Data()[:4])
}

func TestRelayerSubmitRejectsBadInput(t *testing.T) {
	backend := newFakeBackend()
	s := testSigner(t, backend, "transfer")

	_, err := s.Submit(context.Background(), child("DOGE", "1"))
	require.ErrorIs(t, err, ErrUnknownToken)

	bad := child("USDC", "1")
	bad.Recipient = "not-an-address"
	_, err = s.Submit(context.Background(), bad)
	require.ErrorIs(t, err, ErrInvalidRecipient)

	_, err = s.Submit(context.Background(), child("USDC", "0.0000001"))
	require.ErrorIs(t, err, ErrInvalidAmount)

	backend.sendErr = errors.New("nonce too low")
	_, err = s.Submit(context.Background(), child("USDC", "1"))
	require.Error(t, err)
	assert.Empty(t, backend.sent)
}

func TestRelayerWaitForConfirmation(t *testing.T) {
	backend := newFakeBackend()
	backend.readyFrom = 3
	s := testSigner(t, backend, "transfer")

	okHash, err := s.Submit(context.Background(), child("USDC", "1"))
	require.NoError(t, err)
	revertHash, err := s.Submit(context.Background(), child("USDC", "2"))
	require.NoError(t, err)

	backend.receipts[common.HexToHash(okHash)] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	backend.receipts[common.HexToHash(revertHash)] = &types.Receipt{Status: types.ReceiptStatusFailed}

	require.NoError(t, s.WaitForConfirmation(context.Background(), okHash, time.Second))
	require.ErrorIs(t, s.WaitForConfirmation(context.Background(), revertHash, time.Second), ErrReverted)
}

func TestRelayerWaitTimeoutAndCancel(t *testing.T) {
	backend := newFakeBackend()
	s := testSigner(t, backend, "transfer")
	hash, err := s.Submit(context.Background(), child("USDC", "1"))
	require.NoError(t, err)

	err = s.WaitForConfirmation(context.Background(), hash, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrConfirmationTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.WaitForConfirmation(ctx, hash, time.Second)
	require.ErrorIs(t, err, context.Canceled)

	require.ErrorIs(t, s.WaitForConfirmation(context.Background(), "0x1234", time.Second), ErrUnknownTx)
}

func TestNewRelayerSignerValidatesConfig(t *testing.T) {
	_, err := NewRelayerSigner(config.ChainConfig{RelayerKey: "zz"}, newFakeBackend(), testRegistry(t), nil)
	require.Error(t, err)

	_, err = NewRelayerSigner(config.ChainConfig{RelayerKey: testKey, Method: "burn"}, newFakeBackend(), testRegistry(t), nil)
	require.Error(t, err)
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	content := `
tokens:
  - symbol: usdc
    address: "0x2791bca1f2de4661ed88a30c99a7a9449aa84174"
    decimals: 6
  - symbol: WETH
    address: "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619"
    decimals: 18
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	tok, err := reg.Lookup("USDC")
	require.NoError(t, err)
	assert.Equal(t, usdcAddress, tok.Address)
	assert.Equal(t, int32(6), tok.Decimals)

	_, err = NewRegistry([]Token{{Symbol: "X", Address: "0x12", Decimals: 6}})
	require.Error(t, err)
	_, err = NewRegistry([]Token{
		{Symbol: "X", Address: usdcAddress, Decimals: 6},
		{Symbol: "x", Address: wethAddress, Decimals: 6},
	})
	require.Error(t, err)
}

func TestToBaseUnitsTruncates(t *testing.T) {
	assert.Equal(t, "1234567", ToBaseUnits(decimal.RequireFromString("1.2345679"), 6).String())
	assert.Equal(t, "500000000000000000", ToBaseUnits(decimal.RequireFromString("0.5"), 18).String())
}

func TestSimulatedSigner(t *testing.T) {
	s := NewSimulatedSigner(0, nil)

	h1, err := s.Submit(context.Background(), child("ETH", "1"))
	require.NoError(t, err)
	h2, err := s.Submit(context.Background(), child("ETH", "1"))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.Len(t, h1, 66)

	require.NoError(t, s.WaitForConfirmation(context.Background(), h1, time.Second))
	require.ErrorIs(t, s.WaitForConfirmation(context.Background(), "0xdead", time.Second), ErrUnknownTx)

	_, err = s.Submit(context.Background(), child("ETH", "0"))
	require.ErrorIs(t, err, ErrInvalidAmount)

	slow := NewSimulatedSigner(time.Second, nil)
	h3, err := slow.Submit(context.Background(), child("ETH", "1"))
	require.NoError(t, err)
	require.ErrorIs(t, slow.WaitForConfirmation(context.Background(), h3, 10*time.Millisecond), ErrConfirmationTimeout)
}
