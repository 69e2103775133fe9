package registry

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qidao/govsync/src/logging"
	"github.com/qidao/govsync/src/shared/gov"
)

func createdReceipt(t *testing.T, c *Client, number int64) *types.Receipt {
	t.Helper()
	return &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{{
			Address: c.address,
			Topics: []common.Hash{
				c.abi.Events["QIPCreated"].ID,
				common.BigToHash(big.NewInt(number)),
				common.HexToHash(testAuthorAddr),
			},
		}},
	}
}

func TestCreateQIPReturnsAssignedNumber(t *testing.T) {
	backend := &fakeBackend{estimate: 100_000}
	c := newTestClient(t, backend, testSignerKey)
	backend.receipt = createdReceipt(t, c, 217)

	var hash [32]byte
	copy(hash[:], crypto.Keccak256([]byte("content")))

	number, err := c.CreateQIP(context.Background(), "Add Collateral Type", "Polygon", hash, "ipfs://bafytest")
	require.NoError(t, err)
	assert.Equal(t, uint64(217), number)

	tx := backend.lastSent()
	require.NotNil(t, tx)
	assert.Equal(t, c.address, *tx.To())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(120_000), tx.Gas(), "estimate must be padded before submission")
}

func TestCreateQIPWithoutSignerIsConfigError(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestClient(t, backend, "")

	_, err := c.CreateQIP(context.Background(), "T", "Polygon", [32]byte{}, "ipfs://x")
	require.Error(t, err)
	assert.Equal(t, logging.KindConfig, logging.KindOf(err))
	assert.Empty(t, backend.sent, "nothing may reach the chain without a signer")
}

func TestCreateQIPMissingEventIsChainError(t *testing.T) {
	backend := &fakeBackend{
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful},
	}
	c := newTestClient(t, backend, testSignerKey)

	_, err := c.CreateQIP(context.Background(), "T", "Polygon", [32]byte{}, "ipfs://x")
	require.Error(t, err)
	assert.Equal(t, logging.KindChain, logging.KindOf(err))
}

func TestUpdateQIPReturnsNewVersion(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestClient(t, backend, testSignerKey)

	var hash [32]byte
	copy(hash[:], crypto.Keccak256([]byte("content v3")))
	data, err := c.abi.Events["QIPUpdated"].Inputs.NonIndexed().Pack(
		big.NewInt(3), hash, "ipfs://bafynew", "clarify collateral ratio")
	require.NoError(t, err)

	backend.receipt = &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{{
			Address: c.address,
			Topics: []common.Hash{
				c.abi.Events["QIPUpdated"].ID,
				common.BigToHash(big.NewInt(209)),
				common.HexToHash(testAuthorAddr),
			},
			Data: data,
		}},
	}

	version, err := c.UpdateQIP(context.Background(), 209, hash, "ipfs://bafynew", "clarify collateral ratio")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), version)
}

func TestSetStatusConfirms(t *testing.T) {
	backend := &fakeBackend{
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful},
	}
	c := newTestClient(t, backend, testSignerKey)

	require.NoError(t, c.SetStatus(context.Background(), 209, gov.StatusApproved))
	require.NotNil(t, backend.lastSent())
}

func TestSetStatusUnauthorizedIsNotRetryable(t *testing.T) {
	backend := &fakeBackend{
		estimateErr: errors.New("execution reverted: not authorized to change status"),
	}
	c := newTestClient(t, backend, testSignerKey)

	err := c.SetStatus(context.Background(), 209, gov.StatusApproved)
	require.Error(t, err)
	assert.Equal(t, logging.KindUnauthorized, logging.KindOf(err))
	assert.False(t, logging.IsRetryable(err))
	assert.Empty(t, backend.sent)
}

func TestSubmitRevertedReceiptIsChainError(t *testing.T) {
	backend := &fakeBackend{
		receipt: &types.Receipt{Status: types.ReceiptStatusFailed},
	}
	c := newTestClient(t, backend, testSignerKey)

	err := c.SetStatus(context.Background(), 209, gov.StatusWithdrawn)
	require.Error(t, err)
	assert.Equal(t, logging.KindChain, logging.KindOf(err))
}

func TestWaitMinedNudgesLocalChainOnly(t *testing.T) {
	backend := &fakeBackend{pendingPolls: 1 << 30}
	c := newTestClient(t, backend, testSignerKey)
	c.localMode = true
	c.receiptPoll = 5 * time.Millisecond
	c.receiptWait = time.Second

	var nudges int32
	c.mine = func(ctx context.Context) error {
		atomic.AddInt32(&nudges, 1)
		backend.mu.Lock()
		backend.pendingPolls = 0
		backend.receipt = &types.Receipt{Status: types.ReceiptStatusSuccessful}
		backend.mu.Unlock()
		return nil
	}

	require.NoError(t, c.SetStatus(context.Background(), 209, gov.StatusApproved))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&nudges), int32(1))
}

func TestWaitMinedTimesOutWithoutReceipt(t *testing.T) {
	backend := &fakeBackend{pendingPolls: 1 << 30}
	c := newTestClient(t, backend, testSignerKey)
	c.receiptPoll = 5 * time.Millisecond
	c.receiptWait = 60 * time.Millisecond

	var nudges int32
	c.mine = func(ctx context.Context) error {
		atomic.AddInt32(&nudges, 1)
		return nil
	}

	err := c.SetStatus(context.Background(), 209, gov.StatusApproved)
	require.Error(t, err)
	assert.Equal(t, logging.KindNetwork, logging.KindOf(err))
	assert.Zero(t, atomic.LoadInt32(&nudges), "production chains are never force-mined")
}

func TestPadGas(t *testing.T) {
	assert.Equal(t, uint64(120_000), PadGas(100_000))
	assert.Equal(t, uint64(60), PadGas(50))
	assert.Equal(t, uint64(0), PadGas(0))
}
