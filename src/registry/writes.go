package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/qidao/govsync/src/logging"
	"github.com/qidao/govsync/src/shared/gov"
)

const (
	// gasPadPercent is added on top of the node's estimate so a
	// slightly off estimate does not strand the transaction.
	gasPadPercent = 20

	receiptTimeout      = 90 * time.Second
	receiptPollInterval = 2 * time.Second
	// nudgeAfterPolls delays the dev-chain mine nudge until a real
	// node would normally have included the transaction.
	nudgeAfterPolls = 2
)

// CreateQIP registers a new record and returns its assigned number.
// The number comes from the QIPCreated event in the confirmed receipt.
func (c *Client) CreateQIP(ctx context.Context, title, network string, contentHash [32]byte, contentAddress string) (uint64, error) {
	data, err := c.abi.Pack("createQIP", title, network, contentHash, contentAddress)
	if err != nil {
		return 0, fmt.Errorf("pack createQIP: %w", err)
	}
	receipt, err := c.submit(ctx, "createQIP", data)
	if err != nil {
		return 0, err
	}

	createdID := c.abi.Events["QIPCreated"].ID
	for _, l := range receipt.Logs {
		if l.Address != c.address || len(l.Topics) < 2 || l.Topics[0] != createdID {
			continue
		}
		n := new(big.Int).SetBytes(l.Topics[1].Bytes())
		if !n.IsUint64() {
			break
		}
		c.log.Info().Uint64("number", n.Uint64()).Str("title", title).Msg("record created")
		return n.Uint64(), nil
	}
	return 0, logging.Fail(logging.KindChain, "registry",
		"create confirmed but no creation event in receipt", nil)
}

// UpdateQIP stores a new content version for an existing record and
// returns the version the contract assigned.
func (c *Client) UpdateQIP(ctx context.Context, number uint64, newContentHash [32]byte, newContentAddress, changeNote string) (uint64, error) {
	data, err := c.abi.Pack("updateQIP", new(big.Int).SetUint64(number), newContentHash, newContentAddress, changeNote)
	if err != nil {
		return 0, fmt.Errorf("pack updateQIP: %w", err)
	}
	receipt, err := c.submit(ctx, "updateQIP", data)
	if err != nil {
		return 0, err
	}

	updatedID := c.abi.Events["QIPUpdated"].ID
	for _, l := range receipt.Logs {
		if l.Address != c.address || len(l.Topics) < 2 || l.Topics[0] != updatedID {
			continue
		}
		fields, err := c.abi.Unpack("QIPUpdated", l.Data)
		if err != nil {
			break
		}
		version := fields[0].(*big.Int)
		c.log.Info().Uint64("number", number).Uint64("version", version.Uint64()).Msg("record updated")
		return version.Uint64(), nil
	}
	// Registries predating the versioned event still confirm the
	// write; the caller re-reads to learn the version.
	c.log.Warn().Uint64("number", number).Msg("update confirmed without a version event")
	return 0, nil
}

// SetStatus transitions a record. The contract enforces who may move
// which status; rejections surface as authorization errors.
func (c *Client) SetStatus(ctx context.Context, number uint64, status gov.Status) error {
	data, err := c.abi.Pack("updateStatus", new(big.Int).SetUint64(number), uint8(status))
	if err != nil {
		return fmt.Errorf("pack updateStatus: %w", err)
	}
	if _, err := c.submit(ctx, "updateStatus", data); err != nil {
		return err
	}
	c.log.Info().Uint64("number", number).Str("status", status.String()).Msg("status transitioned")
	return nil
}

// submit signs, sends and confirms one state-changing call.
func (c *Client) submit(ctx context.Context, op string, data []byte) (*types.Receipt, error) {
	if c.key == nil {
		return nil, logging.Fail(logging.KindConfig, "registry", "no signer key configured for "+op, nil)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, classifyChainError("registry", op+" nonce", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classifyChainError("registry", op+" gas price", err)
	}

	msg := ethereum.CallMsg{From: c.from, To: &c.address, Data: data}
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return nil, classifyChainError("registry", op+" gas estimate", err)
	}
	gas = PadGas(gas)

	tx := types.NewTransaction(nonce, c.address, big.NewInt(0), gas, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", op, err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, classifyChainError("registry", op+" send", err)
	}
	c.log.Debug().Str("op", op).Str("tx", signed.Hash().Hex()).Uint64("gas", gas).Msg("transaction submitted")

	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, logging.Fail(logging.KindChain, "registry", op+" reverted on chain", nil)
	}
	return receipt, nil
}

// waitMined polls for the receipt until confirmation or timeout. In
// local mode a dev chain with manual mining gets nudged forward after
// the first empty polls; production chains are never nudged.
func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	deadline := time.NewTimer(c.receiptWait)
	defer deadline.Stop()
	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()

	polls := 0
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.log.Debug().Err(err).Str("tx", hash.Hex()).Msg("receipt poll failed")
		}

		polls++
		if c.localMode && c.mine != nil && polls > nudgeAfterPolls {
			if err := c.mine(ctx); err != nil {
				c.log.Debug().Err(err).Msg("mine nudge failed")
			}
		}

		select {
		case <-ctx.Done():
			return nil, logging.Fail(logging.KindNetwork, "registry", "confirmation cancelled", ctx.Err())
		case <-deadline.C:
			return nil, logging.Fail(logging.KindNetwork, "registry",
				fmt.Sprintf("no confirmation for %s within %s", hash.Hex(), c.receiptWait), nil)
		case <-ticker.C:
		}
	}
}

// PadGas applies the submission padding to a node gas estimate.
func PadGas(estimate uint64) uint64 {
	return estimate + estimate*gasPadPercent/100
}
