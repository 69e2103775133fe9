package registry

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/qidao/govsync/src/logging"
	"github.com/qidao/govsync/src/shared/gov"
)

// MaxBatch caps one aggregate3 round trip. Registry records carry
// long strings, so batches stay small to fit response-size limits.
const MaxBatch = 5

// GetQIPsBatch reads up to MaxBatch records in one multicall round
// trip. Individual misses are isolated per item: an unassigned or
// reverting number is simply absent from the result map.
func (c *Client) GetQIPsBatch(ctx context.Context, numbers []uint64) (map[uint64]*gov.Proposal, error) {
	if len(numbers) == 0 {
		return map[uint64]*gov.Proposal{}, nil
	}
	if len(numbers) > MaxBatch {
		return nil, logging.Fail(logging.KindInternal, "registry",
			fmt.Sprintf("batch of %d exceeds the %d-call limit", len(numbers), MaxBatch), nil)
	}

	calls := make([]Multicall3Call3, 0, len(numbers))
	for _, n := range numbers {
		data, err := c.abi.Pack("getQIP", new(big.Int).SetUint64(n))
		if err != nil {
			return nil, fmt.Errorf("pack getQIP(%d): %w", n, err)
		}
		calls = append(calls, Multicall3Call3{
			Target:       c.address,
			AllowFailure: true,
			CallData:     data,
		})
	}

	payload, err := c.mcABI.Pack("aggregate3", calls)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate3: %w", err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.mcAddress, Data: payload}, nil)
	if err != nil {
		return nil, classifyChainError("registry", "aggregate3", err)
	}

	out, err := c.mcABI.Unpack("aggregate3", raw)
	if err != nil {
		return nil, logging.Malformed("registry", "undecodable multicall response", err)
	}
	results := *abi.ConvertType(out[0], new([]Multicall3Result)).(*[]Multicall3Result)
	if len(results) != len(calls) {
		return nil, logging.Malformed("registry",
			fmt.Sprintf("multicall returned %d results for %d calls", len(results), len(calls)), nil)
	}

	records := make(map[uint64]*gov.Proposal, len(results))
	for i, res := range results {
		number := numbers[i]
		if !res.Success || len(res.ReturnData) == 0 {
			c.log.Debug().Uint64("number", number).Msg("batched read missed")
			continue
		}
		rec, err := c.decodeQIP(res.ReturnData)
		if err != nil {
			c.log.Warn().Err(err).Uint64("number", number).Msg("batched read undecodable")
			continue
		}
		if !rec.Exists() {
			continue
		}
		records[number] = rec.ToProposal(c.registryID)
	}
	return records, nil
}
