package registry

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"github.com/qidao/govsync/src/logging"
	"github.com/qidao/govsync/src/shared/gov"
)

// Backend is the slice of the Ethereum client surface the registry
// client needs. *ethclient.Client satisfies it; tests inject fakes.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config wires one registry deployment. PrivateKey may be empty, which
// leaves the client read-only.
type Config struct {
	RegistryID uint8
	RPCURL     string
	Address    string
	ChainID    uint64
	PrivateKey string
	LocalMode  bool
}

// Client reads and writes one QIP registry contract.
type Client struct {
	backend     Backend
	address     common.Address
	mcAddress   common.Address
	registryID  uint8
	chainID     *big.Int
	abi         abi.ABI
	mcABI       abi.ABI
	key         *ecdsa.PrivateKey
	from        common.Address
	localMode   bool
	mine        func(ctx context.Context) error
	receiptWait time.Duration
	receiptPoll time.Duration
	log         zerolog.Logger
	closer      func()
}

// NewClient dials the RPC endpoint and builds a client bound to the
// configured contract.
func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	rpcClient, err := rpc.Dial(cfg.RPCURL)
	if err != nil {
		return nil, logging.Fail(logging.KindNetwork, "registry", "dial "+cfg.RPCURL, err)
	}
	eth := ethclient.NewClient(rpcClient)

	c, err := NewClientWithBackend(cfg, eth, log)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	c.closer = rpcClient.Close
	// Dev chains with instant but manual mining need a nudge to
	// include a pending transaction.
	c.mine = func(ctx context.Context) error {
		return rpcClient.CallContext(ctx, nil, "evm_mine")
	}
	return c, nil
}

// NewClientWithBackend builds a client over an existing backend. The
// force-progress nudge is unavailable on injected backends.
func NewClientWithBackend(cfg Config, backend Backend, log zerolog.Logger) (*Client, error) {
	if cfg.Address == "" {
		return nil, logging.Fail(logging.KindConfig, "registry", "no contract address configured", nil)
	}
	if cfg.ChainID == 0 {
		return nil, logging.Fail(logging.KindConfig, "registry", "no chain id configured", nil)
	}

	registryABI, err := ParseRegistryABI()
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	mcABI, err := ParseMulticall3ABI()
	if err != nil {
		return nil, fmt.Errorf("parse multicall abi: %w", err)
	}

	c := &Client{
		backend:     backend,
		address:     common.HexToAddress(cfg.Address),
		mcAddress:   Multicall3Address,
		registryID:  cfg.RegistryID,
		chainID:     new(big.Int).SetUint64(cfg.ChainID),
		abi:         registryABI,
		mcABI:       mcABI,
		localMode:   cfg.LocalMode,
		receiptWait: receiptTimeout,
		receiptPoll: receiptPollInterval,
		log:         logging.Component(log, "registry"),
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, logging.Fail(logging.KindConfig, "registry", "invalid signer key", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}

	return c, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// RegistryID identifies which configured deployment this client serves.
func (c *Client) RegistryID() uint8 { return c.registryID }

// Signer returns the write-key address, or the zero address when the
// client is read-only.
func (c *Client) Signer() common.Address { return c.from }

// call packs a view method, executes it and returns the raw return
// data.
func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]byte, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, classifyChainError("registry", method, err)
	}
	return out, nil
}

// GetQIP returns the record for one number. Unassigned numbers yield a
// not-found error, not a failure.
func (c *Client) GetQIP(ctx context.Context, number uint64) (*gov.Proposal, error) {
	out, err := c.call(ctx, "getQIP", new(big.Int).SetUint64(number))
	if err != nil {
		// Registries that revert instead of returning a zero tuple
		// still mean the record is absent.
		if logging.KindOf(err) == logging.KindChain {
			return nil, logging.NotFound("registry", fmt.Sprintf("qip %d", number))
		}
		return nil, err
	}

	rec, err := c.decodeQIP(out)
	if err != nil {
		return nil, err
	}
	if !rec.Exists() {
		return nil, logging.NotFound("registry", fmt.Sprintf("qip %d", number))
	}
	return rec.ToProposal(c.registryID), nil
}

func (c *Client) decodeQIP(data []byte) (*RawQIP, error) {
	out, err := c.abi.Unpack("getQIP", data)
	if err != nil {
		return nil, logging.Malformed("registry", "undecodable record tuple", err)
	}
	rec := abi.ConvertType(out[0], new(RawQIP)).(*RawQIP)
	return rec, nil
}

// Exists probes one number without decoding the whole record.
func (c *Client) Exists(ctx context.Context, number uint64) (bool, error) {
	out, err := c.call(ctx, "qipExists", new(big.Int).SetUint64(number))
	if err != nil {
		return false, err
	}
	res, err := c.abi.Unpack("qipExists", out)
	if err != nil {
		return false, logging.Malformed("registry", "undecodable existence probe", err)
	}
	return res[0].(bool), nil
}

// GetQIPsByStatus returns the numbers currently carrying one status.
func (c *Client) GetQIPsByStatus(ctx context.Context, status gov.Status) ([]uint64, error) {
	out, err := c.call(ctx, "getQIPsByStatus", uint8(status))
	if err != nil {
		return nil, err
	}
	return c.unpackNumbers("getQIPsByStatus", out)
}

// GetQIPsByAuthor returns the numbers authored by one address.
func (c *Client) GetQIPsByAuthor(ctx context.Context, author string) ([]uint64, error) {
	out, err := c.call(ctx, "getQIPsByAuthor", common.HexToAddress(author))
	if err != nil {
		return nil, err
	}
	return c.unpackNumbers("getQIPsByAuthor", out)
}

func (c *Client) unpackNumbers(method string, data []byte) ([]uint64, error) {
	out, err := c.abi.Unpack(method, data)
	if err != nil {
		return nil, logging.Malformed("registry", "undecodable number set", err)
	}
	raw := out[0].([]*big.Int)
	numbers := make([]uint64, 0, len(raw))
	for _, n := range raw {
		if n.IsUint64() {
			numbers = append(numbers, n.Uint64())
		}
	}
	return numbers, nil
}

// NextQIPNumber returns the contract's next-assignment counter.
func (c *Client) NextQIPNumber(ctx context.Context) (uint64, error) {
	out, err := c.call(ctx, "nextQIPNumber")
	if err != nil {
		return 0, err
	}
	res, err := c.abi.Unpack("nextQIPNumber", out)
	if err != nil {
		return 0, logging.Malformed("registry", "undecodable counter", err)
	}
	n := res[0].(*big.Int)
	if !n.IsUint64() {
		return 0, logging.Malformed("registry", "counter out of range", nil)
	}
	return n.Uint64(), nil
}

// DiscoveryCeiling returns the highest number discovery should scan.
// The counter has been observed lagging by one, so the counter value
// itself is probed rather than trusted; a failed probe keeps the
// conservative ceiling instead of failing the scan.
func (c *Client) DiscoveryCeiling(ctx context.Context) (uint64, error) {
	next, err := c.NextQIPNumber(ctx)
	if err != nil {
		return 0, err
	}
	if next == 0 {
		return 0, nil
	}
	ceiling := next - 1

	exists, err := c.Exists(ctx, next)
	if err != nil {
		c.log.Warn().Err(err).Uint64("number", next).Msg("boundary probe failed, keeping counter ceiling")
		return ceiling, nil
	}
	if exists {
		return next, nil
	}
	return ceiling, nil
}

// FilterQIPEvents returns the distinct record numbers touched by
// creates or updates inside a block range, oldest first.
func (c *Client) FilterQIPEvents(ctx context.Context, fromBlock, toBlock uint64) ([]uint64, error) {
	created := c.abi.Events["QIPCreated"].ID
	updated := c.abi.Events["QIPUpdated"].ID

	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{created, updated}},
	})
	if err != nil {
		return nil, classifyChainError("registry", "filter logs", err)
	}

	seen := make(map[uint64]bool)
	var numbers []uint64
	for _, l := range logs {
		if len(l.Topics) < 2 {
			continue
		}
		n := new(big.Int).SetBytes(l.Topics[1].Bytes())
		if !n.IsUint64() || seen[n.Uint64()] {
			continue
		}
		seen[n.Uint64()] = true
		numbers = append(numbers, n.Uint64())
	}
	return numbers, nil
}

// classifyChainError separates transport failures from contract-side
// rejections.
func classifyChainError(source, op string, err error) error {
	if logging.IsUserRejected(err) {
		return logging.Fail(logging.KindUserRejected, source, op, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") {
		if strings.Contains(msg, "not authorized") || strings.Contains(msg, "unauthorized") ||
			strings.Contains(msg, "only author") || strings.Contains(msg, "only admin") {
			return logging.Fail(logging.KindUnauthorized, source, op, err)
		}
		return logging.Fail(logging.KindChain, source, op, err)
	}
	return logging.Fail(logging.KindNetwork, source, op, err)
}
