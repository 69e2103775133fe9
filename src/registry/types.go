package registry

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/qidao/govsync/src/shared/gov"
)

// RawQIP mirrors the contract's record tuple field for field. The abi
// package maps component names onto these fields during unpack.
type RawQIP struct {
	QipNumber          *big.Int
	Author             common.Address
	Title              string
	Network            string
	ContentHash        [32]byte
	IpfsUrl            string
	CreatedAt          *big.Int
	LastUpdated        *big.Int
	Status             uint8
	Implementor        string
	ImplementationDate *big.Int
	Version            *big.Int
	SnapshotProposalId string
}

// Exists reports whether the tuple describes a record that is actually
// on chain. The contract returns an all-zero tuple for unassigned
// numbers.
func (r *RawQIP) Exists() bool {
	return r != nil && r.QipNumber != nil && r.QipNumber.Sign() > 0
}

// ToProposal converts the on-chain tuple into the normalized record.
// Content stays empty; the sync layer fills it from the content store.
func (r *RawQIP) ToProposal(registryID uint8) *gov.Proposal {
	p := &gov.Proposal{
		RegistryID:     registryID,
		Number:         r.QipNumber.Uint64(),
		Title:          r.Title,
		Network:        r.Network,
		Author:         r.Author.Hex(),
		Implementor:    r.Implementor,
		Status:         gov.StatusFromChain(r.Status),
		ContentAddress: r.IpfsUrl,
		ContentHash:    hashHex(r.ContentHash),
		Version:        bigUint64(r.Version),
		SnapshotID:     gov.NormalizeSnapshotID(r.SnapshotProposalId),
		Source:         gov.SourceRegistry,
	}
	if p.Version == 0 {
		p.Version = 1
	}
	p.CreatedDate = unixTime(r.CreatedAt)
	p.ImplementationDate = unixTime(r.ImplementationDate)
	return p
}

func hashHex(h [32]byte) string {
	return common.BytesToHash(h[:]).Hex()
}

func bigUint64(v *big.Int) uint64 {
	if v == nil || !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}

func unixTime(v *big.Int) *time.Time {
	if v == nil || v.Sign() <= 0 || !v.IsInt64() {
		return nil
	}
	t := time.Unix(v.Int64(), 0).UTC()
	return &t
}

// Multicall3Call3 and Multicall3Result mirror the aggregate3 tuples.
type Multicall3Call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

type Multicall3Result struct {
	Success    bool
	ReturnData []byte
}
