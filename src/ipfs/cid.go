package ipfs

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"golang.org/x/crypto/sha3"

	"github.com/qidao/govsync/src/logging"
	"github.com/qidao/govsync/src/shared/gov"
)

// One identifier recipe everywhere: CIDv1, raw codec, sha2-256, over
// the canonical document bytes. Kubo produces the same identifier for
// single-block adds with --cid-version=1, so a locally computed CID
// always equals the one a backend returns.

// CanonicalBytes reduces any accepted upload shape (raw document text,
// JSON-wrapped variants) to the exact bytes the content is addressed
// by. Identifier precomputation and upload both go through here.
func CanonicalBytes(content string) ([]byte, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "---") {
		doc, err := DecodeFetched([]byte(content))
		if err != nil {
			return nil, err
		}
		return []byte(gov.FormatDocument(doc)), nil
	}
	return []byte(content), nil
}

// ComputeCID returns the identifier for content without uploading it.
func ComputeCID(content string) (cid.Cid, error) {
	data, err := CanonicalBytes(content)
	if err != nil {
		return cid.Undef, err
	}
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("hash content: %w", err)
	}
	return cid.NewCidV1(cid.Raw, hash), nil
}

// FormatAddress renders a CID as the ipfs:// address stored on-chain.
func FormatAddress(c cid.Cid) string {
	return "ipfs://" + c.String()
}

// ParseAddress accepts the address forms seen in the wild: ipfs://CID,
// /ipfs/CID, a gateway URL, or a bare CID (v0 Qm... included).
func ParseAddress(address string) (cid.Cid, error) {
	s := strings.TrimSpace(address)
	s = strings.TrimPrefix(s, "ipfs://")
	if i := strings.Index(s, "/ipfs/"); i >= 0 {
		s = s[i+len("/ipfs/"):]
	}
	s = strings.TrimSuffix(s, "/")
	if s == "" {
		return cid.Undef, fmt.Errorf("empty content address")
	}
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("parse content address %q: %w", address, err)
	}
	return c, nil
}

// VerifyCID checks fetched content against the address it came from.
// Only the canonical raw-codec v1 recipe is recomputable; legacy v0
// addresses pass through and rely on the on-chain content hash.
func VerifyCID(address, content string) error {
	c, err := ParseAddress(address)
	if err != nil {
		return err
	}
	if c.Version() != 1 || c.Prefix().Codec != cid.Raw {
		return nil
	}
	got, err := ComputeCID(content)
	if err != nil {
		return err
	}
	if !got.Equals(c) {
		return logging.Integrity("ipfs",
			fmt.Sprintf("content identifier mismatch: address %s, computed %s", c, got))
	}
	return nil
}

// VerifyRaw checks bytes exactly as served against a recomputable
// identifier. The identifier addresses the stored bytes, so no
// canonicalization applies here.
func VerifyRaw(c cid.Cid, data []byte) error {
	if c.Version() != 1 || c.Prefix().Codec != cid.Raw {
		return nil
	}
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return fmt.Errorf("hash content: %w", err)
	}
	got := cid.NewCidV1(cid.Raw, hash)
	if !got.Equals(c) {
		return logging.Integrity("ipfs",
			fmt.Sprintf("served bytes mismatch identifier: want %s, got %s", c, got))
	}
	return nil
}

// ContentHash returns the keccak-256 digest the registry stores for a
// document. It is independent of the content identifier's own hash.
func ContentHash(content string) ([32]byte, error) {
	var out [32]byte
	data, err := CanonicalBytes(content)
	if err != nil {
		return out, err
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	copy(out[:], h.Sum(nil))
	return out, nil
}

// ContentHashHex returns ContentHash as a 0x-prefixed hex string.
func ContentHashHex(content string) (string, error) {
	h, err := ContentHash(content)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(h[:]), nil
}

// VerifyContentHash checks fetched content against the on-chain hash.
// A mismatch is an integrity failure, never silently accepted.
func VerifyContentHash(content, wantHex string) error {
	gotHex, err := ContentHashHex(content)
	if err != nil {
		return err
	}
	want := strings.TrimPrefix(strings.TrimSpace(wantHex), "0x")
	got := strings.TrimPrefix(gotHex, "0x")
	if !strings.EqualFold(got, want) {
		return logging.Integrity("ipfs",
			fmt.Sprintf("content hash mismatch: chain %s, computed %s", wantHex, gotHex))
	}
	return nil
}
