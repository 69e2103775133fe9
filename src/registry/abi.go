package registry

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// RegistryABI is the authoritative contract surface. The client only
// encodes and decodes against it; it is never altered client-side.
const RegistryABI = `[
  {
    "type": "function",
    "name": "createQIP",
    "inputs": [
      { "name": "_title", "type": "string", "internalType": "string" },
      { "name": "_network", "type": "string", "internalType": "string" },
      { "name": "_contentHash", "type": "bytes32", "internalType": "bytes32" },
      { "name": "_ipfsUrl", "type": "string", "internalType": "string" }
    ],
    "outputs": [{ "name": "", "type": "uint256", "internalType": "uint256" }],
    "stateMutability": "nonpayable"
  },
  {
    "type": "function",
    "name": "updateQIP",
    "inputs": [
      { "name": "_qipNumber", "type": "uint256", "internalType": "uint256" },
      { "name": "_newContentHash", "type": "bytes32", "internalType": "bytes32" },
      { "name": "_newIpfsUrl", "type": "string", "internalType": "string" },
      { "name": "_changeNote", "type": "string", "internalType": "string" }
    ],
    "outputs": [],
    "stateMutability": "nonpayable"
  },
  {
    "type": "function",
    "name": "updateStatus",
    "inputs": [
      { "name": "_qipNumber", "type": "uint256", "internalType": "uint256" },
      { "name": "_newStatus", "type": "uint8", "internalType": "uint8" }
    ],
    "outputs": [],
    "stateMutability": "nonpayable"
  },
  {
    "type": "function",
    "name": "getQIP",
    "inputs": [
      { "name": "_qipNumber", "type": "uint256", "internalType": "uint256" }
    ],
    "outputs": [
      {
        "name": "",
        "type": "tuple",
        "internalType": "struct QIPRegistry.QIP",
        "components": [
          { "name": "qipNumber", "type": "uint256", "internalType": "uint256" },
          { "name": "author", "type": "address", "internalType": "address" },
          { "name": "title", "type": "string", "internalType": "string" },
          { "name": "network", "type": "string", "internalType": "string" },
          { "name": "contentHash", "type": "bytes32", "internalType": "bytes32" },
          { "name": "ipfsUrl", "type": "string", "internalType": "string" },
          { "name": "createdAt", "type": "uint256", "internalType": "uint256" },
          { "name": "lastUpdated", "type": "uint256", "internalType": "uint256" },
          { "name": "status", "type": "uint8", "internalType": "uint8" },
          { "name": "implementor", "type": "string", "internalType": "string" },
          { "name": "implementationDate", "type": "uint256", "internalType": "uint256" },
          { "name": "version", "type": "uint256", "internalType": "uint256" },
          { "name": "snapshotProposalId", "type": "string", "internalType": "string" }
        ]
      }
    ],
    "stateMutability": "view"
  },
  {
    "type": "function",
    "name": "qipExists",
    "inputs": [
      { "name": "_qipNumber", "type": "uint256", "internalType": "uint256" }
    ],
    "outputs": [{ "name": "", "type": "bool", "internalType": "bool" }],
    "stateMutability": "view"
  },
  {
    "type": "function",
    "name": "getQIPsByStatus",
    "inputs": [
      { "name": "_status", "type": "uint8", "internalType": "uint8" }
    ],
    "outputs": [
      { "name": "", "type": "uint256[]", "internalType": "uint256[]" }
    ],
    "stateMutability": "view"
  },
  {
    "type": "function",
    "name": "getQIPsByAuthor",
    "inputs": [
      { "name": "_author", "type": "address", "internalType": "address" }
    ],
    "outputs": [
      { "name": "", "type": "uint256[]", "internalType": "uint256[]" }
    ],
    "stateMutability": "view"
  },
  {
    "type": "function",
    "name": "nextQIPNumber",
    "inputs": [],
    "outputs": [{ "name": "", "type": "uint256", "internalType": "uint256" }],
    "stateMutability": "view"
  },
  {
    "type": "event",
    "name": "QIPCreated",
    "inputs": [
      { "name": "qipNumber", "type": "uint256", "indexed": true, "internalType": "uint256" },
      { "name": "author", "type": "address", "indexed": true, "internalType": "address" },
      { "name": "title", "type": "string", "indexed": false, "internalType": "string" },
      { "name": "network", "type": "string", "indexed": false, "internalType": "string" },
      { "name": "contentHash", "type": "bytes32", "indexed": false, "internalType": "bytes32" },
      { "name": "ipfsUrl", "type": "string", "indexed": false, "internalType": "string" }
    ],
    "anonymous": false
  },
  {
    "type": "event",
    "name": "QIPUpdated",
    "inputs": [
      { "name": "qipNumber", "type": "uint256", "indexed": true, "internalType": "uint256" },
      { "name": "author", "type": "address", "indexed": true, "internalType": "address" },
      { "name": "version", "type": "uint256", "indexed": false, "internalType": "uint256" },
      { "name": "contentHash", "type": "bytes32", "indexed": false, "internalType": "bytes32" },
      { "name": "ipfsUrl", "type": "string", "indexed": false, "internalType": "string" },
      { "name": "changeNote", "type": "string", "indexed": false, "internalType": "string" }
    ],
    "anonymous": false
  }
]`

// Multicall3ABI covers the one function the batch reader needs.
const Multicall3ABI = `[
  {
    "type": "function",
    "name": "aggregate3",
    "inputs": [
      {
        "name": "calls",
        "type": "tuple[]",
        "internalType": "struct Multicall3.Call3[]",
        "components": [
          { "name": "target", "type": "address", "internalType": "address" },
          { "name": "allowFailure", "type": "bool", "internalType": "bool" },
          { "name": "callData", "type": "bytes", "internalType": "bytes" }
        ]
      }
    ],
    "outputs": [
      {
        "name": "returnData",
        "type": "tuple[]",
        "internalType": "struct Multicall3.Result[]",
        "components": [
          { "name": "success", "type": "bool", "internalType": "bool" },
          { "name": "returnData", "type": "bytes", "internalType": "bytes" }
        ]
      }
    ],
    "stateMutability": "payable"
  }
]`

// Multicall3Address is the canonical deployment, identical on every
// chain the registry runs on.
var Multicall3Address = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

func ParseRegistryABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(RegistryABI))
}

func ParseMulticall3ABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(Multicall3ABI))
}
