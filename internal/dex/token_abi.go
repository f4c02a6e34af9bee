package dex

// Tokens disagree on the metadata return type: most return string, some legacy tokens (MKR, SAI) bytes32.
const (
	tokenABIJSON = `[
  {"inputs": [], "name": "decimals", "outputs": [{"type": "uint8"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "symbol", "outputs": [{"type": "string"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "name", "outputs": [{"type": "string"}], "stateMutability": "view", "type": "function"}
]`
	legacyTokenABIJSON = `[
  {"inputs": [], "name": "symbol", "outputs": [{"type": "bytes32"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "name", "outputs": [{"type": "bytes32"}], "stateMutability": "view", "type": "function"}
]`
)

var (
	tokenABI       = &lazyABI{definition: tokenABIJSON}
	legacyTokenABI = &lazyABI{definition: legacyTokenABIJSON}
)
