package model

// TokenMeta captures ERC20 metadata read from the token contract.
type TokenMeta struct {
	Address  string `json:"address"`
	Decimals uint8  `json:"decimals"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
}

// Label is the symbol, or the address for tokens without one.
func (m TokenMeta) Label() string {
	if m.Symbol != "" {
		return m.Symbol
	}
	return m.Address
}
