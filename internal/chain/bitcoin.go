package chain

import "github.com/btcsuite/btcd/chaincfg"

func init() {
	Register(&Params{
		Network:  Bitcoin,
		Name:     "Bitcoin",
		CoinType: 0,
		Net:      &chaincfg.MainNetParams,
	})

	// Test networks share coin type 1 and the tprv/tpub key prefixes.
	Register(&Params{
		Network:  Testnet,
		Name:     "Bitcoin Testnet",
		CoinType: 1,
		Net:      &chaincfg.TestNet3Params,
	})
	Register(&Params{
		Network:  Signet,
		Name:     "Bitcoin Signet",
		CoinType: 1,
		Net:      &chaincfg.SigNetParams,
	})
	Register(&Params{
		Network:  Regtest,
		Name:     "Bitcoin Regtest",
		CoinType: 1,
		Net:      &chaincfg.RegressionNetParams,
	})
}
