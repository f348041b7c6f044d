package config

// Revenue holds the addresses the ledger is bootstrapped with on first start.
// Later changes go through the owner-only RPC setters.
type Revenue struct {
	Owner          string `toml:"Owner"`
	Aggregator     string `toml:"Aggregator"`
	PlatformWallet string `toml:"PlatformWallet"`
	MusicNFT       string `toml:"MusicNFT"`
	StableToken    string `toml:"StableToken"`
}

// Allocation credits a bank balance when the ledger database is created.
type Allocation struct {
	Asset   string `toml:"Asset"`
	Address string `toml:"Address"`
	Amount  string `toml:"Amount"`
}
