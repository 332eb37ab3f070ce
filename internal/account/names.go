package account

var cryptoNames = map[string]string{
	"BTC":  "Bitcoin",
	"ETH":  "Ether",
	"ADA":  "Cardano",
	"DOGE": "Dogecoin",
	"DOT":  "Polkadot",
	"XTZ":  "Tezos",
	"SKL":  "Skale",
	"SOL":  "Solana",
	"LTC":  "Litecoin",
	"BCH":  "Bitcoin Cash",
	"XLM":  "Stellar",
	"ETC":  "Ether Classic",
	"IOTX": "IoTeX",
	"ALGO": "Algorand",
	"USD":  "US Dollar",
}

// CryptoName returns the display name for a ticker symbol.
func CryptoName(ticker string) string {
	name, ok := cryptoNames[ticker]
	if !ok {
		return "Unknown"
	}
	return name
}
