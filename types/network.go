package types

// Network represents supported settlement networks.
type Network string

const (
	// EVM Networks
	NetworkPolygon     Network = "polygon"
	NetworkPolygonAmoy Network = "polygon-amoy" // testnet
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia" // testnet
	NetworkEthereum    Network = "ethereum"
	NetworkSepolia     Network = "sepolia" // testnet
)

// EVMNetworkToChainID maps network names to EVM chain ids.
var EVMNetworkToChainID = map[Network]int64{
	NetworkEthereum:    1,
	NetworkSepolia:     11155111,
	NetworkPolygon:     137,
	NetworkPolygonAmoy: 80002,
	NetworkBase:        8453,
	NetworkBaseSepolia: 84532,
}

func (n Network) IsEVM() bool {
	_, ok := EVMNetworkToChainID[n]
	return ok
}

func (n Network) IsTestnet() bool {
	return n == NetworkPolygonAmoy || n == NetworkBaseSepolia || n == NetworkSepolia
}

func (n Network) String() string {
	return string(n)
}
