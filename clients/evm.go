package clients

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/mneelabs/paygate/types"
	"github.com/mneelabs/paygate/utils"
)

var _ TreasuryClient = (*EVMTreasuryClient)(nil)

// treasuryABI is the settlement surface of the tenant treasury contract.
// The contract enforces its own per-payer spending ceilings keyed by the
// bytes32 payer hash, independent of the gateway's off-chain limits.
const treasuryABI = `
[
  {
    "name": "settle",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "payer", "type": "bytes32" },
      { "name": "to", "type": "address" },
      { "name": "amount", "type": "uint256" },
      { "name": "ref", "type": "bytes32" }
    ],
    "outputs": []
  },
  {
    "name": "Settled",
    "type": "event",
    "anonymous": false,
    "inputs": [
      { "name": "payer", "type": "bytes32", "indexed": true },
      { "name": "to", "type": "address", "indexed": true },
      { "name": "ref", "type": "bytes32", "indexed": true },
      { "name": "amount", "type": "uint256", "indexed": false }
    ]
  }
]
`

const defaultSettleGasLimit = 160000

// EVMTreasuryClient settles payments through a treasury contract on an EVM
// network. The operator key only triggers the contract; custody stays with
// the treasury and its on-chain ceilings.
type EVMTreasuryClient struct {
	network types.Network
	rpcURL  string
	client  *ethclient.Client
	chainID *big.Int

	operatorKey  *ecdsa.PrivateKey
	operatorAddr common.Address

	contractABI abi.ABI
	settledID   common.Hash

	receiptTimeout time.Duration
	pollInterval   time.Duration
	lookbackBlocks uint64
}

func NewEVMTreasuryClient(network types.Network, rpcURL, operatorKeyHex string) (*EVMTreasuryClient, error) {
	chainID, ok := types.EVMNetworkToChainID[network]
	if !ok {
		return nil, fmt.Errorf("network %s is not an EVM network", network)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(operatorKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("bad operator key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(treasuryABI))
	if err != nil {
		return nil, err
	}

	return &EVMTreasuryClient{
		network:        network,
		rpcURL:         rpcURL,
		client:         client,
		chainID:        big.NewInt(chainID),
		operatorKey:    key,
		operatorAddr:   crypto.PubkeyToAddress(key.PublicKey),
		contractABI:    parsed,
		settledID:      parsed.Events["Settled"].ID,
		receiptTimeout: 90 * time.Second,
		pollInterval:   2 * time.Second,
		lookbackBlocks: 10000,
	}, nil
}

func (c *EVMTreasuryClient) Network() string {
	return c.network.String()
}

func (c *EVMTreasuryClient) Close() {
	c.client.Close()
}

// Execute calls settle() on the treasury contract. Errors are classified so
// the orchestrator can tell terminal reverts from indeterminate outcomes:
// anything before SendTransaction wraps ErrNotBroadcast, a revert wraps
// ErrOnChainRevert, and post-broadcast trouble wraps ErrNetwork/ErrTimeout.
func (c *EVMTreasuryClient) Execute(
	ctx context.Context,
	treasuryAddress string,
	apiKeyHash [32]byte,
	recipient string,
	amount decimal.Decimal,
	invoiceRef [32]byte,
) (string, error) {
	if !common.IsHexAddress(treasuryAddress) {
		return "", fmt.Errorf("%w: bad treasury address %q", ErrNotBroadcast, treasuryAddress)
	}
	if !common.IsHexAddress(recipient) {
		return "", fmt.Errorf("%w: bad recipient address %q", ErrNotBroadcast, recipient)
	}

	contract := common.HexToAddress(treasuryAddress)
	units := utils.ToBaseUnits(amount, types.MNEEDecimals)

	callData, err := c.contractABI.Pack("settle", apiKeyHash, common.HexToAddress(recipient), units, invoiceRef)
	if err != nil {
		return "", fmt.Errorf("%w: pack settle call: %v", ErrNotBroadcast, err)
	}

	// Simulate first: a revert here means the contract would reject the
	// transfer (ceiling hit, insufficient funds) and nothing was broadcast.
	msg := ethereum.CallMsg{
		From: c.operatorAddr,
		To:   &contract,
		Data: callData,
	}
	if _, err := c.client.CallContract(ctx, msg, nil); err != nil {
		if isRevertError(err) {
			return "", fmt.Errorf("%w: %v", ErrOnChainRevert, err)
		}
		return "", fmt.Errorf("%w: simulation failed: %v", ErrNotBroadcast, err)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.operatorAddr)
	if err != nil {
		return "", fmt.Errorf("%w: nonce lookup: %v", ErrNotBroadcast, err)
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: gas price lookup: %v", ErrNotBroadcast, err)
	}

	gasLimit, err := c.client.EstimateGas(ctx, msg)
	if err != nil || gasLimit == 0 {
		gasLimit = defaultSettleGasLimit
	}

	tx := ethtypes.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, callData)
	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(c.chainID), c.operatorKey)
	if err != nil {
		return "", fmt.Errorf("%w: sign: %v", ErrNotBroadcast, err)
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		// The node may have accepted the transaction even though the call
		// errored. Outcome unknown.
		return "", fmt.Errorf("%w: send: %v", ErrNetwork, err)
	}

	txHash := signedTx.Hash()
	receipt, err := c.waitForReceipt(ctx, txHash)
	if err != nil {
		return "", err
	}

	if receipt.Status == ethtypes.ReceiptStatusFailed {
		return "", fmt.Errorf("%w: transaction %s reverted", ErrOnChainRevert, txHash.Hex())
	}

	return txHash.Hex(), nil
}

func (c *EVMTreasuryClient) waitForReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	deadline := time.NewTimer(c.receiptTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-deadline.C:
			return nil, fmt.Errorf("%w: no receipt for %s after %s", ErrTimeout, txHash.Hex(), c.receiptTimeout)
		case <-ticker.C:
		}
	}
}

// FindSettlement scans recent Settled events on the treasury for the given
// invoice reference. Used by reconciliation after an indeterminate Execute.
func (c *EVMTreasuryClient) FindSettlement(
	ctx context.Context,
	treasuryAddress string,
	invoiceRef [32]byte,
) (*SettlementReceipt, error) {
	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: head lookup: %v", ErrNetwork, err)
	}

	from := uint64(0)
	if head > c.lookbackBlocks {
		from = head - c.lookbackBlocks
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{common.HexToAddress(treasuryAddress)},
		Topics: [][]common.Hash{
			{c.settledID},
			nil,
			nil,
			{common.BytesToHash(invoiceRef[:])},
		},
	}

	logs, err := c.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: log filter: %v", ErrNetwork, err)
	}

	if len(logs) == 0 {
		return &SettlementReceipt{Found: false}, nil
	}

	// A mined Settled event implies the settle call succeeded; the contract
	// only emits it on a completed transfer.
	log := logs[len(logs)-1]
	return &SettlementReceipt{
		Found:    true,
		Success:  true,
		TxHash:   log.TxHash.Hex(),
		BlockNum: log.BlockNumber,
	}, nil
}

func isRevertError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert") || strings.Contains(msg, "execution reverted")
}
