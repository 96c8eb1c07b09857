package utils

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/mneelabs/paygate/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ValidateInvoice checks an inbound invoice before any side effect occurs.
func ValidateInvoice(inv *types.Invoice) error {
	if inv == nil {
		return &types.GatewayError{
			Code:    types.ErrInvalidInvoice,
			Message: "invoice is required",
		}
	}

	if err := validate.Struct(inv); err != nil {
		return &types.GatewayError{
			Code:    types.ErrInvalidInvoice,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	if !inv.Amount.IsPositive() {
		return &types.GatewayError{
			Code:    types.ErrInvalidInvoice,
			Message: fmt.Sprintf("invoice amount must be positive, got %s", inv.Amount),
		}
	}

	if !inv.Network.IsEVM() {
		return &types.GatewayError{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("unsupported network: %s", inv.Network),
		}
	}

	if !common.IsHexAddress(inv.PayTo) {
		return &types.GatewayError{
			Code:    types.ErrInvalidInvoice,
			Message: fmt.Sprintf("payTo %q is not a valid address for %s", inv.PayTo, inv.Network),
		}
	}

	return nil
}

// ValidateAmount checks that an amount string is a non-negative decimal.
func ValidateAmount(amount string) (*decimal.Decimal, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	return &dec, nil
}

// ToBaseUnits converts a decimal amount to on-chain integer units.
func ToBaseUnits(amount decimal.Decimal, decimals int) *big.Int {
	multiplier := decimal.NewFromBigInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil), 0)
	return amount.Mul(multiplier).BigInt()
}

// FromBaseUnits converts on-chain integer units back to a decimal amount.
func FromBaseUnits(amount *big.Int, decimals int) decimal.Decimal {
	return decimal.NewFromBigInt(amount, -int32(decimals))
}

// NormalizeAddress returns the checksummed form of an address, or "" if the
// input is not a valid hex address.
func NormalizeAddress(address string) string {
	if !common.IsHexAddress(address) {
		return ""
	}
	return common.HexToAddress(address).Hex()
}
