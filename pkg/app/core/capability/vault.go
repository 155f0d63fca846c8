package capability

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientVault  = errors.New("insufficient vault balance")
	ErrInsufficientEscrow = errors.New("insufficient escrow balance")
	ErrAmountOverflow     = errors.New("amount exceeds 128 bits")
	ErrNegativeAmount     = errors.New("negative amount")
)

// Amount converts a non-negative ledger amount into a custody amount.
func Amount(v int64) (*uint256.Int, error) {
	if v < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativeAmount, v)
	}
	return uint256.NewInt(uint64(v)), nil
}

func fits(x *uint256.Int) error {
	if x.BitLen() > 128 {
		return fmt.Errorf("%w: %s", ErrAmountOverflow, x.Dec())
	}
	return nil
}

// Vault holds one asset. Pledged is the part currently escrowed.
type Vault struct {
	Asset   common.Hash
	Balance uint256.Int
	Pledged uint256.Int
}

// Available = Balance - Pledged
func (v *Vault) Available() *uint256.Int {
	return new(uint256.Int).Sub(&v.Balance, &v.Pledged)
}

func (v *Vault) Deposit(amt *uint256.Int) error {
	sum := new(uint256.Int).Add(&v.Balance, amt)
	if err := fits(sum); err != nil {
		return err
	}
	v.Balance.Set(sum)
	return nil
}

// Withdraw takes from the unpledged part only.
func (v *Vault) Withdraw(amt *uint256.Int) error {
	if amt.Gt(v.Available()) {
		return fmt.Errorf("%w: available %s, want %s", ErrInsufficientVault, v.Available().Dec(), amt.Dec())
	}
	v.Balance.Sub(&v.Balance, amt)
	return nil
}

func (v *Vault) Pledge(amt *uint256.Int) error {
	if amt.Gt(v.Available()) {
		return fmt.Errorf("%w: available %s, pledge %s", ErrInsufficientVault, v.Available().Dec(), amt.Dec())
	}
	v.Pledged.Add(&v.Pledged, amt)
	return nil
}

func (v *Vault) Unpledge(amt *uint256.Int) error {
	if amt.Gt(&v.Pledged) {
		return fmt.Errorf("%w: pledged %s, unpledge %s", ErrInsufficientVault, v.Pledged.Dec(), amt.Dec())
	}
	v.Pledged.Sub(&v.Pledged, amt)
	return nil
}

// Escrow is collateral set aside for one scope.
type Escrow struct {
	Scope   Scope
	Balance uint256.Int
	Nonce   uint64
}

func (e *Escrow) Credit(amt *uint256.Int) error {
	sum := new(uint256.Int).Add(&e.Balance, amt)
	if err := fits(sum); err != nil {
		return err
	}
	e.Balance.Set(sum)
	e.Nonce++
	return nil
}

func (e *Escrow) Debit(amt *uint256.Int) error {
	if amt.Gt(&e.Balance) {
		return fmt.Errorf("%w: have %s, want %s", ErrInsufficientEscrow, e.Balance.Dec(), amt.Dec())
	}
	e.Balance.Sub(&e.Balance, amt)
	e.Nonce++
	return nil
}
