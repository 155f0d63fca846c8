package capability

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

var ErrConservation = errors.New("custody conservation violated")

// Custody owns every vault (one per asset) and every escrow (one per scope
// key). It is not safe for concurrent use; the router serializes access.
type Custody struct {
	vaults  map[common.Hash]*Vault
	escrows map[common.Hash]*Escrow
	logger  *zap.Logger
}

func NewCustody(logger *zap.Logger) *Custody {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Custody{
		vaults:  make(map[common.Hash]*Vault),
		escrows: make(map[common.Hash]*Escrow),
		logger:  logger,
	}
}

// Vault returns the vault for asset, creating an empty one.
func (c *Custody) Vault(asset common.Hash) *Vault {
	v, ok := c.vaults[asset]
	if !ok {
		v = &Vault{Asset: asset}
		c.vaults[asset] = v
	}
	return v
}

// Escrow returns the escrow for scope, creating an empty one.
func (c *Custody) Escrow(scope Scope) *Escrow {
	key := scope.Key()
	e, ok := c.escrows[key]
	if !ok {
		e = &Escrow{Scope: scope}
		c.escrows[key] = e
	}
	return e
}

func (c *Custody) Deposit(asset common.Hash, amt *uint256.Int) error {
	return c.Vault(asset).Deposit(amt)
}

func (c *Custody) Withdraw(asset common.Hash, amt *uint256.Int) error {
	return c.Vault(asset).Withdraw(amt)
}

// MintForReserve pledges maxCharge from the scope's vault into its escrow
// and mints a capability over it that lives until nowMs+ttlMs.
func (c *Custody) MintForReserve(scope Scope, routeID uuid.UUID, maxCharge *uint256.Int, nowMs, ttlMs uint64) (*Capability, error) {
	if err := fits(maxCharge); err != nil {
		return nil, err
	}
	v := c.Vault(scope.Asset)
	if err := v.Pledge(maxCharge); err != nil {
		return nil, err
	}
	if err := c.Escrow(scope).Credit(maxCharge); err != nil {
		_ = v.Unpledge(maxCharge)
		return nil, err
	}
	capa := &Capability{
		ID:       uuid.New(),
		Scope:    scope,
		RouteID:  routeID,
		ExpiryMs: nowMs + ttlMs,
	}
	capa.MaxCharge.Set(maxCharge)
	capa.Remaining.Set(maxCharge)

	c.logger.Debug("capability_minted",
		zap.Stringer("cap_id", capa.ID),
		zap.Stringer("route_id", routeID),
		zap.String("max_charge", maxCharge.Dec()))
	return capa, nil
}

// Debit pays amount out of the escrow under capa. The vault's pledge and
// balance both drop by amount.
func (c *Custody) Debit(capa *Capability, scope Scope, amount *uint256.Int, nowMs uint64) error {
	if err := capa.authorize(scope, amount, nowMs); err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}
	v := c.Vault(scope.Asset)
	if amount.Gt(&v.Pledged) || amount.Gt(&v.Balance) {
		return fmt.Errorf("%w: vault pledged %s, debit %s", ErrInsufficientVault, v.Pledged.Dec(), amount.Dec())
	}
	if err := c.Escrow(scope).Debit(amount); err != nil {
		return err
	}
	v.Pledged.Sub(&v.Pledged, amount)
	v.Balance.Sub(&v.Balance, amount)
	capa.Remaining.Sub(&capa.Remaining, amount)
	return nil
}

// BurnAndRefund burns capa and returns its unspent remainder from escrow
// to the vault. Burning an already burned capability refunds nothing.
func (c *Custody) BurnAndRefund(capa *Capability) (*uint256.Int, error) {
	if capa.Burned {
		return new(uint256.Int), nil
	}
	refund := new(uint256.Int).Set(&capa.Remaining)
	if !refund.IsZero() {
		if err := c.Escrow(capa.Scope).Debit(refund); err != nil {
			return nil, err
		}
		if err := c.Vault(capa.Scope.Asset).Unpledge(refund); err != nil {
			return nil, err
		}
	}
	capa.Remaining.Clear()
	capa.Burned = true
	return refund, nil
}

// CheckConservation verifies that each vault's pledge equals the sum of
// the escrows for its asset.
func (c *Custody) CheckConservation() error {
	escrowed := make(map[common.Hash]*uint256.Int)
	for _, e := range c.escrows {
		sum, ok := escrowed[e.Scope.Asset]
		if !ok {
			sum = new(uint256.Int)
			escrowed[e.Scope.Asset] = sum
		}
		sum.Add(sum, &e.Balance)
	}
	for asset, v := range c.vaults {
		sum := escrowed[asset]
		if sum == nil {
			sum = new(uint256.Int)
		}
		if !sum.Eq(&v.Pledged) {
			return fmt.Errorf("%w: asset %s pledged %s, escrowed %s", ErrConservation, asset.Hex(), v.Pledged.Dec(), sum.Dec())
		}
		delete(escrowed, asset)
	}
	for asset, sum := range escrowed {
		if !sum.IsZero() {
			return fmt.Errorf("%w: escrow for unknown asset %s holds %s", ErrConservation, asset.Hex(), sum.Dec())
		}
	}
	return nil
}
