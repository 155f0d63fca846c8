// Package capability implements scoped, time-bounded debit authority over
// escrowed collateral.
//
// A user's collateral sits in a per-asset Vault. Routing a trade pledges
// part of it into an Escrow keyed by (user, venue, asset) and mints a
// Capability bounded by the leg's maximum charge. Venues can only be paid
// through a live capability whose scope matches. Burning the capability
// refunds whatever it did not spend.
package capability

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	venueTag = []byte("perpcore/venue/")
	assetTag = []byte("perpcore/asset/")
)

// Scope names the three parties an escrow belongs to.
type Scope struct {
	User  common.Hash
	Venue common.Hash
	Asset common.Hash
}

// UserScope left-pads addr to 32 bytes.
func UserScope(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func VenueScope(name string) common.Hash {
	return crypto.Keccak256Hash(venueTag, []byte(name))
}

func AssetScope(symbol string) common.Hash {
	return crypto.Keccak256Hash(assetTag, []byte(symbol))
}

func NewScope(user common.Address, venue, asset string) Scope {
	return Scope{User: UserScope(user), Venue: VenueScope(venue), Asset: AssetScope(asset)}
}

// Key is the escrow address for the scope.
func (s Scope) Key() common.Hash {
	return crypto.Keccak256Hash(s.User[:], s.Venue[:], s.Asset[:])
}
