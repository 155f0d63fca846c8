package capability

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// EncodedSize is the wire size of a Capability: three scope hashes,
// MaxCharge and Remaining as 16-byte big-endian, expiry and burned flag.
const EncodedSize = 3*32 + 16 + 16 + 8 + 1

var (
	ErrCapExpired            = errors.New("capability expired")
	ErrCapBurned             = errors.New("capability burned")
	ErrInvalidScope          = errors.New("capability scope mismatch")
	ErrInsufficientRemaining = errors.New("capability remaining too small")
	ErrEncodedLength         = errors.New("bad capability encoding length")
)

// Capability authorizes debits of up to MaxCharge from one escrow until
// ExpiryMs.
type Capability struct {
	ID        uuid.UUID
	Scope     Scope
	RouteID   uuid.UUID
	MaxCharge uint256.Int
	Remaining uint256.Int
	ExpiryMs  uint64
	Burned    bool
}

// Live reports whether the capability may still authorize a debit.
func (c *Capability) Live(nowMs uint64) bool {
	return !c.Burned && nowMs <= c.ExpiryMs
}

// authorize checks that amount can be debited under scope at nowMs.
func (c *Capability) authorize(scope Scope, amount *uint256.Int, nowMs uint64) error {
	switch {
	case c.Burned:
		return fmt.Errorf("%w: %s", ErrCapBurned, c.ID)
	case nowMs > c.ExpiryMs:
		return fmt.Errorf("%w: %s at %d", ErrCapExpired, c.ID, c.ExpiryMs)
	case scope != c.Scope:
		return fmt.Errorf("%w: %s", ErrInvalidScope, c.ID)
	case amount.Gt(&c.Remaining):
		return fmt.Errorf("%w: remaining %s, want %s", ErrInsufficientRemaining, c.Remaining.Dec(), amount.Dec())
	}
	return nil
}

func (c *Capability) MarshalBinary() ([]byte, error) {
	if err := fits(&c.MaxCharge); err != nil {
		return nil, err
	}
	if err := fits(&c.Remaining); err != nil {
		return nil, err
	}
	buf := make([]byte, EncodedSize)
	off := copy(buf, c.Scope.User[:])
	off += copy(buf[off:], c.Scope.Venue[:])
	off += copy(buf[off:], c.Scope.Asset[:])

	maxCharge := c.MaxCharge.Bytes32()
	off += copy(buf[off:], maxCharge[16:])
	remaining := c.Remaining.Bytes32()
	off += copy(buf[off:], remaining[16:])

	binary.BigEndian.PutUint64(buf[off:], c.ExpiryMs)
	off += 8
	if c.Burned {
		buf[off] = 1
	}
	return buf, nil
}

// UnmarshalBinary restores the encoded fields. ID and RouteID are not
// part of the encoding and are left untouched.
func (c *Capability) UnmarshalBinary(data []byte) error {
	if len(data) != EncodedSize {
		return fmt.Errorf("%w: %d", ErrEncodedLength, len(data))
	}
	off := copy(c.Scope.User[:], data)
	off += copy(c.Scope.Venue[:], data[off:])
	off += copy(c.Scope.Asset[:], data[off:])
	c.MaxCharge.SetBytes(data[off : off+16])
	off += 16
	c.Remaining.SetBytes(data[off : off+16])
	off += 16
	c.ExpiryMs = binary.BigEndian.Uint64(data[off:])
	off += 8
	c.Burned = data[off] == 1
	return nil
}
