// Package auth implements the access-token table (auth/at): a fixed
// number of credential slots naming a peer or group, the interfaces it
// may use and, for the OSCORE profile, the key material from which
// security contexts are derived.
package auth

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/backkem/knxiot/pkg/crypto"
)

// Identifier and secret limits.
const (
	MaxIDLength        = 64
	MasterSecretSize   = 16
	MaxOSCOREIDLength  = 7
	MaxContextIDLength = 16
)

var (
	ErrEmptyID           = errors.New("auth: record id is empty")
	ErrIDTooLong         = errors.New("auth: record id too long")
	ErrInvalidSecret     = errors.New("auth: master secret must be 16 bytes")
	ErrIdentifierTooLong = errors.New("auth: oscore identifier too long")
	ErrUnknownProfile    = errors.New("auth: unknown profile")
)

// Profile is the transport security profile of a record.
type Profile uint8

const (
	ProfileUnknown    Profile = 0
	ProfileCoAPOSCORE Profile = 1
	ProfileCoAPDTLS   Profile = 2
)

func (p Profile) String() string {
	switch p {
	case ProfileCoAPOSCORE:
		return "coap_oscore"
	case ProfileCoAPDTLS:
		return "coap_dtls"
	default:
		return "unknown"
	}
}

// Scope is the bitmask of KNX interfaces a record grants access to.
type Scope uint32

const (
	ScopeIfI   Scope = 1 << 1
	ScopeIfO   Scope = 1 << 2
	ScopeIfGS  Scope = 1 << 3
	ScopeIfC   Scope = 1 << 4
	ScopeIfP   Scope = 1 << 5
	ScopeIfD   Scope = 1 << 6
	ScopeIfA   Scope = 1 << 7
	ScopeIfS   Scope = 1 << 8
	ScopeIfLL  Scope = 1 << 9
	ScopeIfB   Scope = 1 << 10
	ScopeIfSec Scope = 1 << 11
	ScopeIfSWU Scope = 1 << 12
	ScopeIfPM  Scope = 1 << 13
	ScopeIfM   Scope = 1 << 14

	// ScopeProtected marks a record that survives ResetUnprotected.
	ScopeProtected Scope = 1 << 15

	// ScopeHandshake is granted to records provisioned by SPAKE2+.
	ScopeHandshake = ScopeIfSec | ScopeIfD | ScopeIfP | ScopeIfC
)

var scopeNames = []struct {
	bit  Scope
	name string
}{
	{ScopeIfI, "if.i"}, {ScopeIfO, "if.o"}, {ScopeIfGS, "if.g.s"},
	{ScopeIfC, "if.c"}, {ScopeIfP, "if.p"}, {ScopeIfD, "if.d"},
	{ScopeIfA, "if.a"}, {ScopeIfS, "if.s"}, {ScopeIfLL, "if.ll"},
	{ScopeIfB, "if.b"}, {ScopeIfSec, "if.sec"}, {ScopeIfSWU, "if.swu"},
	{ScopeIfPM, "if.pm"}, {ScopeIfM, "if.m"}, {ScopeProtected, "protected"},
}

// Has reports whether every bit of other is set.
func (s Scope) Has(other Scope) bool { return s&other == other }

func (s Scope) String() string {
	var names []string
	for _, n := range scopeNames {
		if s.Has(n.bit) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// ParseScope parses a "|" or "," separated list of interface names.
func ParseScope(text string) (Scope, error) {
	var s Scope
	for _, f := range strings.FieldsFunc(text, func(r rune) bool { return r == '|' || r == ',' }) {
		f = strings.TrimSpace(f)
		found := false
		for _, n := range scopeNames {
			if n.name == f {
				s |= n.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("auth: unknown scope %q", f)
		}
	}
	return s, nil
}

// Record is one access token.
type Record struct {
	ID      string
	Profile Profile
	Scope   Scope

	// OSCORE key material, only meaningful for ProfileCoAPOSCORE.
	MasterSecret []byte
	SenderID     []byte
	RecipientID  []byte
	ContextID    []byte

	// GroupAddresses lists the group addresses of a group record.
	GroupAddresses []uint32
}

// Validate checks the record invariants.
func (r *Record) Validate() error {
	if r.ID == "" {
		return ErrEmptyID
	}
	if len(r.ID) > MaxIDLength {
		return ErrIDTooLong
	}
	switch r.Profile {
	case ProfileCoAPOSCORE:
		if len(r.MasterSecret) != MasterSecretSize {
			return ErrInvalidSecret
		}
		if len(r.SenderID) > MaxOSCOREIDLength || len(r.RecipientID) > MaxOSCOREIDLength ||
			len(r.ContextID) > MaxContextIDLength {
			return ErrIdentifierTooLong
		}
	case ProfileCoAPDTLS, ProfileUnknown:
	default:
		return fmt.Errorf("%w: %d", ErrUnknownProfile, r.Profile)
	}
	return nil
}

// IsOSCORE reports whether the record carries OSCORE key material.
func (r *Record) IsOSCORE() bool { return r.Profile == ProfileCoAPOSCORE }

// IsGroup reports whether the record is an OSCORE group record.
func (r *Record) IsGroup() bool {
	return r.IsOSCORE() && r.Scope.Has(ScopeIfGS) && len(r.GroupAddresses) > 0
}

// HasGroupAddress reports whether ga is listed by the record.
func (r *Record) HasGroupAddress(ga uint32) bool {
	for _, a := range r.GroupAddresses {
		if a == ga {
			return true
		}
	}
	return false
}

// Clone creates a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.MasterSecret = bytes.Clone(r.MasterSecret)
	c.SenderID = bytes.Clone(r.SenderID)
	c.RecipientID = bytes.Clone(r.RecipientID)
	c.ContextID = bytes.Clone(r.ContextID)
	if r.GroupAddresses != nil {
		c.GroupAddresses = append([]uint32(nil), r.GroupAddresses...)
	}
	return &c
}

// Wipe zeroes the master secret and clears the record.
func (r *Record) Wipe() {
	crypto.Wipe(r.MasterSecret)
	*r = Record{}
}
