package auth

import (
	"fmt"
	"strconv"

	"github.com/backkem/knxiot/pkg/codec"
)

// KeyPrefix is the storage key prefix of persisted slots.
const KeyPrefix = "auth/at/"

// SlotKey returns the storage key of slot index.
func SlotKey(index int) string {
	return KeyPrefix + strconv.Itoa(index)
}

// Persisted layout, integer keys as used on the auth/at resource.
type wireRecord struct {
	ID             string   `cbor:"0,keyasint"`
	Cnf            *wireCnf `cbor:"8,keyasint,omitempty"`
	Scope          uint32   `cbor:"9,keyasint"`
	GroupAddresses []uint32 `cbor:"10,keyasint,omitempty"`
	Profile        uint8    `cbor:"38,keyasint"`
}

type wireCnf struct {
	OSC *wireOSC `cbor:"4,keyasint,omitempty"`
}

// An absent ContextID and an empty one derive different keys, so the
// context id is kept present whenever the record has one, even empty.
type wireOSC struct {
	SenderID     []byte  `cbor:"0,keyasint,omitempty"`
	MasterSecret []byte  `cbor:"2,keyasint"`
	ContextID    *[]byte `cbor:"6,keyasint,omitempty"`
	RecipientID  []byte  `cbor:"7,keyasint,omitempty"`
}

// MarshalRecord encodes r in the persisted layout.
func MarshalRecord(r *Record) ([]byte, error) {
	w := wireRecord{
		ID:             r.ID,
		Scope:          uint32(r.Scope),
		GroupAddresses: r.GroupAddresses,
		Profile:        uint8(r.Profile),
	}
	if r.IsOSCORE() {
		osc := &wireOSC{
			SenderID:     r.SenderID,
			MasterSecret: r.MasterSecret,
			RecipientID:  r.RecipientID,
		}
		if r.ContextID != nil {
			osc.ContextID = &r.ContextID
		}
		w.Cnf = &wireCnf{OSC: osc}
	}
	return codec.Marshal(w)
}

// UnmarshalRecord decodes and validates a persisted record.
func UnmarshalRecord(data []byte) (*Record, error) {
	var w wireRecord
	if err := codec.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("auth: decode record: %w", err)
	}
	r := &Record{
		ID:             w.ID,
		Profile:        Profile(w.Profile),
		Scope:          Scope(w.Scope),
		GroupAddresses: w.GroupAddresses,
	}
	if w.Cnf != nil && w.Cnf.OSC != nil {
		r.MasterSecret = w.Cnf.OSC.MasterSecret
		r.SenderID = w.Cnf.OSC.SenderID
		r.RecipientID = w.Cnf.OSC.RecipientID
		if id := w.Cnf.OSC.ContextID; id != nil {
			r.ContextID = append([]byte{}, *id...)
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
