// Package control reads the HIP control block the firmware shares with the
// host.
//
// The block starts with an init section carrying a magic word and the
// negotiated config schema version. The config section that follows is a
// union whose layout depends on that schema; each layout places the
// per-SAP version fields at different offsets. The host reads exactly one
// u16 per SAP out of it during negotiation.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/frobware/go-hip"
)

const (
	// Magic identifies a valid control block.
	Magic uint32 = 0xcaaa0400

	// SchemaV4 and SchemaV5 are the config layouts understood here.
	SchemaV4 uint32 = 4
	SchemaV5 uint32 = 5

	initLen = 8
	// Size is the size of an encoded control block.
	Size = 128
)

// sapOffsets maps each schema to the offset of the sap_<name>_ver fields,
// indexed by hip.SapClass.
var sapOffsets = map[uint32][hip.NumSapClasses]int{
	SchemaV4: {initLen + 16, initLen + 18, initLen + 20, initLen + 22},
	SchemaV5: {initLen + 32, initLen + 34, initLen + 36, initLen + 38},
}

// ErrBadMagic is returned by Parse when the init section is not recognised.
var ErrBadMagic = errors.New("control block magic mismatch")

// UnknownSchemaError is returned when the block advertises a config schema
// with no known layout.
type UnknownSchemaError struct {
	Schema uint32
}

func (e *UnknownSchemaError) Error() string {
	return fmt.Sprintf("unknown control block schema %d", e.Schema)
}

// Block is a read-only view of a control block.
type Block struct {
	raw []byte
}

// Parse validates raw and returns a Block referencing it.
func Parse(raw []byte) (*Block, error) {
	if len(raw) < Size {
		return nil, fmt.Errorf("control block too short, len=%d", len(raw))
	}
	if binary.LittleEndian.Uint32(raw) != Magic {
		return nil, ErrBadMagic
	}
	return &Block{raw: raw}, nil
}

// Schema returns the negotiated config schema version.
func (b *Block) Schema() uint32 {
	return binary.LittleEndian.Uint32(b.raw[4:])
}

// SAPVersion reads the version the firmware advertises for class, using
// the layout of the block's schema.
func (b *Block) SAPVersion(class hip.SapClass) (hip.Version, error) {
	if !class.Valid() {
		return 0, &hip.InvalidClassError{Class: class}
	}
	offsets, ok := sapOffsets[b.Schema()]
	if !ok {
		return 0, &UnknownSchemaError{Schema: b.Schema()}
	}
	return hip.Version(binary.LittleEndian.Uint16(b.raw[offsets[class]:])), nil
}

// Bytes returns the encoded block.
func (b *Block) Bytes() []byte { return b.raw }

// New encodes a control block for schema advertising versions, indexed by
// hip.SapClass.
func New(schema uint32, versions [hip.NumSapClasses]hip.Version) (*Block, error) {
	offsets, ok := sapOffsets[schema]
	if !ok {
		return nil, &UnknownSchemaError{Schema: schema}
	}
	raw := make([]byte, Size)
	binary.LittleEndian.PutUint32(raw, Magic)
	binary.LittleEndian.PutUint32(raw[4:], schema)
	for class, off := range offsets {
		binary.LittleEndian.PutUint16(raw[off:], uint16(versions[class]))
	}
	return &Block{raw: raw}, nil
}
