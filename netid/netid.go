// Package netid provides the 64-bit structured identifier used to address
// logical endpoints, rooms and services.
package netid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"
)

// multiplier used when folding a namespace into a derived id
const deriveMul uint32 = 0x01000193

// ID is compared by value and is safe to use as a map key. The zero value is
// the null sentinel.
type ID struct {
	Hi uint32 `json:"hi"`
	Lo uint32 `json:"lo"`
}

var Null = ID{}

func New(hi, lo uint32) ID {
	return ID{
		Hi: hi,
		Lo: lo,
	}
}

func FromUint64(v uint64) ID {
	return ID{
		Hi: uint32(v >> 32),
		Lo: uint32(v),
	}
}

func (id ID) Uint64() uint64 {
	return uint64(id.Hi)<<32 | uint64(id.Lo)
}

func (id ID) IsNull() bool {
	return id.Hi == 0 && id.Lo == 0
}

func (id ID) String() string {
	return fmt.Sprintf("%08x-%08x", id.Hi, id.Lo)
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Parse accepts the String form, with or without the separating dash.
func Parse(s string) (ID, error) {
	raw := strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	if len(raw) != 16 {
		return Null, fmt.Errorf("netid: invalid length %d in %q", len(raw), s)
	}

	hi, err := strconv.ParseUint(raw[:8], 16, 32)
	if err != nil {
		return Null, fmt.Errorf("netid: invalid hex in %q, err=%w", s, err)
	}
	lo, err := strconv.ParseUint(raw[8:], 16, 32)
	if err != nil {
		return Null, fmt.Errorf("netid: invalid hex in %q, err=%w", s, err)
	}

	return New(uint32(hi), uint32(lo)), nil
}

// Derive deterministically combines a namespace with a name. Collisions are
// possible and accepted for the group sizes this is used with.
func Derive(namespace ID, name string) ID {
	h := murmur3.Sum64([]byte(name))

	id := ID{
		Hi: namespace.Hi*deriveMul + uint32(h>>32),
		Lo: namespace.Lo*deriveMul + uint32(h),
	}
	if id.IsNull() {
		id.Lo = 1
	}

	return id
}

// FromName derives an id from the null namespace.
func FromName(name string) ID {
	return Derive(Null, name)
}

// Random hashes process, environment, time and random state into a new id.
func Random() ID {
	h := murmur3.New128()

	var seed [16]byte
	rand.Read(seed[:])
	h.Write(seed[:])

	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], uint64(os.Getpid()))
	h.Write(scratch[:])
	binary.LittleEndian.PutUint64(scratch[:], uint64(time.Now().UnixNano()))
	h.Write(scratch[:])

	hostname, _ := os.Hostname()
	h.Write([]byte(hostname))
	h.Write([]byte(strings.Join(os.Environ(), "\x00")))

	a, b := h.Sum128()
	id := FromUint64(a ^ b)
	if id.IsNull() {
		id.Lo = 1
	}

	return id
}
