package chain

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"iouchain/internal/domain"

	"golang.org/x/crypto/sha3"
)

const wordSize = 32

// ArgType is a contract ABI parameter type supported by the codec.
type ArgType string

const (
	TypeAddress      ArgType = "address"
	TypeUint32       ArgType = "uint32"
	TypeAddressArray ArgType = "address[]"
)

// Method is a contract function signature.
type Method struct {
	Name   string
	Inputs []ArgType
}

// Contract methods of the IOU contract.
var (
	AddIOUMethod = Method{
		Name:   "add_IOU",
		Inputs: []ArgType{TypeAddress, TypeUint32, TypeAddressArray, TypeUint32},
	}
	LookupMethod = Method{
		Name:   "lookup",
		Inputs: []ArgType{TypeAddress, TypeAddress},
	}
)

// Signature returns the canonical signature, e.g. lookup(address,address).
func (m Method) Signature() string {
	types := make([]string, len(m.Inputs))
	for i, t := range m.Inputs {
		types[i] = string(t)
	}
	return m.Name + "(" + strings.Join(types, ",") + ")"
}

// Selector returns the first four bytes of the Keccak-256 hash of the
// signature.
func (m Method) Selector() [4]byte {
	return selector(m.Signature())
}

func selector(signature string) [4]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	var sel [4]byte
	copy(sel[:], h.Sum(nil))
	return sel
}

// ABICodec encodes and decodes calls to a fixed set of contract methods.
type ABICodec struct {
	bySelector map[[4]byte]Method
	byName     map[string]Method
}

// NewABICodec builds a codec for the given methods.
func NewABICodec(methods ...Method) *ABICodec {
	c := &ABICodec{
		bySelector: make(map[[4]byte]Method, len(methods)),
		byName:     make(map[string]Method, len(methods)),
	}
	for _, m := range methods {
		c.bySelector[m.Selector()] = m
		c.byName[m.Name] = m
	}
	return c
}

// DefaultCodec knows the add_IOU and lookup methods.
func DefaultCodec() *ABICodec {
	return NewABICodec(AddIOUMethod, LookupMethod)
}

// Encode builds the call payload for method name. Arguments map to Go types
// as address -> domain.Identity, uint32 -> domain.Amount and
// address[] -> domain.Path.
func (c *ABICodec) Encode(name string, args ...interface{}) ([]byte, error) {
	m, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("abi: unknown method %q", name)
	}
	if len(args) != len(m.Inputs) {
		return nil, fmt.Errorf("abi: %s expects %d arguments, got %d", name, len(m.Inputs), len(args))
	}

	sel := m.Selector()
	head := make([]byte, 0, len(m.Inputs)*wordSize)
	var tail []byte
	for i, t := range m.Inputs {
		switch t {
		case TypeAddress:
			id, ok := args[i].(domain.Identity)
			if !ok {
				return nil, fmt.Errorf("abi: argument %d of %s must be an address", i, name)
			}
			word, err := addressWord(id)
			if err != nil {
				return nil, err
			}
			head = append(head, word...)
		case TypeUint32:
			amt, ok := args[i].(domain.Amount)
			if !ok {
				return nil, fmt.Errorf("abi: argument %d of %s must be a uint32 amount", i, name)
			}
			head = append(head, uintWord(uint64(amt))...)
		case TypeAddressArray:
			path, ok := args[i].(domain.Path)
			if !ok {
				return nil, fmt.Errorf("abi: argument %d of %s must be an address array", i, name)
			}
			offset := len(m.Inputs)*wordSize + len(tail)
			head = append(head, uintWord(uint64(offset))...)
			tail = append(tail, uintWord(uint64(len(path)))...)
			for _, id := range path {
				word, err := addressWord(id)
				if err != nil {
					return nil, err
				}
				tail = append(tail, word...)
			}
		}
	}

	out := make([]byte, 0, 4+len(head)+len(tail))
	out = append(out, sel[:]...)
	out = append(out, head...)
	return append(out, tail...), nil
}

// Decode recovers a call from input. Malformed payloads produce an
// unrecognized result, never a panic.
func (c *ABICodec) Decode(input []byte) domain.DecodeResult {
	if len(input) < 4 {
		return domain.Unrecognized("payload shorter than selector")
	}
	var sel [4]byte
	copy(sel[:], input[:4])
	m, ok := c.bySelector[sel]
	if !ok {
		return domain.Unrecognized("unknown selector 0x" + hex.EncodeToString(sel[:]))
	}

	data := input[4:]
	if len(data) < len(m.Inputs)*wordSize {
		return domain.Unrecognized(m.Name + ": truncated arguments")
	}

	args := make([]interface{}, len(m.Inputs))
	for i, t := range m.Inputs {
		word := data[i*wordSize : (i+1)*wordSize]
		switch t {
		case TypeAddress:
			id, ok := wordAddress(word)
			if !ok {
				return domain.Unrecognized(fmt.Sprintf("%s: argument %d is not an address", m.Name, i))
			}
			args[i] = id
		case TypeUint32:
			v, ok := wordUint(word, 4)
			if !ok {
				return domain.Unrecognized(fmt.Sprintf("%s: argument %d overflows uint32", m.Name, i))
			}
			args[i] = domain.Amount(v)
		case TypeAddressArray:
			path, reason := decodeAddressArray(data, word)
			if reason != "" {
				return domain.Unrecognized(fmt.Sprintf("%s: argument %d: %s", m.Name, i, reason))
			}
			args[i] = path
		}
	}
	return domain.Decoded(m.Name, args...)
}

func decodeAddressArray(data, offsetWord []byte) (domain.Path, string) {
	offset, ok := wordUint(offsetWord, 8)
	if !ok || offset > uint64(len(data)) || uint64(len(data))-offset < wordSize {
		return nil, "array offset out of range"
	}
	n, ok := wordUint(data[offset:offset+wordSize], 8)
	if !ok {
		return nil, "array length out of range"
	}
	avail := (uint64(len(data)) - offset - wordSize) / wordSize
	if n > avail {
		return nil, "array length exceeds payload"
	}
	path := make(domain.Path, 0, n)
	start := offset + wordSize
	for j := uint64(0); j < n; j++ {
		w := data[start+j*wordSize : start+(j+1)*wordSize]
		id, ok := wordAddress(w)
		if !ok {
			return nil, fmt.Sprintf("element %d is not an address", j)
		}
		path = append(path, id)
	}
	return path, ""
}

func addressWord(id domain.Identity) ([]byte, error) {
	s := strings.TrimPrefix(string(domain.NormalizeIdentity(string(id))), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 20 {
		return nil, fmt.Errorf("abi: %q is not a 20-byte address", id)
	}
	word := make([]byte, wordSize)
	copy(word[12:], raw)
	return word, nil
}

func wordAddress(word []byte) (domain.Identity, bool) {
	for _, b := range word[:12] {
		if b != 0 {
			return "", false
		}
	}
	return domain.Identity("0x" + hex.EncodeToString(word[12:])), true
}

func uintWord(v uint64) []byte {
	word := make([]byte, wordSize)
	binary.BigEndian.PutUint64(word[wordSize-8:], v)
	return word
}

// wordUint reads a big-endian unsigned value that must fit in size bytes.
func wordUint(word []byte, size int) (uint64, bool) {
	for _, b := range word[:wordSize-size] {
		if b != 0 {
			return 0, false
		}
	}
	var v uint64
	for _, b := range word[wordSize-size:] {
		v = v<<8 | uint64(b)
	}
	return v, true
}
