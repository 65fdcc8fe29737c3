// Package gruu implements the symmetric-encryption envelope used for
// temporary GRUU user parts (RFC 5627 Section 3.2).
//
// A temporary GRUU must be resolvable only by the registrar that minted it,
// so the user part is an AES-128-CFB ciphertext of the (AOR, instance,
// position) term, base64-encoded with the URL-safe alphabet so it is legal
// inside a SIP URI user part.
package gruu

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrBadCiphertext is returned when a candidate GRUU user part does not
// decode or does not decrypt to a well-formed term.
var ErrBadCiphertext = errors.New("gruu: bad ciphertext")

// fixedIV is deliberately constant: temp-GRUUs minted before a restart must
// remain decryptable, and the plaintext is unique per (AOR, instance,
// position) so IV reuse does not leak structure across terms. Do not change
// without invalidating every GRUU in the wild.
var fixedIV = [aes.BlockSize]byte{
	0x6b, 0x1f, 0x3a, 0xd2, 0x49, 0x07, 0xee, 0x5c,
	0x91, 0xb8, 0x24, 0x70, 0x0d, 0xc5, 0x82, 0x36,
}

// Codec encrypts and decrypts temporary GRUU terms. It is safe for
// concurrent use; the underlying cipher block is immutable.
type Codec struct {
	block cipher.Block
}

// NewCodec derives the AES-128 key from the first 16 bytes of the
// process-wide global id installed at startup.
func NewCodec(globalID uuid.UUID) (*Codec, error) {
	block, err := aes.NewCipher(globalID[:])
	if err != nil {
		return nil, fmt.Errorf("gruu: cannot build cipher: %w", err)
	}
	return &Codec{block: block}, nil
}

// Encrypt returns the base64 (URL-safe, unpadded) AES-128-CFB ciphertext of
// plain.
func (c *Codec) Encrypt(plain []byte) string {
	out := make([]byte, len(plain))
	cipher.NewCFBEncrypter(c.block, fixedIV[:]).XORKeyStream(out, plain)
	return base64.RawURLEncoding.EncodeToString(out)
}

// Decrypt is the inverse of Encrypt.
func (c *Codec) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrBadCiphertext
	}
	out := make([]byte, len(raw))
	cipher.NewCFBDecrypter(c.block, fixedIV[:]).XORKeyStream(out, raw)
	return out, nil
}

// Term is the plaintext carried inside a temporary GRUU user part.
type Term struct {
	Scheme     string // "sip" or "sips"
	User       string
	Domain     string
	InstanceID string
	Pos        uint64
}

// magic guards against decrypting arbitrary user parts into garbage terms.
var magic = []byte{'s', 'c', '1'}

// Marshal encodes the term with length-prefixed fields so any byte is legal
// in every field.
func (t Term) Marshal() []byte {
	var buf bytes.Buffer
	buf.Write(magic)
	for _, field := range []string{t.Scheme, t.User, t.Domain, t.InstanceID} {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(field)))
		buf.Write(l[:])
		buf.WriteString(field)
	}
	var pos [8]byte
	binary.BigEndian.PutUint64(pos[:], t.Pos)
	buf.Write(pos[:])
	return buf.Bytes()
}

// UnmarshalTerm decodes a term produced by Marshal.
func UnmarshalTerm(data []byte) (Term, error) {
	var t Term
	if len(data) < len(magic) || !bytes.Equal(data[:len(magic)], magic) {
		return t, ErrBadCiphertext
	}
	rest := data[len(magic):]
	fields := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		if len(rest) < 2 {
			return t, ErrBadCiphertext
		}
		l := int(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
		if len(rest) < l {
			return t, ErrBadCiphertext
		}
		fields = append(fields, string(rest[:l]))
		rest = rest[l:]
	}
	if len(rest) != 8 {
		return t, ErrBadCiphertext
	}
	t.Scheme, t.User, t.Domain, t.InstanceID = fields[0], fields[1], fields[2], fields[3]
	t.Pos = binary.BigEndian.Uint64(rest)
	return t, nil
}

// EncryptTerm mints the user part for a temporary GRUU.
func (c *Codec) EncryptTerm(t Term) string {
	return c.Encrypt(t.Marshal())
}

// DecryptTerm resolves a temporary GRUU user part back into its term.
func (c *Codec) DecryptTerm(encoded string) (Term, error) {
	plain, err := c.Decrypt(encoded)
	if err != nil {
		return Term{}, err
	}
	return UnmarshalTerm(plain)
}
