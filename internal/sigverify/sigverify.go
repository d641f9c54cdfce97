// Package sigverify implements a self-contained PKCS#1 v1.5 signature
// verification over a held RSA public key. SHA-512 with PKCS#1 v1.5 is the
// only accepted scheme: there is no algorithm negotiation. The digest is
// supplied out-of-band as a hex string (produced by the hashstream reader),
// so this intentionally does not use crypto/rsa.VerifyPKCS1v15, which
// expects to hash the message itself.
package sigverify

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"math/big"

	"github.com/pkg/errors"

	"github.com/NeroReflex/embuer/internal/embuererrors"
)

// sha512DigestInfo is the fixed ASN.1 DigestInfo prefix for SHA-512, per
// RFC 8017 Appendix B.1/B.2.
var sha512DigestInfo = []byte{
	0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03,
	0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40,
}

const sha512DigestLen = 64

// PublicKey is the held RSA public key, loaded once at startup.
type PublicKey struct {
	N       *big.Int
	E       int
	keySize int // bytes
}

// LoadPEM parses a PKCS#1 PEM-encoded RSA public key.
func LoadPEM(data []byte) (*PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Wrap(embuererrors.ErrPublicKeyImport, "no PEM block found")
	}

	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		// Some PEMs hold a SubjectPublicKeyInfo wrapper instead of raw
		// PKCS#1; fall back to that before giving up.
		pub, err2 := x509.ParsePKIXPublicKey(block.Bytes)
		if err2 != nil {
			return nil, errors.Wrap(embuererrors.ErrPublicKeyImport, err.Error())
		}

		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.Wrap(embuererrors.ErrPublicKeyImport, "not an RSA public key")
		}

		key = rsaPub
	}

	return &PublicKey{
		N:       key.N,
		E:       key.E,
		keySize: (key.N.BitLen() + 7) / 8,
	}, nil
}

// KeySize is the key size in bytes (ceil(key_bits / 8)).
func (k *PublicKey) KeySize() int {
	return k.keySize
}

// Verify checks signature against hexDigest, the hex-encoded SHA-512 digest
// of the signed payload.
//
// Policy:
//  1. decode hexDigest to bytes (64 for SHA-512);
//  2. require len(signature) == key size;
//  3. compute m = signature^e mod n, left-padded to key size;
//  4. validate PKCS#1 v1.5 padding: 00 01 (FF){>=8} 00 <DigestInfo> <digest>;
//  5. require the DigestInfo prefix matches sha512DigestInfo exactly;
//  6. require the trailing 64 bytes equal the decoded digest.
func Verify(key *PublicKey, signature []byte, hexDigest string) error {
	digest, err := hex.DecodeString(hexDigest)
	if err != nil {
		return errors.Wrap(embuererrors.ErrPkcs1, "malformed digest hex")
	}

	if len(digest) != sha512DigestLen {
		return errors.Wrap(embuererrors.ErrPkcs1, "digest is not 64 bytes")
	}

	if len(signature) != key.keySize {
		return errors.Wrap(embuererrors.ErrPkcs1, "signature size mismatch")
	}

	c := new(big.Int).SetBytes(signature)
	e := big.NewInt(int64(key.E))
	m := new(big.Int).Exp(c, e, key.N)

	encoded := leftPad(m.Bytes(), key.keySize)

	return validateEncoding(encoded, digest)
}

func validateEncoding(encoded, digest []byte) error {
	minLen := 2 + 8 + 1 + len(sha512DigestInfo) + len(digest)
	if len(encoded) < minLen {
		return errors.Wrap(embuererrors.ErrPkcs1, "encoded message too short")
	}

	if encoded[0] != 0x00 || encoded[1] != 0x01 {
		return errors.Wrap(embuererrors.ErrPkcs1, "bad PKCS#1 header")
	}

	i := 2
	padStart := i
	for i < len(encoded) && encoded[i] == 0xFF {
		i++
	}

	if i-padStart < 8 {
		return errors.Wrap(embuererrors.ErrPkcs1, "padding string too short")
	}

	if i >= len(encoded) || encoded[i] != 0x00 {
		return errors.Wrap(embuererrors.ErrPkcs1, "missing padding terminator")
	}
	i++

	rest := encoded[i:]
	if len(rest) != len(sha512DigestInfo)+len(digest) {
		return errors.Wrap(embuererrors.ErrPkcs1, "unexpected trailing length")
	}

	gotInfo := rest[:len(sha512DigestInfo)]
	gotDigest := rest[len(sha512DigestInfo):]

	if !bytesEqual(gotInfo, sha512DigestInfo) {
		return errors.Wrap(embuererrors.ErrPkcs1, "DigestInfo mismatch")
	}

	if !bytesEqual(gotDigest, digest) {
		return errors.Wrap(embuererrors.ErrPkcs1, "digest mismatch")
	}

	return nil
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}

	out := make([]byte, size)
	copy(out[size-len(b):], b)

	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
