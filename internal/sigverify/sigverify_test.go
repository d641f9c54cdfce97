package sigverify_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NeroReflex/embuer/internal/sigverify"
)

func generateKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&priv.PublicKey),
	})

	return priv, pemBytes
}

func sign(t *testing.T, priv *rsa.PrivateKey, digest []byte) []byte {
	t.Helper()

	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, 0, digest)
	require.NoError(t, err)

	return sig
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	priv, pemBytes := generateKey(t)

	pub, err := sigverify.LoadPEM(pemBytes)
	require.NoError(t, err)

	// rsa.SignPKCS1v15 with hash=0 signs the digest bytes directly but
	// does not prepend a DigestInfo prefix itself; build one explicitly
	// the way the real update pipeline's digest does, matching the
	// SHA-512 DigestInfo this verifier requires.
	sum := sha512.Sum512([]byte("payload"))
	digestInfo := []byte{0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40}
	toSign := append(append([]byte{}, digestInfo...), sum[:]...)

	sig := sign(t, priv, toSign)

	err = sigverify.Verify(pub, sig, hex.EncodeToString(sum[:]))
	require.NoError(t, err)
}

func TestVerifyRejectsWrongSizeSignature(t *testing.T) {
	_, pemBytes := generateKey(t)

	pub, err := sigverify.LoadPEM(pemBytes)
	require.NoError(t, err)

	sum := sha512.Sum512([]byte("payload"))

	err = sigverify.Verify(pub, []byte{1, 2, 3}, hex.EncodeToString(sum[:]))
	require.Error(t, err)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	priv, pemBytes := generateKey(t)

	pub, err := sigverify.LoadPEM(pemBytes)
	require.NoError(t, err)

	sum := sha512.Sum512([]byte("payload"))
	digestInfo := []byte{0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40}
	toSign := append(append([]byte{}, digestInfo...), sum[:]...)

	sig := sign(t, priv, toSign)
	sig[len(sig)-1] ^= 0xFF

	err = sigverify.Verify(pub, sig, hex.EncodeToString(sum[:]))
	require.Error(t, err)
}

func TestVerifyRejectsDigestMismatch(t *testing.T) {
	priv, pemBytes := generateKey(t)

	pub, err := sigverify.LoadPEM(pemBytes)
	require.NoError(t, err)

	sum := sha512.Sum512([]byte("payload"))
	digestInfo := []byte{0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40}
	toSign := append(append([]byte{}, digestInfo...), sum[:]...)

	sig := sign(t, priv, toSign)

	otherSum := sha512.Sum512([]byte("different payload"))

	err = sigverify.Verify(pub, sig, hex.EncodeToString(otherSum[:]))
	require.Error(t, err)
}
