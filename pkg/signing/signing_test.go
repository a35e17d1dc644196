package signing_test

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attic-go/attic/pkg/signing"
)

func TestKeypairRoundTrip(t *testing.T) {
	t.Parallel()

	kp, err := signing.Generate("test-cache-1")
	require.NoError(t, err)

	s := kp.String()

	parsed, err := signing.ParseKeypair(s)
	require.NoError(t, err)
	assert.Equal(t, kp.Name, parsed.Name)
	assert.Equal(t, kp.PublicKey, parsed.PublicKey)
	assert.Equal(t, kp.PrivateKey, parsed.PrivateKey)

	pub := kp.Public()

	parsedPub, err := signing.ParsePublicKey(pub.String())
	require.NoError(t, err)
	assert.Equal(t, pub.Key, parsedPub.Key)
}

func TestGenerateRejectsBadNames(t *testing.T) {
	t.Parallel()

	_, err := signing.Generate("")
	assert.ErrorIs(t, err, signing.ErrEmptyName)

	_, err = signing.Generate("has:colon")
	assert.ErrorIs(t, err, signing.ErrNameContainsColon)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	kp, err := signing.Generate("test-cache-1")
	require.NoError(t, err)

	msg := []byte("1;/nix/store/xyz-hello;sha256:abc;123;")
	sig := kp.Sign(msg)

	assert.True(t, kp.Public().Verify(msg, sig))
}

func TestVerifyRejectsMutation(t *testing.T) {
	t.Parallel()

	kp, err := signing.Generate("test-cache-1")
	require.NoError(t, err)

	msg := []byte("hello world")
	sig := kp.Sign(msg)

	mutatedMsg := []byte("heclo world")
	assert.False(t, kp.Public().Verify(mutatedMsg, sig))

	mutatedSig := []byte(sig)
	mutatedSig[len(mutatedSig)-1] ^= 0x01
	assert.False(t, kp.Public().Verify(msg, string(mutatedSig)))
}

func TestFingerprintMatchesSpecFormat(t *testing.T) {
	t.Parallel()

	narHash := sha256.Sum256([]byte("nar bytes"))

	fp := signing.Fingerprint(
		"/nix/store/xcp9cav49dmsjbm1cx5cxnx0bvduc4ak-hello-2.10",
		narHash[:],
		206104,
		[]string{
			"/nix/store/9r9wfrjvy1ycga3wvxjcxd7s9c4jk0wh-glibc-2.35-163",
			"/nix/store/xcp9cav49dmsjbm1cx5cxnx0bvduc4ak-hello-2.10",
		},
	)

	expected := "1;/nix/store/xcp9cav49dmsjbm1cx5cxnx0bvduc4ak-hello-2.10;sha256:" +
		signing.Base32(narHash[:]) +
		";206104;/nix/store/9r9wfrjvy1ycga3wvxjcxd7s9c4jk0wh-glibc-2.35-163," +
		"/nix/store/xcp9cav49dmsjbm1cx5cxnx0bvduc4ak-hello-2.10"

	assert.Equal(t, expected, string(fp))
}

func TestBase32AvoidsExcludedLetters(t *testing.T) {
	t.Parallel()

	// Base32 must never emit 'e', 'o', 'u', or 't'.
	for n := range 1000 {
		data := sha256.Sum256([]byte{byte(n), byte(n >> 8)})

		out := signing.Base32(data[:])
		for _, r := range out {
			assert.NotContains(t, "eout", string(r))
		}
	}
}
