package credential

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleToken = "MTA1NjQ3MjE2NzYwMjI4MjYxMg.GhT9xQ.abcdefghijklmnopqrstuvwxyz0123456789AB"

func TestValidTokenShape(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{name: "modern token", token: sampleToken, want: true},
		{name: "legacy token", token: "NzkyNzE1NDU0MTk2MDg4ODQy.X-hvzA.Ovy4MCQywSkoMRRclStW4xAYK7I", want: true},
		{name: "empty", token: "", want: false},
		{name: "two segments", token: "MTA1NjQ3MjE2NzYwMjI4MjYxMg.GhT9xQ", want: false},
		{name: "short timestamp", token: "MTA1NjQ3MjE2NzYwMjI4MjYxMg.GhT9.abcdefghijklmnopqrstuvwxyz0123", want: false},
		{name: "invalid characters", token: "MTA1NjQ3MjE2NzYwMjI4Mj!xMg.GhT9xQ.abcdefghijklmnopqrstuvwxyz0123", want: false},
		{name: "surrounding space", token: " " + sampleToken, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ValidTokenShape(tt.token))
		})
	}
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	codec, err := NewCodec("correct horse battery staple")
	require.NoError(t, err)

	first, err := codec.Encrypt(sampleToken)
	require.NoError(t, err)

	second, err := codec.Encrypt(sampleToken)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "salt and nonce must differ per encryption")
	assert.NotContains(t, first, "GhT9xQ")

	plaintext, err := codec.Decrypt(first)
	require.NoError(t, err)
	assert.Equal(t, sampleToken, plaintext)
}

func TestCodecRejectsWrongPassphrase(t *testing.T) {
	t.Parallel()

	codec, err := NewCodec("first")
	require.NoError(t, err)

	sealed, err := codec.Encrypt(sampleToken)
	require.NoError(t, err)

	other, err := NewCodec("second")
	require.NoError(t, err)

	_, err = other.Decrypt(sealed)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestCodecMalformedInput(t *testing.T) {
	t.Parallel()

	codec, err := NewCodec("passphrase")
	require.NoError(t, err)

	_, err = codec.Decrypt("not base64!")
	require.ErrorIs(t, err, ErrMalformed)

	_, err = codec.Decrypt(strings.Repeat("A", 8))
	require.ErrorIs(t, err, ErrMalformed)

	_, err = NewCodec("")
	require.ErrorIs(t, err, ErrEmptyPassphrase)
}
