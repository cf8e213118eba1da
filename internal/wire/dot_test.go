package wire

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "hello\r\nworld\r\n", "hello\r\nworld\r\n"},
		{"leading dot", ".hidden\r\n", "..hidden\r\n"},
		{"dot after crlf", "a\r\n.b\r\n", "a\r\n..b\r\n"},
		{"bare lf", "a\n.b\n", "a\r\n..b\r\n"},
		{"bare cr", "a\r.b\r", "a\r\n..b\r\n"},
		{"lone dot line", "a\r\n.\r\nb", "a\r\n..\r\nb"},
		{"partial last line", "a\r\n.", "a\r\n.."},
		{"double dot", "..\r\n", "...\r\n"},
		{"dot mid line", "a.b\r\n", "a.b\r\n"},
		{"cr cr lf", "a\r\r\nb", "a\r\n\r\nb"},
		{"lf cr", "a\n\rb", "a\r\n\r\nb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(Encode([]byte(tt.in))))
		})
	}
}

func TestEncodeNeutralizesSmuggling(t *testing.T) {
	for _, sep := range []string{"\n", "\r"} {
		body := "Subject: test\r\n\r\nhello" + sep + ".\r\nMAIL FROM:<hacker@evil.example>\r\n" +
			"RCPT TO:<victim@example.org>\r\nDATA\r\nThis is a smuggled message\r\n"
		encoded := Encode([]byte(body))

		assert.Equal(t, -1, FindTerminator(encoded), "separator %q", sep)
		assert.Contains(t, string(encoded), "\r\n..\r\nMAIL FROM:<")
		assert.NotContains(t, string(encoded), sep+".\r\nMAIL")
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := []byte{'.', '\r', '\n', 'a', 'b', ' '}

	for i := 0; i < 500; i++ {
		body := make([]byte, rng.Intn(64))
		for j := range body {
			body[j] = alphabet[rng.Intn(len(alphabet))]
		}

		encoded := Encode(body)
		require.Equal(t, -1, FindTerminator(encoded), "body %q", body)
		require.Equal(t, Normalize(body), Decode(encoded), "body %q", body)
	}
}

func TestIsTerminator(t *testing.T) {
	yes := []string{".\r\n", ".\n", ".\r", "\r\n.\r\n", "\n.\r\n", "\r.\r\n", "\n.\n", "\r.\r"}
	no := []string{"", ".", "..\r\n", "a.\r\n", "\r\n.a\r\n", ".\r\n\r\n", "\r\n\r\n.\r\n"}

	for _, w := range yes {
		assert.True(t, IsTerminator([]byte(w)), "%q", w)
	}
	for _, w := range no {
		assert.False(t, IsTerminator([]byte(w)), "%q", w)
	}
}

func TestFindTerminator(t *testing.T) {
	assert.Equal(t, 0, FindTerminator([]byte(".\r\n")))
	assert.Equal(t, 6, FindTerminator([]byte("hello\n.\r\nMAIL")))
	assert.Equal(t, 6, FindTerminator([]byte("hello\r.\r\nMAIL")))
	assert.Equal(t, -1, FindTerminator([]byte("hello\r\n..\r\n")))
}

func TestEncoderChunkBoundaries(t *testing.T) {
	body := []byte("line one\r\n.dot\r\rtwo\n.\r\nlast.")
	want := append(Encode(body), []byte("\r\n.\r\n")...)

	for split := 0; split <= len(body); split++ {
		var out bytes.Buffer
		enc := NewEncoder(&out)
		_, err := enc.Write(body[:split])
		require.NoError(t, err)
		_, err = enc.Write(body[split:])
		require.NoError(t, err)
		require.NoError(t, enc.Close())

		assert.Equal(t, string(want), out.String(), "split at %d", split)
	}
}

func TestEncoderClose(t *testing.T) {
	var out bytes.Buffer
	enc := NewEncoder(&out)
	require.NoError(t, enc.Close())
	assert.Equal(t, ".\r\n", out.String())

	out.Reset()
	enc = NewEncoder(&out)
	_, err := enc.Write([]byte("body\r"))
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	assert.Equal(t, "body\r\n.\r\n", out.String())

	_, err = enc.Write([]byte("more"))
	assert.ErrorIs(t, err, ErrClosed)
}
