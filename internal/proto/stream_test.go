package proto

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"dvnet/internal/testutil"
)

func TestStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	first, err := NewAppMessage(TypeFirstApp, []byte("one"))
	require.NoError(t, err)
	second := EncodeDisconnect(DisconnectMsg{ID: 5})
	require.NoError(t, WriteMessage(&buf, first))
	require.NoError(t, WriteMessage(&buf, second))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, first, got)
	got, err = ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, second, got)
	_, err = ReadMessage(&buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadMessageRejectsTinySize(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader([]byte{0, 2, 0, 1}))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestWriteMessageRejectsMismatch(t *testing.T) {
	msg := EncodeDisconnect(DisconnectMsg{ID: 5})
	require.Error(t, WriteMessage(io.Discard, msg[:6]))
}

func FuzzStreamDecodeData(f *testing.F) {
	payload, _ := NewAppMessage(TypeFirstApp, []byte("seed"))
	seed, _ := EncodeData(DataMsg{Sender: 1, Recipient: 2, Payload: payload})
	f.Add(seed)
	f.Add([]byte{0, 16, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4, 0x80, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			m, err := DecodeData(data)
			if err != nil {
				return
			}
			out, err := EncodeData(m)
			if err != nil {
				t.Fatalf("re-encode valid message: %v", err)
			}
			if !bytes.Equal(out, data) {
				t.Fatalf("re-encoded message differs")
			}
		})
	})
}

func FuzzStreamReadMessage(f *testing.F) {
	f.Add([]byte{0, 8, 1, 3, 0, 0, 0, 1})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			r := bytes.NewReader(data)
			for {
				msg, err := ReadMessage(r)
				if err != nil {
					return
				}
				switch h, _ := ParseHeader(msg); h.Type {
				case TypeDVGossip:
					_, _ = DecodeGossip(msg)
				case TypeDVDisconnect:
					_, _ = DecodeDisconnect(msg)
				case TypeLinkHello:
					_, _ = DecodeLinkHello(msg)
				}
			}
		})
	})
}
