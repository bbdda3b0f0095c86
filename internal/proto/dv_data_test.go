package proto

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func appMsg(t *testing.T, body string) []byte {
	t.Helper()
	msg, err := NewAppMessage(TypeFirstApp+1, []byte(body))
	require.NoError(t, err)
	return msg
}

func TestDataRoundTrip(t *testing.T) {
	payload := appMsg(t, "hello over dv")
	raw, err := EncodeData(DataMsg{Sender: 7, Recipient: 9, Payload: payload})
	require.NoError(t, err)
	require.Len(t, raw, DataHeaderSize+len(payload))

	got, err := DecodeData(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(7), got.Sender)
	require.Equal(t, uint32(9), got.Recipient)
	require.Equal(t, payload, got.Payload)
	require.Equal(t, TypeFirstApp+1, got.PayloadType())
}

func TestDecodeDataRejectsSizeMismatch(t *testing.T) {
	payload := appMsg(t, "abc")
	raw, err := EncodeData(DataMsg{Sender: 1, Recipient: 2, Payload: payload})
	require.NoError(t, err)

	cases := map[string][]byte{
		"outer size too big": func() []byte {
			b := append([]byte(nil), raw...)
			binary.BigEndian.PutUint16(b[0:2], uint16(len(b)+1))
			return b
		}(),
		"embedded size too small": func() []byte {
			b := append([]byte(nil), raw...)
			binary.BigEndian.PutUint16(b[DataHeaderSize:], uint16(len(payload)-1))
			return b
		}(),
		"embedded size below header": func() []byte {
			b := append([]byte(nil), raw...)
			binary.BigEndian.PutUint16(b[DataHeaderSize:], 2)
			return b
		}(),
		"trailing garbage": append(append([]byte(nil), raw...), 0xff),
		"truncated":        raw[:DataHeaderSize+2],
	}
	for name, b := range cases {
		_, err := DecodeData(b)
		require.Error(t, err, name)
		require.True(t, errors.Is(err, ErrMalformed), "%s: %v", name, err)
	}
}

func TestDecodeDataWrongType(t *testing.T) {
	raw := EncodeDisconnect(DisconnectMsg{ID: 3})
	padded := append(raw, make([]byte, 8)...)
	binary.BigEndian.PutUint16(padded[0:2], uint16(len(padded)))
	_, err := DecodeData(padded)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestEncodeDataRejectsBadPayload(t *testing.T) {
	_, err := EncodeData(DataMsg{Payload: []byte{0, 1}})
	require.ErrorIs(t, err, ErrMalformed)

	payload := appMsg(t, "abc")
	payload = append(payload, 0)
	_, err = EncodeData(DataMsg{Payload: payload})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestNewAppMessage(t *testing.T) {
	_, err := NewAppMessage(TypeDVData, nil)
	require.ErrorIs(t, err, ErrUnknownType)

	_, err = NewAppMessage(TypeFirstApp, make([]byte, MaxMessageSize))
	require.ErrorIs(t, err, ErrTooLarge)

	msg, err := NewAppMessage(TypeFirstApp, []byte("x"))
	require.NoError(t, err)
	body, err := MessageBody(msg)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), body)
	require.True(t, IsDVType(TypeDVGossip))
	require.False(t, IsDVType(TypeFirstApp))
}
