package proto

import (
	"fmt"
	"io"
)

// ReadMessage reads one self-delimiting message (header included).
func ReadMessage(r io.Reader) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	h, err := ParseHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	msg := make([]byte, int(h.Size))
	copy(msg, hdr[:])
	if _, err := io.ReadFull(r, msg[HeaderSize:]); err != nil {
		return nil, err
	}
	return msg, nil
}

func WriteMessage(w io.Writer, msg []byte) error {
	h, err := ParseHeader(msg)
	if err != nil {
		return err
	}
	if int(h.Size) != len(msg) {
		return fmt.Errorf("%w: declared size %d, have %d", ErrMalformed, h.Size, len(msg))
	}
	total := 0
	for total < len(msg) {
		n, err := w.Write(msg[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}
