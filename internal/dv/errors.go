package dv

import "errors"

var (
	ErrNoRoute     = errors.New("dv: no route to peer")
	ErrRecursive   = errors.New("dv: payload is a dv message")
	ErrBadPayload  = errors.New("dv: payload is not a framed message")
	ErrTooLarge    = errors.New("dv: payload too large")
	ErrSendRefused = errors.New("dv: next hop refused message")
)
