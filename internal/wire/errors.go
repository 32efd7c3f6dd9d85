package wire

import "errors"

var (
	ErrShortHeader   = errors.New("wire: fragment shorter than header")
	ErrEmptyPayload  = errors.New("wire: empty packet payload")
	ErrNoSessionKey  = errors.New("wire: session key not yet established")
	ErrFragmentCount = errors.New("wire: fragment count mismatch during reassembly")
	ErrDuplicate     = errors.New("wire: duplicate fragment index")
)
