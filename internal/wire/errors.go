package wire

import "errors"

// Sentinel errors for malformed wire data. These are framing/parse errors,
// distinct from TPM ReturnCode values: a ReturnCode is a well-formed
// response carrying a TPM-level failure, while these indicate the bytes
// themselves could not be parsed into a header, trailer, or structure.
var (
	ErrShortBuffer = errors.New("buffer too short")
	ErrBadTag      = errors.New("unrecognized tag")
	ErrTrailing    = errors.New("unexpected trailing bytes")
	ErrOverflow    = errors.New("declared length exceeds buffer")
)
