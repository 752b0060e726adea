package optimize

import "errors"

// Per-image failure classes. The driver logs these and moves on; they
// never abort the run.
var (
	ErrNotStream       = errors.New("object is not a stream")
	ErrDecode          = errors.New("stream decode failed")
	ErrColorConversion = errors.New("unsupported pixel layout")
	ErrEncode          = errors.New("image encode failed")
)
