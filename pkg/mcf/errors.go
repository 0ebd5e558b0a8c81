package mcf

import "errors"

var (
	ErrInvalidMagic       = errors.New("invalid MCF magic")
	ErrUnsupportedMajor   = errors.New("unsupported MCF major version")
	ErrUnsupportedVersion = errors.New("unsupported MCF section version")
	ErrCorruptFile        = errors.New("corrupt MCF file")
	ErrUnknownSection     = errors.New("unknown MCF section")
	ErrMissingSection     = errors.New("missing MCF section")
	ErrUnsupportedDType   = errors.New("unsupported MCF tensor dtype")
	ErrTensorNotFound     = errors.New("MCF tensor not found")
)
