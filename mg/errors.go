package mg

import "errors"

var (
	ErrReleased        = errors.New("mg: hierarchy already released")
	ErrLevelRange      = errors.New("mg: level index out of range")
	ErrUnknownOperator = errors.New("mg: unknown operator variant")
)
