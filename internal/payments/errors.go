package payments

import "github.com/pkg/errors"

var (
	ErrValidation         = errors.New("invalid payment request")
	ErrGatewayRejected    = errors.New("payment gateway rejected the transaction")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrInProgress         = errors.New("payment is still being submitted")
	ErrInternal           = errors.New("internal error")
)

func validation(format string, args ...any) error {
	return errors.Wrapf(ErrValidation, format, args...)
}
