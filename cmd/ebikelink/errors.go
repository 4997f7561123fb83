package main

import (
	"context"
	"errors"

	"github.com/srg/ebikelink/internal/client"
	"github.com/srg/ebikelink/internal/sensor"
)

// FormatUserError maps internal errors onto one-line messages suitable for
// terminal output. Errors without a friendlier rendering pass through
// unchanged.
func FormatUserError(err error) string {
	var notFound *client.NotFoundError
	switch {
	case errors.As(err, &notFound):
		return notFound.Error() + " on the connected device (not an e-bike sensor, or old firmware?)"
	case errors.Is(err, client.ErrConnectionLost):
		return "connection lost (sensor powered off or out of range)"
	case errors.Is(err, client.ErrNotConnected):
		return "not connected to the sensor"
	case errors.Is(err, client.ErrTimeout):
		return "the sensor did not answer in time"
	case errors.Is(err, sensor.ErrNotDetected):
		return "no INA228 answered on the I2C bus (check wiring, address and shunt config)"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out waiting for the sensor (is it powered and advertising?)"
	default:
		return err.Error()
	}
}
