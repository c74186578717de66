package services

import (
	"errors"

	goa "goa.design/goa/v3/pkg"

	"seedeep/internal/auth"
	"seedeep/internal/calibration"
	"seedeep/internal/camera"
	"seedeep/internal/database"
)

// Error names understood by the HTTP error formatter
const (
	ErrNameNotFound               = "not_found"
	ErrNameBadRequest             = "bad_request"
	ErrNameUnauthorized           = "unauthorized"
	ErrNameTemporarilyUnavailable = "temporarily_unavailable"
)

func notFound(format string, v ...any) error {
	return goa.PermanentError(ErrNameNotFound, format, v...)
}

func badRequest(format string, v ...any) error {
	return goa.PermanentError(ErrNameBadRequest, format, v...)
}

func unauthorized(format string, v ...any) error {
	return goa.PermanentError(ErrNameUnauthorized, format, v...)
}

func unavailable(format string, v ...any) error {
	return goa.TemporaryError(ErrNameTemporarilyUnavailable, format, v...)
}

// serviceError maps a domain error onto a named goa error. Errors without a
// mapping pass through and are reported as faults.
func serviceError(err error) error {
	var gerr *goa.ServiceError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &gerr):
		return err
	case errors.Is(err, camera.ErrCameraNotFound):
		return goa.NewServiceError(err, ErrNameNotFound, false, false, false)
	case errors.Is(err, camera.ErrInvalidCamera),
		errors.Is(err, camera.ErrNoStreamURL),
		errors.Is(err, calibration.ErrNotCalibrated),
		errors.Is(err, calibration.ErrUnsupportedMode):
		return goa.NewServiceError(err, ErrNameBadRequest, false, false, false)
	case errors.Is(err, database.ErrTemporarilyUnavailable):
		return unavailable("database is busy, please try again")
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrAuthDisabled):
		return goa.NewServiceError(err, ErrNameUnauthorized, false, false, false)
	}
	return err
}
