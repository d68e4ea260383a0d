package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
)

const uniqueViolation = pq.ErrorCode("23505")

// UniqueViolation returns the violated constraint when err is a unique violation.
func UniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return pqErr.Constraint, true
	}
	return "", false
}

// Classify wraps a driver error. Lost connections, serialization failures,
// deadlocks and resource exhaustion come back as errs.ErrTransientStore.
func Classify(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return errs.Transient(err, format, args...)
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func isTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return true
		}
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
