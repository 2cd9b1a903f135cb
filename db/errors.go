package db

import (
	"strings"

	"github.com/evergreen-ci/docstore"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
)

// ErrEmptyBatch is returned by the bulk helpers when called with no
// operations.
var ErrEmptyBatch = errors.New("bulk operation requires at least one operation")

// IsDuplicateKey determines if err was the result of a duplicate key error.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}

	return mongo.IsDuplicateKeyError(err) || strings.Contains(errors.Cause(err).Error(), "duplicate key")
}

// IsDocumentLimit checks if the error is due to the BSON document size
// limit.
func IsDocumentLimit(err error) bool {
	if err == nil {
		return false
	}

	return strings.Contains(errors.Cause(err).Error(), "an inserted document is too large")
}

// IsObjectTooLarge reports whether the server rejected a command because
// the resulting BSON object exceeded its size limit. Both command level
// failures and per-operation write errors are recognized, by error code
// only.
func IsObjectTooLarge(err error) bool {
	if err == nil {
		return false
	}

	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) && serverErr.HasErrorCode(docstore.ObjectTooLargeErrorCode) {
		return true
	}

	var writeErrs WriteErrors
	return errors.As(err, &writeErrs) && writeErrs.HasErrorCode(docstore.ObjectTooLargeErrorCode)
}

// IsEncodingTooLarge reports whether err contains a single operation that
// could not be written even on its own.
func IsEncodingTooLarge(err error) bool {
	var tooLarge *EncodingTooLargeError
	return errors.As(err, &tooLarge)
}

// IsPartialSplitFailure reports whether err is a bulk write that was split
// and had at least one half fail.
func IsPartialSplitFailure(err error) bool {
	var partial *PartialSplitFailure
	return errors.As(err, &partial)
}
