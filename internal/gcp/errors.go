package gcp

import (
	"errors"
	"net/http"

	"google.golang.org/api/googleapi"
)

var (
	// ErrObjectNotFound is returned when a Cloud Storage object does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrFolderNotFound is returned when no folder configuration exists.
	ErrFolderNotFound = errors.New("folder configuration not found")
	// ErrTableNotFound is returned when a BigQuery table does not exist.
	ErrTableNotFound = errors.New("table not found")
	// ErrAlreadyExists is returned when a create raced with another creator.
	ErrAlreadyExists = errors.New("already exists")
	// ErrPrecondition is returned when a conditional write lost a race.
	ErrPrecondition = errors.New("precondition failed")
)

// apiErrorCode returns the HTTP status of a googleapi.Error anywhere in err's
// chain, or 0.
func apiErrorCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func isNotFound(err error) bool {
	return apiErrorCode(err) == http.StatusNotFound
}

func isConflict(err error) bool {
	return apiErrorCode(err) == http.StatusConflict
}

func isPreconditionFailed(err error) bool {
	return apiErrorCode(err) == http.StatusPreconditionFailed
}
