package repository

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers should check for this error explicitly using
// errors.Is to distinguish missing records from other database errors.
//
//	cmd, err := repo.GetLatestForHost(ctx, host, service)
//	if errors.Is(err, repository.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update would violate a unique
// constraint invariant the caller should have prevented.
var ErrConflict = errors.New("record already exists")
