package storage

import "errors"

// ErrNoState is returned when no persisted state document exists yet.
var ErrNoState = errors.New("no persisted state")

// ErrUnknownBackend is returned for an unsupported ledger backend name.
var ErrUnknownBackend = errors.New("unknown ledger backend")
