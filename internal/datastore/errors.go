package datastore

import "fmt"

// DataSourceError wraps a failure from the underlying store, per spec §4.3:
// such failures fail only the current page, never the session.
type DataSourceError struct {
	Exchange string
	Symbol   string
	Err      error
}

func (e *DataSourceError) Error() string {
	return fmt.Sprintf("datastore: %s/%s: %v", e.Exchange, e.Symbol, e.Err)
}

func (e *DataSourceError) Unwrap() error { return e.Err }
