package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// UseMasterDBKey signals to the database layer that a query should run on
	// the primary (write) pool, bypassing the read replica pool. Needed for
	// read-your-writes consistency right after an insert or update.
	UseMasterDBKey = ContextKey("use_master")
)
