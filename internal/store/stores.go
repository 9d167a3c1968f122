package store

// Stores is the top-level container for all storage backends. The gateway
// core is agnostic to the backend family; cmd wiring picks file, sqlite,
// or postgres at boot.
type Stores struct {
	Sessions SessionStore
	Cron     CronStore
	Pairing  PairingStore
	Memory   MemoryStore
}
