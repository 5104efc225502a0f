// Package mock provides in-memory SD card and filesystem doubles for tests:
// a block-level card with error injection and timing simulation, and a
// filesystem tracking mount state without touching the host.
package mock

// MockCardConfig controls the behavior of a mock SD card.
type MockCardConfig struct {
	// SizeMB is the simulated card capacity in megabytes (default 64).
	SizeMB uint64

	// ErrorMode selects an injected failure:
	//   ""                - no injected errors
	//   "block_count_fail" - BlockCount returns an error
	//   "read_fail"        - ReadBlocks returns an error
	//   "write_fail"       - WriteBlocks returns an error
	//   "bad_signature"    - block 0 carries an invalid boot signature
	ErrorMode string

	// ErrorAfterN delays the injected error until after N successful calls
	// of the affected operation. Zero fails immediately.
	ErrorAfterN int

	// RealisticTiming enables the per-operation delays below.
	RealisticTiming bool

	// BlockCountDelayMs delays BlockCount calls.
	BlockCountDelayMs int

	// ReadDelayMs delays each ReadBlocks call.
	ReadDelayMs int

	// WriteDelayMs delays each WriteBlocks call.
	WriteDelayMs int
}

// DefaultMockCardConfig returns a healthy 64 MB card with no delays.
func DefaultMockCardConfig() MockCardConfig {
	return MockCardConfig{SizeMB: 64}
}
