// Package board holds per-board SD card wiring: pin assignments, SPI clock
// rate, and the mount path. Values are fixed at build time and never mutated.
package board

// Pin identifies a GPIO by its board-level name.
type Pin string

// Config describes how the SD card is wired to the host board and where its
// filesystem is mounted. No validation is performed here; conflicting pins or
// an unsupported clock rate are surfaced by the bus and card drivers.
type Config struct {
	// SPI wiring
	SCK  Pin
	MOSI Pin
	MISO Pin
	CS   Pin

	// ClockHz is the SPI clock rate in Hz.
	ClockHz uint32

	// MountPath is where the card's filesystem is mounted.
	MountPath string
}

const testFileName = "test.txt"

// TestFile returns the path used by the write/read smoke test.
func (c Config) TestFile() string {
	return c.MountPath + "/" + testFileName
}

// FeatherS3 returns the wiring for the ESP32-S3 Feather carrier:
// SCK on IO12, MOSI on IO11, MISO on IO13, CS on IO16.
func FeatherS3() Config {
	return Config{
		SCK:       "IO12",
		MOSI:      "IO11",
		MISO:      "IO13",
		CS:        "IO16",
		ClockHz:   4_000_000,
		MountPath: "/sd",
	}
}

// HuzzahESP32 returns the wiring for the original ESP32 HUZZAH, which uses
// the hardware SPI pins with chip select on A5.
func HuzzahESP32() Config {
	return Config{
		SCK:       "SCK",
		MOSI:      "MOSI",
		MISO:      "MISO",
		CS:        "A5",
		ClockHz:   4_000_000,
		MountPath: "/sd",
	}
}

// Default returns the configuration for the primary target board.
func Default() Config {
	return FeatherS3()
}
