package preview

import "time"

// Config defines the runtime configuration for the preview server.
type Config struct {
	Addr           string
	StatusInterval time.Duration
	JPEGQuality    int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		StatusInterval: time.Second,
		JPEGQuality:    80,
	}
}
