package telemetry

import (
	"fmt"
	"strings"
)

// Config configures span export over OTLP/gRPC.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// Endpoint is host:port of the collector. A leading http:// or
	// https:// is tolerated and stripped.
	Endpoint string
	Insecure bool

	// SampleRate is the fraction of root traces kept, 0.0 to 1.0. Child
	// spans follow their parent's decision.
	SampleRate float64
}

// DefaultConfig returns tracing disabled with a local collector endpoint.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "rollq",
		ServiceVersion: "dev",
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SampleRate:     1.0,
	}
}

func (c Config) validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("telemetry endpoint is required")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate %v outside [0, 1]", c.SampleRate)
	}
	return nil
}

// collectorAddr strips a URL scheme; the gRPC exporter wants host:port.
func (c Config) collectorAddr() string {
	addr := c.Endpoint
	for _, scheme := range []string{"http://", "https://"} {
		addr = strings.TrimPrefix(addr, scheme)
	}
	return strings.TrimSuffix(addr, "/")
}

// ProfilingConfig configures continuous profiling with Pyroscope.
type ProfilingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// Endpoint is the Pyroscope server URL, e.g. http://localhost:4040.
	Endpoint string

	// ProfileTypes names the profiles to collect; see profileTypes for the
	// accepted names. Mutex and block profiles switch on the matching
	// runtime sampling.
	ProfileTypes []string

	// Tags are attached to every uploaded profile.
	Tags map[string]string
}
