package disclaimr

import "time"

type options struct {
	progressInterval time.Duration
	readTimeout      time.Duration
	writeTimeout     time.Duration
}

// Option configures a [Filter].
type Option func(*options)

// WithProgressInterval sets how often progress notifications get sent to the MTA
// while the rules of a message get evaluated. The default is one second.
func WithProgressInterval(d time.Duration) Option {
	return func(o *options) {
		o.progressInterval = d
	}
}

// WithTimeouts sets the read and write timeouts of MTA connections. Zero values keep the library defaults.
func WithTimeouts(read, write time.Duration) Option {
	return func(o *options) {
		o.readTimeout = read
		o.writeTimeout = write
	}
}
