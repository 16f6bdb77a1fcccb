package host

import (
	"io"
	"log/slog"
)

// Option defines a functional option for configuring the Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithServerStderr redirects the spawned server's stderr. By default it is
// inherited from the host process.
func WithServerStderr(w io.Writer) Option {
	return func(c *Client) {
		c.serverStderr = w
	}
}
