package browser

import "time"

// Config controls the shared browser instance and per-probe waits.
type Config struct {
	// IdleShutdown is how long the instance may sit unused before it is
	// torn down. It relaunches lazily on the next probe.
	IdleShutdown time.Duration

	// NetworkIdleWait bounds the best-effort post-navigation quiet
	// period. Exceeding it is not an error.
	NetworkIdleWait time.Duration

	// LoginIdleWait bounds the network-idle wait on the login page.
	LoginIdleWait time.Duration

	// PostSubmitWait is the pause after submitting credentials before
	// verification runs.
	PostSubmitWait time.Duration

	// ScreenshotDir receives viewport captures of failing pages. Empty
	// disables screenshots.
	ScreenshotDir string

	ViewportWidth  int
	ViewportHeight int
}

// DefaultConfig returns the standard probe browser settings.
func DefaultConfig() Config {
	return Config{
		IdleShutdown:    5 * time.Minute,
		NetworkIdleWait: 30 * time.Second,
		LoginIdleWait:   20 * time.Second,
		PostSubmitWait:  3 * time.Second,
		ViewportWidth:   1366,
		ViewportHeight:  900,
	}
}

// withDefaults fills zero fields so a partially populated config from
// the application layer still behaves.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.IdleShutdown <= 0 {
		c.IdleShutdown = def.IdleShutdown
	}
	if c.NetworkIdleWait <= 0 {
		c.NetworkIdleWait = def.NetworkIdleWait
	}
	if c.LoginIdleWait <= 0 {
		c.LoginIdleWait = def.LoginIdleWait
	}
	if c.PostSubmitWait <= 0 {
		c.PostSubmitWait = def.PostSubmitWait
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = def.ViewportWidth
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = def.ViewportHeight
	}
	return c
}
