package browser

import "errors"

var (
	// ErrBrowserUnavailable means the shared instance could not be
	// launched or relaunched.
	ErrBrowserUnavailable = errors.New("browser instance unavailable")

	// ErrNavigateFailed wraps a navigation-level failure.
	ErrNavigateFailed = errors.New("navigation failed")

	// ErrWaitTimeout means a lifecycle wait exceeded its deadline.
	ErrWaitTimeout = errors.New("timeout waiting for page event")

	// ErrLoginInputNotFound means no username or password field could
	// be resolved on the login page.
	ErrLoginInputNotFound = errors.New("login input not found")

	// ErrLoginFailed means the post-submit verification rejected the
	// session.
	ErrLoginFailed = errors.New("login verification failed")
)
