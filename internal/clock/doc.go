// Package clock provides a minimal time abstraction so components that
// schedule reconnect and grace-window timers can be tested deterministically.
package clock
