//go:build windows

package console

import "os"

// Windows consoles deliver no resize signal; the size is read once on attach.
func notifyResize(ch chan<- os.Signal) (stop func()) {
	return func() {}
}
