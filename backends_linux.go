//go:build linux

package evloop

// In order of preference; the first backend whose Init succeeds wins.
var backends = []func() Multiplexer{
	newEpollBackend,
	newPollBackend,
	newSelectBackend,
}
