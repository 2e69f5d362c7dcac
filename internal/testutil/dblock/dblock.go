// Package dblock serializes Postgres integration tests across test binaries.
// go test runs packages in parallel processes, so the lock is a loopback
// listener rather than a mutex.
package dblock

import (
	"fmt"
	"net"
	"os"
	"time"
)

const defaultAddr = "127.0.0.1:45433"

// Acquire blocks until this process holds the lock and returns its release func.
// ESCROW_TEST_DB_LOCK overrides the listen address.
func Acquire() func() {
	release, err := AcquireWithin(10 * time.Minute)
	if err != nil {
		panic(err)
	}
	return release
}

// AcquireWithin is Acquire with an upper bound on the wait.
func AcquireWithin(wait time.Duration) (func(), error) {
	addr := os.Getenv("ESCROW_TEST_DB_LOCK")
	if addr == "" {
		addr = defaultAddr
	}
	deadline := time.Now().Add(wait)
	for {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return func() { _ = ln.Close() }, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire test db lock on %s: %w", addr, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
