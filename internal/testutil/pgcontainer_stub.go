//go:build !containers

package testutil

import "testing"

// containerDSN is a no-op without the "containers" build tag; tests fall
// back to POSTGRES_URL or skip.
func containerDSN(*testing.T) string { return "" }
