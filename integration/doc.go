//go:build integration

// Package integration runs the feedpin client against a real OCI registry.
//
// These tests require Docker and start a registry:2 container with
// testcontainers. Run with: go test -tags=integration ./integration/...
// Set SKIP_DOCKER_TESTS=1 to skip them.
package integration
