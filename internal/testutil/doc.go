// Package testutil provides testing utilities and test fixtures for the sso
// library. It includes random data generators, PKCE helpers, assertions, and
// a mock time provider for deterministic testing.
package testutil
