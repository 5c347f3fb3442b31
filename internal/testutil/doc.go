// Package testutil provides testing utilities, mock implementations, and
// test fixtures for the auth proxy. It includes helpers for creating test
// sessions, stub backend servers, and mock time providers for
// deterministic testing.
package testutil
