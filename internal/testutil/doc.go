// Package testutil provides deterministic clocks, random fixtures and small
// assertion helpers shared by the authbridge test suites.
package testutil
