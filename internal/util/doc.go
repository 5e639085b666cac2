// Package util holds small helpers shared by the authbridge packages:
// log-safe truncation of credentials, scope list handling, and host
// classification used when validating client redirect URIs.
package util
