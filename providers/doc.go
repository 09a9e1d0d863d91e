// Package providers defines the capability interface every OAuth provider
// adapter must satisfy and the error classification used to drive
// connection lifecycle decisions. Provider quirks (scope syntax, refresh
// token rotation, workspace identity) stay behind this interface;
// implementations live in subpackages (google, slack) plus a
// configurable mock for tests.
package providers
