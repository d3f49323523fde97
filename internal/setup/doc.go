// Package setup holds host-level constants and checks: default locations,
// the environment variables forwarded across relocation, and the preflight
// verification that the host can run a build at all.
//
// This package is essentially a collection of scripts and constants, and is therefore the only package that is
// allowed to call a global logger.
package setup
