// reading-sync reconciles reading activity exported from Goodreads, Audible, Kindle
// and Audiobookshelf into a single destination tracker, once per invocation.
//
// Without --apply every run is a dry run that prints the plan and writes nothing.
//
// Exit codes:
//
//	0  success, including skipped books and per-book write failures
//	1  a profile stopped on a fatal error (authentication, corrupt state, lock held, no readable source)
//	2  configuration or usage error
package main

import (
	"os"
)

var (
	version = "dev" // Set during build
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}
