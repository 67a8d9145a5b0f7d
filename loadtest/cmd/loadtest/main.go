// Package main is the load test binary for the matcher and gateway.
//
//   - seed:     write lt-<n> profiles into Postgres
//   - saturate: open N idle authenticated connections
//   - match:    users repeatedly search, match and end sessions
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "seed":
		runSeed(os.Args[2:])
	case "saturate":
		runSaturate(os.Args[2:])
	case "match":
		runMatch(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  seed        Create or reset load test profiles in Postgres")
	fmt.Println("  saturate    Open N idle gateway connections and hold them")
	fmt.Println("  match       Users search, get matched and end sessions in a loop")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// userID names the n-th synthetic user; seed and the other commands agree on it.
func userID(n int) string {
	return fmt.Sprintf("lt-%d", n)
}
