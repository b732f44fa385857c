// Command loadtest drives the anonchat gateway with simulated users.
//
//   - saturate: open and identify N idle connections
//   - chat:     connect, search, exchange messages and end the chat
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
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
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
	fmt.Println("  saturate    Connection saturation test, holds N identified idle connections")
	fmt.Println("  chat        Chat lifecycle test: connect, search, exchange messages, end")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> --help' for command-specific options.")
}
