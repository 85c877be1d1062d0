package main

import (
	"fmt"
	"os"

	galaxymcp "github.com/rendis/galaxy/pkg/mcp"
)

const usage = `usage: galaxy <command> [flags]

commands:
  serve     run the HTTP API, scheduler and optional MCP stdio server
  plan      validate a workflow graph file and print its execution order
  run       execute a workflow file once and print the result
  secret    manage provider API keys
  version   print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	galaxymcp.Version = version

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "plan":
		err = runPlan(os.Args[2:], os.Stdout)
	case "run":
		err = runOnce(os.Args[2:], os.Stdout)
	case "secret":
		err = runSecret(os.Args[2:], os.Stdin, os.Stdout)
	case "version":
		printVersion()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
