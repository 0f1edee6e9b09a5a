package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "watch":
		return runWatch(args[1:], stdout, stderr)
	case "create":
		return runCreate(args[1:], stdout, stderr)
	case "join":
		return runJoin(args[1:], stdout, stderr)
	case "start":
		return runStart(args[1:], stdout, stderr)
	case "claim":
		return runClaim(args[1:], stdout, stderr)
	case "end":
		return runEnd(args[1:], stdout, stderr)
	case "fund":
		return runFund(args[1:], stdout, stderr)
	case "drain":
		return runDrain(args[1:], stdout, stderr)
	case "info":
		return runInfo(args[1:], stdout, stderr)
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return `Usage: pixelwar <command> [flags]

Commands:
  watch   -config FILE [-game ID] [-api ADDR] [-drain-on-exit]  keep a local view in sync and serve it
  create  -config FILE -grid N -duration D -max-players N -stake AMOUNT
  join    -config FILE [-game ID]
  start   -config FILE [-game ID]
  claim   -config FILE [-game ID] -x X -y Y [-confirm]
  end     -config FILE [-game ID]
  fund    -config FILE                                  top up the session credential
  drain   -config FILE                                  reclaim the session balance and forget it
  info    -config FILE [-game ID]                       print the current view as JSON
  keygen  [-out KEYSTORE] [-passphrase-env VAR] [-write-config FILE]`
}
