// Command proxis is a TLS-terminating, ACL-enforcing proxy for a
// Redis-compatible key/value server.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/seznam/proxis/internal/supervisor"
)

const usageText = `proxis: TLS + ACL proxy for redis

Usage: proxis [options]

Options:
  -h, --help           Print this help
  -c, --config file    Read configuration from file
  -t, --test           Test configuration
  -f, --foreground     Don't daemonize and run in foreground
`

// run implements the command-line interface and returns the process exit
// code, so main() stays a one-line wrapper and flag handling is testable
// without actually daemonizing anything.
func run(args []string) int {
	fs := flag.NewFlagSet("proxis", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var configPath string
	var test, foreground, help bool
	fs.StringVar(&configPath, "c", "", "path to configuration file")
	fs.StringVar(&configPath, "config", "", "path to configuration file")
	fs.BoolVar(&test, "t", false, "validate configuration and exit")
	fs.BoolVar(&test, "test", false, "validate configuration and exit")
	fs.BoolVar(&foreground, "f", false, "don't daemonize")
	fs.BoolVar(&foreground, "foreground", false, "don't daemonize")
	fs.BoolVar(&help, "h", false, "print usage")
	fs.BoolVar(&help, "help", false, "print usage")

	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, usageText)
		return 1
	}

	if help {
		fmt.Fprint(os.Stderr, usageText)
		return 0
	}

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "missing required -c/--config")
		fmt.Fprint(os.Stderr, usageText)
		return 1
	}

	cfg, err := supervisor.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if test {
		fmt.Println("config file test successful")
		return 0
	}

	return sup.Run(foreground)
}

func main() {
	os.Exit(run(os.Args[1:]))
}
