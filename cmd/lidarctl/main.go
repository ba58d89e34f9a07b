// lidarctl controls a running lidarlogd.
//
// With a command it runs that command and exits. Without one, on a
// terminal, it opens an interactive shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/xtxerr/lidarlog/internal/client"
	"golang.org/x/term"
)

func main() {
	addr := flag.String("addr", envOr("LIDARLOG_ADDR", "localhost:8000"), "daemon address")
	timeout := flag.Duration("timeout", 5*time.Minute, "request timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: lidarctl [flags] [command [args]]\n\nflags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\ncommands:\n")
		printUsage(flag.CommandLine.Output())
	}
	flag.Parse()

	c := client.New(&client.Config{Addr: *addr, Timeout: *timeout})
	cli := newCLI(c, os.Stdout)

	if flag.NArg() == 0 {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			flag.Usage()
			os.Exit(2)
		}
		runShell(cli)
		return
	}

	if err := cli.exec(context.Background(), flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "lidarctl: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
