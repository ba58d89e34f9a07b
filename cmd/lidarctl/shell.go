package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
)

// runShell reads commands interactively until "exit" or Ctrl-D.
func runShell(x *cli) {
	fmt.Fprintf(x.out, "lidarctl connected to %s. Type \"help\" for commands.\n", x.c.BaseURL())

	p := prompt.New(
		func(line string) { x.shellExec(line) },
		x.complete,
		prompt.OptionPrefix("lidar> "),
		prompt.OptionTitle("lidarctl"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && isExit(in)
		}),
	)
	p.Run()
}

func isExit(line string) bool {
	switch strings.TrimSpace(line) {
	case "exit", "quit":
		return true
	}
	return false
}

func (x *cli) shellExec(line string) {
	args := strings.Fields(line)
	if len(args) == 0 || isExit(line) {
		return
	}
	if args[0] == "help" {
		printUsage(x.out)
		return
	}
	if err := x.exec(context.Background(), args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
}

// complete suggests command names for the first word and file names for
// file arguments.
func (x *cli) complete(d prompt.Document) []prompt.Suggest {
	return x.suggest(d.TextBeforeCursor(), d.GetWordBeforeCursor(), func() []string {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		return x.fileNames(ctx)
	})
}

func (x *cli) suggest(before, word string, files func() []string) []prompt.Suggest {
	fields := strings.Fields(before)
	// Index of the word being completed.
	pos := len(fields)
	if word != "" {
		pos--
	}

	if pos <= 0 {
		s := make([]prompt.Suggest, 0, len(commands)+1)
		for _, cmd := range commands {
			s = append(s, prompt.Suggest{Text: cmd.name, Description: cmd.summary})
		}
		s = append(s, prompt.Suggest{Text: "exit", Description: "leave the shell"})
		return prompt.FilterHasPrefix(s, word, true)
	}

	cmd, ok := lookup(fields[0])
	if !ok || cmd.fileArg != pos-1 {
		return nil
	}
	var s []prompt.Suggest
	for _, name := range files() {
		s = append(s, prompt.Suggest{Text: name})
	}
	return prompt.FilterHasPrefix(s, word, false)
}
