package main

import (
	"fmt"
	"os"

	"github.com/crossrun/sdk/cli/crossrun/cmd"

	"github.com/jessevdk/go-flags"
)

var version string
var build string

func main() {
	parser := flags.NewNamedParser("crossrun", flags.Default)
	parser.AddCommand("run", cmd.RunCommandDescription, "", &cmd.RunCommand{})
	parser.AddCommand("serve", cmd.ServeCommandDescription, "", &cmd.ServeCommand{})

	if _, err := parser.Parse(); err != nil {
		if _, ok := err.(*flags.Error); ok {
			parser.WriteHelp(os.Stdout)
			fmt.Printf("\nBuild information\n  commit: %s\n  date:%s\n", version, build)
		}

		os.Exit(1)
	}
}
