package cmd

import "github.com/fatih/color"

var (
	warning = color.New(color.FgRed)
	notice  = color.New(color.FgGreen)
	ignored = color.New(color.FgYellow)
)
