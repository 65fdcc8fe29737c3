// Package banner prints the startup banner.
package banner

import (
	"fmt"
	"strings"
)

const logo = `
======================================================================
     _
 ___(_)_ __   ___ ___  _ __ ___
/ __| | '_ \ / __/ _ \| '__/ _ \
\__ \ | |_) | (_| (_) | | |  __/
|___/_| .__/ \___\___/|_|  \___|
      |_|
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine represents a single configuration line to display
type ConfigLine struct {
	Label string
	Value string
}

// Print displays the startup banner with the service name and configuration
func Print(serviceName string, config []ConfigLine) {
	fmt.Println(logo)
	fmt.Printf("%s\n", serviceName)

	// Find max label length for alignment
	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}

	// Print config lines with alignment
	for _, c := range config {
		padding := strings.Repeat(" ", maxLen-len(c.Label))
		fmt.Printf("  %s%s : %s\n", c.Label, padding, c.Value)
	}

	fmt.Println()
	fmt.Println("Ready.")
	fmt.Println(footer)
	fmt.Println()
}
