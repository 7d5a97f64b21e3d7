package logging

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	isTTY = term.IsTerminal(int(os.Stdout.Fd()))

	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

// Statusf prints a colored informational status line to stdout, falling
// back to plain text when stdout is not a terminal.
func Statusf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if isTTY {
		fmt.Println(blue("info"), msg)
		return
	}
	fmt.Println("info:", msg)
}

// Successf prints a colored success line.
func Successf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if isTTY {
		fmt.Println(green("ok"), msg)
		return
	}
	fmt.Println("ok:", msg)
}

// Warnf prints a colored warning line.
func Warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if isTTY {
		fmt.Println(yellow("warn"), msg)
		return
	}
	fmt.Println("warn:", msg)
}

// Errorf prints a colored error line to stderr.
func Errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if isTTY {
		fmt.Fprintln(os.Stderr, red("error"), msg)
		return
	}
	fmt.Fprintln(os.Stderr, "error:", msg)
}
