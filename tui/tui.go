package tui

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

var (
	HasTTY = isatty.IsTerminal(os.Stdout.Fd())

	// Out receives everything this package prints.
	Out io.Writer = os.Stdout
)
