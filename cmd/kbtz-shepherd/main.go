// kbtz-shepherd owns one session's PTY on behalf of the workspace so
// the child survives workspace restarts. It serves child state over a
// framed Unix socket; see the shepherd package for the protocol.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/kbtz-tools/kbtz-workspace/internal/infra/shepherd"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kbtz-shepherd <socket-path> <pid-file> <rows> <cols> <command> [args...]")
	os.Exit(1)
}

func main() {
	args := os.Args
	if len(args) < 6 {
		usage()
	}

	rows, err := strconv.ParseUint(args[3], 10, 16)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kbtz-shepherd: invalid rows: %s\n", args[3])
		os.Exit(1)
	}
	cols, err := strconv.ParseUint(args[4], 10, 16)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kbtz-shepherd: invalid cols: %s\n", args[4])
		os.Exit(1)
	}

	err = shepherd.Run(shepherd.Options{
		SocketPath: args[1],
		PidPath:    args[2],
		Rows:       uint16(rows),
		Cols:       uint16(cols),
		Command:    args[5],
		Args:       args[6:],
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "kbtz-shepherd: %v\n", err)
		os.Exit(1)
	}
}
