// kbtz-workspace multiplexes AI-agent sessions over a shared kbtz task
// database: a tree view of the task forest, passthrough terminals for
// each worker, and automatic claim/spawn/reap of sessions.
package main

import "github.com/kbtz-tools/kbtz-workspace/internal/cli"

func main() {
	cli.Execute()
}
