package taskstore

import (
	"fmt"
	"strings"

	"github.com/kbtz-tools/kbtz-workspace/internal/domain"
)

// Exec runs a batch script of subcommands inside one BEGIN IMMEDIATE
// transaction. Blank lines and #-comments are skipped; a <<DELIM token
// pulls subsequent lines in as a heredoc argument. Interactive commands
// (exec, wait, watch, workspace) are rejected. Any failure rolls the
// whole batch back and reports the offending line number.
func (s *Store) Exec(script string) error {
	commands, err := parseScript(script)
	if err != nil {
		return err
	}
	if len(commands) == 0 {
		return nil
	}

	return s.withImmediate(func(q querier) error {
		for _, cmd := range commands {
			if err := dispatch(q, cmd.tokens); err != nil {
				return fmt.Errorf("line %d: %s: %w", cmd.lineno, cmd.display, err)
			}
		}
		return nil
	})
}

type scriptCommand struct {
	display string
	tokens  []string
	lineno  int
}

// parseScript tokenizes the script, resolving heredocs and rejecting
// commands that cannot run inside a batch. All parsing happens before
// the transaction starts.
func parseScript(script string) ([]scriptCommand, error) {
	lines := strings.Split(script, "\n")
	var commands []scriptCommand

	i := 0
	for i < len(lines) {
		line := strings.TrimSpace(lines[i])
		lineno := i + 1
		i++

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		tokens, err := tokenize(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}

		// Resolve a single heredoc marker per line.
		heredocAt := -1
		for idx, t := range tokens {
			if strings.HasPrefix(t, "<<") && len(t) > 2 {
				if heredocAt >= 0 {
					return nil, fmt.Errorf("line %d: only one heredoc per command is supported", lineno)
				}
				heredocAt = idx
			}
		}
		if heredocAt >= 0 {
			delimiter := tokens[heredocAt][2:]
			var body []string
			found := false
			for i < len(lines) {
				if strings.TrimSpace(lines[i]) == delimiter {
					found = true
					i++
					break
				}
				body = append(body, lines[i])
				i++
			}
			if !found {
				return nil, fmt.Errorf("line %d: unterminated heredoc (expected closing '%s')", lineno, delimiter)
			}
			tokens[heredocAt] = strings.Join(body, "\n")
		}

		switch tokens[0] {
		case "exec":
			return nil, fmt.Errorf("line %d: exec cannot be nested", lineno)
		case "wait":
			return nil, fmt.Errorf("line %d: wait cannot be used inside exec", lineno)
		case "watch", "workspace":
			return nil, fmt.Errorf("line %d: %s cannot be used inside exec", lineno, tokens[0])
		}

		commands = append(commands, scriptCommand{lineno: lineno, display: line, tokens: tokens})
	}
	return commands, nil
}

// tokenize splits a line with shell-like quoting: single quotes are
// literal, double quotes allow \" and \\ escapes, backslash escapes the
// next character outside quotes.
func tokenize(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inToken := false

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch c {
		case ' ', '\t':
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		case '\'':
			inToken = true
			end := strings.IndexByte(line[i+1:], '\'')
			if end < 0 {
				return nil, fmt.Errorf("invalid shell quoting: unterminated single quote")
			}
			cur.WriteString(line[i+1 : i+1+end])
			i += end + 1
		case '"':
			inToken = true
			i++
			closed := false
			for i < len(line) {
				if line[i] == '\\' && i+1 < len(line) && (line[i+1] == '"' || line[i+1] == '\\') {
					cur.WriteByte(line[i+1])
					i += 2
					continue
				}
				if line[i] == '"' {
					closed = true
					break
				}
				cur.WriteByte(line[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("invalid shell quoting: unterminated double quote")
			}
		case '\\':
			if i+1 >= len(line) {
				return nil, fmt.Errorf("invalid shell quoting: trailing backslash")
			}
			inToken = true
			cur.WriteByte(line[i+1])
			i++
		default:
			inToken = true
			cur.WriteByte(c)
		}
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

// args holds parsed positional arguments and flags for one exec line.
type args struct {
	positional []string
	flags      map[string]string
	bools      map[string]bool
}

// parseArgs splits tokens after the command name into positionals and
// --flag[=value] pairs. boolFlags take no value; all other flags
// consume the next token when not written as --flag=value.
func parseArgs(tokens []string, boolFlags ...string) (*args, error) {
	isBool := make(map[string]bool, len(boolFlags))
	for _, f := range boolFlags {
		isBool[f] = true
	}
	a := &args{flags: make(map[string]string), bools: make(map[string]bool)}
	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		if !strings.HasPrefix(t, "--") {
			a.positional = append(a.positional, t)
			continue
		}
		name := t[2:]
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			a.flags[name[:eq]] = name[eq+1:]
			continue
		}
		if isBool[name] {
			a.bools[name] = true
			continue
		}
		if i+1 >= len(tokens) {
			return nil, fmt.Errorf("flag --%s requires a value", name)
		}
		a.flags[name] = tokens[i+1]
		i++
	}
	return a, nil
}

func (a *args) need(n int, usage string) error {
	if len(a.positional) != n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

// dispatch executes one parsed exec line against the open transaction.
func dispatch(q querier, tokens []string) error {
	cmd, rest := tokens[0], tokens[1:]
	switch cmd {
	case "add":
		a, err := parseArgs(rest, "paused")
		if err != nil {
			return err
		}
		if len(a.positional) < 1 || len(a.positional) > 2 {
			return fmt.Errorf("usage: add NAME [DESC]")
		}
		desc := ""
		if len(a.positional) == 2 {
			desc = a.positional[1]
		}
		opts := domain.CreateOptions{
			Note:     a.flags["note"],
			Assignee: a.flags["claim"],
			Paused:   a.bools["paused"],
		}
		if p, ok := a.flags["parent"]; ok {
			opts.Parent = &p
		}
		return createTask(q, a.positional[0], desc, opts)

	case "claim":
		a, err := parseArgs(rest)
		if err != nil {
			return err
		}
		if err := a.need(2, "claim NAME ASSIGNEE"); err != nil {
			return err
		}
		return claimTask(q, a.positional[0], a.positional[1])

	case "claim-next":
		a, err := parseArgs(rest)
		if err != nil {
			return err
		}
		if err := a.need(1, "claim-next ASSIGNEE"); err != nil {
			return err
		}
		_, err = claimNext(q, a.positional[0], a.flags["prefer"])
		return err

	case "steal":
		a, err := parseArgs(rest)
		if err != nil {
			return err
		}
		if err := a.need(2, "steal NAME ASSIGNEE"); err != nil {
			return err
		}
		_, err = stealTask(q, a.positional[0], a.positional[1])
		return err

	case "release":
		a, err := parseArgs(rest)
		if err != nil {
			return err
		}
		if err := a.need(2, "release NAME ASSIGNEE"); err != nil {
			return err
		}
		return releaseTask(q, a.positional[0], a.positional[1])

	case "force-unassign":
		a, err := parseArgs(rest)
		if err != nil {
			return err
		}
		if err := a.need(1, "force-unassign NAME"); err != nil {
			return err
		}
		return forceUnassignTask(q, a.positional[0])

	case "done":
		a, err := parseArgs(rest)
		if err != nil {
			return err
		}
		if err := a.need(1, "done NAME"); err != nil {
			return err
		}
		return markDone(q, a.positional[0])

	case "reopen":
		a, err := parseArgs(rest)
		if err != nil {
			return err
		}
		if err := a.need(1, "reopen NAME"); err != nil {
			return err
		}
		return reopenTask(q, a.positional[0])

	case "pause":
		a, err := parseArgs(rest)
		if err != nil {
			return err
		}
		if err := a.need(1, "pause NAME"); err != nil {
			return err
		}
		return pauseTask(q, a.positional[0])

	case "unpause":
		a, err := parseArgs(rest)
		if err != nil {
			return err
		}
		if err := a.need(1, "unpause NAME"); err != nil {
			return err
		}
		return unpauseTask(q, a.positional[0])

	case "describe":
		a, err := parseArgs(rest)
		if err != nil {
			return err
		}
		if err := a.need(2, "describe NAME DESC"); err != nil {
			return err
		}
		return describeTask(q, a.positional[0], a.positional[1])

	case "reparent":
		a, err := parseArgs(rest)
		if err != nil {
			return err
		}
		if err := a.need(1, "reparent NAME [--parent P]"); err != nil {
			return err
		}
		var parent *string
		if p, ok := a.flags["parent"]; ok {
			parent = &p
		}
		return reparentTask(q, a.positional[0], parent)

	case "rm":
		a, err := parseArgs(rest, "recursive")
		if err != nil {
			return err
		}
		if err := a.need(1, "rm NAME [--recursive]"); err != nil {
			return err
		}
		return removeTask(q, a.positional[0], a.bools["recursive"])

	case "note":
		a, err := parseArgs(rest)
		if err != nil {
			return err
		}
		if err := a.need(2, "note NAME CONTENT"); err != nil {
			return err
		}
		return addNote(q, a.positional[0], a.positional[1])

	case "block":
		a, err := parseArgs(rest)
		if err != nil {
			return err
		}
		if err := a.need(2, "block BLOCKER BLOCKED"); err != nil {
			return err
		}
		return addBlock(q, a.positional[0], a.positional[1])

	case "unblock":
		a, err := parseArgs(rest)
		if err != nil {
			return err
		}
		if err := a.need(2, "unblock BLOCKER BLOCKED"); err != nil {
			return err
		}
		return removeBlock(q, a.positional[0], a.positional[1])

	default:
		return fmt.Errorf("unknown command '%s'", cmd)
	}
}
