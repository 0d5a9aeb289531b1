package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/Bidon15/nsigner"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
	stdin            = bufio.NewReader(os.Stdin)

	useColor = term.IsTerminal(int(os.Stdout.Fd()))

	stdinIsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
)

// structured reports whether the output is machine readable.
func structured() bool {
	return outputFormat == "json" || outputFormat == "yaml"
}

// printStructured writes v as json or yaml. yaml keeps the json field
// names and order.
func printStructured(v interface{}) error {
	if outputFormat == "yaml" {
		return printYAML(v)
	}
	return printJSON(v)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(v interface{}) error {
	b, err := toYAML(v)
	if err != nil {
		return err
	}
	_, err = stdout.Write(b)
	return err
}

func toYAML(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, err
	}
	resetStyle(&node)
	return yaml.Marshal(&node)
}

func resetStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		resetStyle(c)
	}
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
}

func printTableHeader(w *tabwriter.Writer, cols ...string) {
	fmt.Fprintln(w, strings.Join(cols, "\t"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func colorize(code, s string) string {
	if !useColor {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

func colorGreen(s string) string  { return colorize("32", s) }
func colorYellow(s string) string { return colorize("33", s) }
func colorRed(s string) string    { return colorize("31", s) }

func printSuccess(format string, args ...interface{}) {
	fmt.Fprintf(stdout, "%s %s\n", colorGreen("✓"), fmt.Sprintf(format, args...))
}

func printError(err error) {
	fmt.Fprintf(stderr, "%s %v\n", colorRed("Error:"), err)
	switch {
	case errors.Is(err, nsigner.ErrSignerLocked):
		fmt.Fprintln(stderr, "  The vault is locked. Run: nsigner vault unlock")
	case errors.Is(err, nsigner.ErrRelayUnavailable):
		fmt.Fprintln(stderr, "  No bunker relay could be reached. Check bunker.relays in the config.")
	}
}

// confirm asks a yes/no question; anything but y or yes is a no.
func confirm(prompt string) bool {
	fmt.Fprintf(stdout, "%s %s [y/N]: ", colorYellow("⚠"), prompt)
	line, _ := stdin.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// readSecret prompts without echo on a terminal and reads one line
// otherwise, so secrets can be piped in.
func readSecret(prompt string) (string, error) {
	if stdinIsTerminal() {
		fmt.Fprint(stderr, prompt)
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(stderr)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(strings.ToLower(prompt), ": "), err)
		}
		return string(b), nil
	}
	line, err := stdin.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(strings.ToLower(prompt), ": "), err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readNewSecret reads a secret twice and requires both to match.
func readNewSecret(prompt string) (string, error) {
	first, err := readSecret(prompt)
	if err != nil {
		return "", err
	}
	second, err := readSecret("Repeat " + strings.ToLower(prompt[:1]) + prompt[1:])
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("entries do not match")
	}
	return first, nil
}
