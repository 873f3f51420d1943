package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"openinterp/internal/config"
	"openinterp/internal/domain"
)

const (
	activeLinePrefix = "##active_line "
	activeLineSuffix = "##"

	defaultTimeoutSeconds = 120
	defaultMaxOutputBytes = 262144
)

// subprocessRunner writes the (instrumented) code to a temp file and streams
// the interpreter's combined stdout/stderr back as chunks. Marker lines of
// the form "##active_line N##" become ConsoleActiveLine chunks, everything
// else becomes ConsoleOutput.
type subprocessRunner struct {
	name           string
	ext            string
	argv           func(scriptPath string) []string
	instrument     func(code string) string
	timeoutSeconds int
	maxOutputBytes int
}

func NewPythonRunner(cfg config.ExecutorConfig) Runner {
	python := cfg.PythonPath
	if python == "" {
		python = "python3"
	}
	return &subprocessRunner{
		name: "python",
		ext:  ".py",
		argv: func(scriptPath string) []string {
			return []string{python, "-u", scriptPath}
		},
		instrument:     instrumentPython,
		timeoutSeconds: cfg.TimeoutSeconds,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

func NewShellRunner(cfg config.ExecutorConfig) Runner {
	shell := cfg.ShellPath
	if shell == "" {
		shell = "sh"
	}
	return &subprocessRunner{
		name: "shell",
		ext:  ".sh",
		argv: func(scriptPath string) []string {
			return []string{shell, scriptPath}
		},
		instrument:     instrumentShell,
		timeoutSeconds: cfg.TimeoutSeconds,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

func (r *subprocessRunner) Name() string { return r.name }

func (r *subprocessRunner) Run(ctx context.Context, code string, emit func(domain.Chunk) error) error {
	timeout := time.Duration(r.timeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	script, err := writeScript(code, r.instrument, r.ext)
	if err != nil {
		return err
	}
	defer os.Remove(script)

	argv := r.argv(script)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return fmt.Errorf("start %s: %w", r.name, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waitErr <- err
	}()

	emitErr := r.scanOutput(pr, emit)
	pr.Close()

	err = <-waitErr
	if emitErr != nil {
		return emitErr
	}
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%s execution timed out after %s", r.name, timeout)
	}
	if err != nil {
		// Non-zero exit is normal for failing user code; its stderr has
		// already been streamed as console output.
		return nil
	}
	return nil
}

func (r *subprocessRunner) scanOutput(pr io.Reader, emit func(domain.Chunk) error) error {
	maxBytes := r.maxOutputBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxOutputBytes
	}

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	emitted := 0
	capped := false
	for scanner.Scan() {
		line := scanner.Text()

		if n, ok := parseActiveLine(line); ok {
			if err := emit(domain.Chunk{
				Role:    domain.RoleComputer,
				Kind:    domain.ChunkConsoleActiveLine,
				Content: domain.Str(n),
			}); err != nil {
				return err
			}
			continue
		}

		if capped {
			continue // keep draining so the process is not blocked on write
		}
		emitted += len(line) + 1
		if emitted > maxBytes {
			capped = true
			line += "\n... (output capped)"
		}
		if err := emit(domain.Chunk{
			Role:    domain.RoleComputer,
			Kind:    domain.ChunkConsoleOutput,
			Content: domain.Str(line + "\n"),
		}); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func parseActiveLine(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, activeLinePrefix) || !strings.HasSuffix(trimmed, activeLineSuffix) {
		return "", false
	}
	n := strings.TrimSuffix(strings.TrimPrefix(trimmed, activeLinePrefix), activeLineSuffix)
	n = strings.TrimSpace(n)
	if n == "" {
		return "", false
	}
	for _, r := range n {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return n, true
}

func writeScript(code string, instrument func(string) string, ext string) (string, error) {
	if instrument != nil {
		code = instrument(code)
	}
	f, err := os.CreateTemp("", "openinterp-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create script: %w", err)
	}
	if _, err := f.WriteString(code); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write script: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return filepath.Clean(f.Name()), nil
}

// instrumentPython inserts active-line prints before top-level statements.
// Lines inside brackets, continuations, or triple-quoted strings are left
// alone so the instrumented script stays valid.
func instrumentPython(code string) string {
	lines := strings.Split(code, "\n")
	var out []string

	depth := 0
	inTriple := false
	continued := false

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		safe := !inTriple && depth == 0 && !continued &&
			trimmed != "" &&
			!strings.HasPrefix(trimmed, "#") &&
			!strings.HasPrefix(line, " ") &&
			!strings.HasPrefix(line, "\t") &&
			!strings.HasPrefix(trimmed, "else") &&
			!strings.HasPrefix(trimmed, "elif") &&
			!strings.HasPrefix(trimmed, "except") &&
			!strings.HasPrefix(trimmed, "finally")

		if safe {
			out = append(out, fmt.Sprintf(`print("%s%d%s")`, activeLinePrefix, i+1, activeLineSuffix))
		}
		out = append(out, line)

		inTriple = scanTriple(line, inTriple)
		if !inTriple {
			depth += bracketDelta(line)
			if depth < 0 {
				depth = 0
			}
			continued = strings.HasSuffix(strings.TrimRight(line, " \t"), "\\")
		}
	}
	return strings.Join(out, "\n")
}

func scanTriple(line string, inTriple bool) bool {
	for i := 0; i+3 <= len(line); i++ {
		if line[i:i+3] == `"""` || line[i:i+3] == "'''" {
			inTriple = !inTriple
			i += 2
		}
	}
	return inTriple
}

func bracketDelta(line string) int {
	d := 0
	inStr := byte(0)
	for i := 0; i < len(line); i++ {
		c := line[i]
		if inStr != 0 {
			if c == '\\' {
				i++
			} else if c == inStr {
				inStr = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			inStr = c
		case '#':
			return d
		case '(', '[', '{':
			d++
		case ')', ']', '}':
			d--
		}
	}
	return d
}

// instrumentShell echoes an active-line marker before each plain command
// line. Continuation lines and heredoc bodies are skipped.
func instrumentShell(code string) string {
	lines := strings.Split(code, "\n")
	var out []string

	continued := false
	heredoc := ""

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if heredoc != "" {
			out = append(out, line)
			if trimmed == heredoc {
				heredoc = ""
			}
			continue
		}

		if !continued && trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			out = append(out, fmt.Sprintf(`echo "%s%d%s"`, activeLinePrefix, i+1, activeLineSuffix))
		}
		out = append(out, line)

		continued = strings.HasSuffix(strings.TrimRight(line, " \t"), "\\")
		if idx := strings.Index(line, "<<"); idx >= 0 {
			delim := strings.TrimSpace(line[idx+2:])
			delim = strings.TrimPrefix(delim, "-")
			delim = strings.Trim(delim, `"'`)
			if f := strings.Fields(delim); len(f) > 0 {
				heredoc = f[0]
			}
		}
	}
	return strings.Join(out, "\n")
}
