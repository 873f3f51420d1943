package executor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"testing"

	"openinterp/internal/config"
	"openinterp/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(config.ExecutorConfig{TimeoutSeconds: 30, MaxOutputBytes: 65536}, testLogger())
}

func run(t *testing.T, r *Registry, language, code string) []domain.Chunk {
	t.Helper()
	var chunks []domain.Chunk
	err := r.Run(context.Background(), language, code, func(c domain.Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("Run(%s): %v", language, err)
	}
	return chunks
}

func outputOf(chunks []domain.Chunk) string {
	var sb strings.Builder
	for _, c := range chunks {
		if c.Kind == domain.ChunkConsoleOutput && c.Content != nil {
			sb.WriteString(*c.Content)
		}
	}
	return sb.String()
}

func TestRegistry_UnknownLanguage(t *testing.T) {
	r := testRegistry(t)
	err := r.Run(context.Background(), "cobol", "DISPLAY 'HI'", func(domain.Chunk) error { return nil })
	if err == nil {
		t.Fatal("expected error for unsupported language")
	}
}

func TestRegistry_Languages(t *testing.T) {
	r := testRegistry(t)
	langs := strings.Join(r.Languages(), ",")
	if !strings.Contains(langs, "python") || !strings.Contains(langs, "shell") {
		t.Fatalf("languages = %q", langs)
	}
	// Browser is off by default.
	if strings.Contains(langs, "browser") {
		t.Fatalf("browser should not be registered when disabled: %q", langs)
	}
}

func TestRegistry_EndMarkerAlwaysLast(t *testing.T) {
	r := testRegistry(t)
	chunks := run(t, r, "shell", "echo hi")
	if len(chunks) == 0 {
		t.Fatal("no chunks emitted")
	}
	last := chunks[len(chunks)-1]
	if last.Kind != domain.ChunkConsoleActiveLine || last.Content != nil {
		t.Fatalf("last chunk is not the end marker: %+v", last)
	}
	// Exactly one end marker.
	markers := 0
	for _, c := range chunks {
		if c.Kind == domain.ChunkConsoleActiveLine && c.Content == nil {
			markers++
		}
	}
	if markers != 1 {
		t.Fatalf("expected 1 end marker, got %d", markers)
	}
}

func TestShell_OutputAndActiveLines(t *testing.T) {
	r := testRegistry(t)
	chunks := run(t, r, "shell", "echo one\necho two")

	if got := outputOf(chunks); got != "one\ntwo\n" {
		t.Fatalf("output = %q", got)
	}

	var lines []string
	for _, c := range chunks {
		if c.Kind == domain.ChunkConsoleActiveLine && c.Content != nil {
			lines = append(lines, *c.Content)
		}
	}
	if strings.Join(lines, ",") != "1,2" {
		t.Fatalf("active lines = %v", lines)
	}
}

func TestShell_AliasesResolve(t *testing.T) {
	r := testRegistry(t)
	chunks := run(t, r, "bash", "echo aliased")
	if !strings.Contains(outputOf(chunks), "aliased") {
		t.Fatalf("output = %q", outputOf(chunks))
	}
}

func TestShell_FailingCommandStreamsStderr(t *testing.T) {
	r := testRegistry(t)
	chunks := run(t, r, "shell", "ls /definitely/not/here")
	if outputOf(chunks) == "" {
		t.Fatal("expected stderr to be streamed as console output")
	}
	last := chunks[len(chunks)-1]
	if last.Kind != domain.ChunkConsoleActiveLine || last.Content != nil {
		t.Fatal("end marker missing after failed command")
	}
}

func TestPython_ActiveLineInstrumentation(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
	r := testRegistry(t)
	chunks := run(t, r, "python", "x = 1\nprint(x + 1)")

	if got := outputOf(chunks); got != "2\n" {
		t.Fatalf("output = %q", got)
	}
	var lines []string
	for _, c := range chunks {
		if c.Kind == domain.ChunkConsoleActiveLine && c.Content != nil {
			lines = append(lines, *c.Content)
		}
	}
	if strings.Join(lines, ",") != "1,2" {
		t.Fatalf("active lines = %v", lines)
	}
}

func TestInstrumentPython_SkipsUnsafeLines(t *testing.T) {
	code := "values = [\n    1,\n    2,\n]\nif True:\n    print(values)\nelse:\n    pass"
	got := instrumentPython(code)

	// Bracket continuation lines and indented bodies must not be split.
	if strings.Contains(got, "    1,\nprint") || strings.Contains(got, "print(\"##active_line 2##\")") {
		t.Fatalf("instrumented inside brackets:\n%s", got)
	}
	if strings.Contains(got, "##active_line 7##") {
		t.Fatalf("instrumented before else:\n%s", got)
	}
	if !strings.Contains(got, "##active_line 1##") || !strings.Contains(got, "##active_line 5##") {
		t.Fatalf("missing markers for top-level statements:\n%s", got)
	}
}

func TestInstrumentShell_SkipsHeredocAndContinuations(t *testing.T) {
	code := "cat <<EOF\nnot a command\nEOF\necho a \\\n  b"
	got := instrumentShell(code)

	if strings.Contains(got, "echo \"##active_line 2##\"") {
		t.Fatalf("instrumented heredoc body:\n%s", got)
	}
	if strings.Contains(got, "echo \"##active_line 5##\"") {
		t.Fatalf("instrumented continuation line:\n%s", got)
	}
	if !strings.Contains(got, "echo \"##active_line 1##\"") || !strings.Contains(got, "echo \"##active_line 4##\"") {
		t.Fatalf("missing markers:\n%s", got)
	}
}

func TestParseActiveLine(t *testing.T) {
	if n, ok := parseActiveLine("##active_line 12##"); !ok || n != "12" {
		t.Fatalf("parse = %q, %v", n, ok)
	}
	for _, bad := range []string{"##active_line ##", "##active_line x##", "plain output", "##active_line 3"} {
		if _, ok := parseActiveLine(bad); ok {
			t.Fatalf("parsed %q as marker", bad)
		}
	}
}

func TestParseBrowserScript(t *testing.T) {
	cmds, err := parseBrowserScript("open https://example.com\ntitle\ntext h1\n# comment\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cmds) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(cmds))
	}
	if cmds[0].verb != "open" || cmds[0].arg != "https://example.com" {
		t.Fatalf("open = %+v", cmds[0])
	}
	if cmds[2].verb != "text" || cmds[2].arg != "h1" {
		t.Fatalf("text = %+v", cmds[2])
	}

	if _, err := parseBrowserScript("open"); err == nil {
		t.Fatal("open without URL should fail")
	}
	if _, err := parseBrowserScript("fetch x"); err == nil {
		t.Fatal("unknown command should fail")
	}
	if _, err := parseBrowserScript("\n# only comments\n"); err == nil {
		t.Fatal("empty script should fail")
	}
}

func TestRegistry_EmitErrorPropagates(t *testing.T) {
	r := testRegistry(t)
	sentinel := errors.New("sink closed")
	err := r.Run(context.Background(), "shell", "echo hi", func(domain.Chunk) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sink error, got %v", err)
	}
}
