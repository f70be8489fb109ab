package engine

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/texq/texq/internal/domain/model"
)

// magicCommentLimit bounds how many leading lines are inspected for a magic
// engine comment; editors conventionally place it within the first few lines.
const magicCommentLimit = 20

// ResolveEngine picks the compiler for a job. An explicit request wins; auto
// inspects the main file for a "% !TeX program = <engine>" comment and falls
// back to the configured default. Resolution happens before invocation so the
// resolved engine is recorded even when the run later times out.
func ResolveEngine(requested model.Engine, sourceDir, mainFile string, fallback model.Engine) model.Engine {
	if requested.Concrete() {
		return requested
	}

	if e, ok := magicEngine(filepath.Join(sourceDir, mainFile)); ok {
		return e
	}
	return fallback
}

// magicEngine scans a source file's head for the TeX magic program comment.
func magicEngine(path string) (model.Engine, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for i := 0; i < magicCommentLimit && scanner.Scan(); i++ {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "%") {
			continue
		}
		directive := strings.TrimSpace(strings.TrimLeft(line, "% "))
		if !strings.HasPrefix(directive, "!TeX") && !strings.HasPrefix(directive, "!TEX") {
			continue
		}
		rest := strings.TrimSpace(directive[len("!TeX"):])
		if !strings.HasPrefix(rest, "program") {
			continue
		}
		_, value, found := strings.Cut(rest, "=")
		if !found {
			continue
		}
		e := model.Engine(strings.ToLower(strings.TrimSpace(value)))
		if e.Concrete() {
			return e, true
		}
	}
	return "", false
}

// compilerArgs returns the compiler invocation for an engine. Every variant
// runs in nonstop mode so a prompt never hangs the container until the
// wall-clock kill.
func compilerArgs(e model.Engine, mainFile string) []string {
	switch e {
	case model.EngineXeLaTeX:
		return []string{"xelatex", "-interaction=nonstopmode", "-halt-on-error", mainFile}
	case model.EngineLuaLaTeX:
		return []string{"lualatex", "-interaction=nonstopmode", "-halt-on-error", mainFile}
	case model.EngineLaTeX:
		// Plain latex produces DVI; latexmk drives the conversion to PDF.
		return []string{"latexmk", "-pdfdvi", "-interaction=nonstopmode", "-halt-on-error", mainFile}
	default:
		return []string{"pdflatex", "-interaction=nonstopmode", "-halt-on-error", mainFile}
	}
}
