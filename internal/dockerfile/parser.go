package dockerfile

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"iter"
	"strings"
	"unicode"
)

// ReadLines reads the whole script and splits it into lines.
func ReadLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.TrimSuffix(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read build script: %w", err)
	}
	return lines, nil
}

// Instructions classifies lines and yields one Instruction per skip marker,
// comment, blank line and logical line, in source order. Continued lines are
// joined with exactly one space. It never fails: anything it does not
// understand becomes Unknown.
//
// A continuation still pending at the end of input is classified as if the
// last line had no trailing backslash.
func Instructions(lines []string) iter.Seq[Instruction] {
	return func(yield func(Instruction) bool) {
		var (
			pending bool
			line    string
		)
		for _, raw := range lines {
			if isSkip(raw) {
				if !yield(Skip{}) {
					return
				}
				continue
			}
			if isComment(raw) {
				if !yield(Nop{}) {
					return
				}
				continue
			}

			text, more := continuation(raw)
			if pending {
				line = line + " " + strings.TrimLeftFunc(text, unicode.IsSpace)
			} else {
				line = text
			}
			pending = more
			if pending {
				continue
			}

			for _, ins := range classify(line) {
				if !yield(ins) {
					return
				}
			}
		}
		if pending {
			for _, ins := range classify(line) {
				if !yield(ins) {
					return
				}
			}
		}
	}
}

// classify turns one logical line into instructions. ENV lines with several
// assignments produce one Env per assignment.
func classify(line string) []Instruction {
	if pairs := assignments(line); len(pairs) > 0 {
		out := make([]Instruction, 0, len(pairs))
		for _, p := range pairs {
			out = append(out, Env{Key: p[0], Value: p[1]})
		}
		return out
	}
	if m := runRe.FindStringSubmatch(line); m != nil {
		return []Instruction{Run{Command: m[1]}}
	}
	if m := copyRe.FindStringSubmatch(line); m != nil {
		return []Instruction{Copy{Src: m[1], Dst: m[2]}}
	}
	if m := addRe.FindStringSubmatch(line); m != nil {
		return []Instruction{Add{Src: m[1], Dst: m[2]}}
	}
	if m := workdirRe.FindStringSubmatch(line); m != nil {
		return []Instruction{Workdir{Path: m[1]}}
	}
	return []Instruction{Unknown{Line: line}}
}

// Walk feeds every instruction of lines to h and stops at the first error.
func Walk(ctx context.Context, lines []string, h Handler) error {
	for ins := range Instructions(lines) {
		if err := ins.Apply(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

// Parse reads a build script from r and walks it with h.
func Parse(ctx context.Context, r io.Reader, h Handler) error {
	lines, err := ReadLines(r)
	if err != nil {
		return err
	}
	return Walk(ctx, lines, h)
}
