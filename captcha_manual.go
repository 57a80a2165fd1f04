package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/term"
)

// lineReader hands out lines of one input stream to successive callers. A
// single goroutine owns the buffered reader, so a caller that gives up on
// cancellation never loses the line it was waiting for.
type lineReader struct {
	r     *bufio.Reader
	once  sync.Once
	lines chan string
	err   error
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReader(r), lines: make(chan string)}
}

// stdinLines is shared by every prompt that reads the terminal.
var stdinLines = newLineReader(os.Stdin)

func (l *lineReader) loop() {
	for {
		line, err := l.r.ReadString('\n')
		if line != "" {
			l.lines <- line
		}
		if err != nil {
			l.err = err
			close(l.lines)
			return
		}
	}
}

// ReadLine returns the next line, or the stream error once input is exhausted.
func (l *lineReader) ReadLine(ctx context.Context) (string, error) {
	l.once.Do(func() { go l.loop() })
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-l.lines:
		if !ok {
			return "", l.err
		}
		return line, nil
	}
}

// ManualSolver shows where the captcha image was saved and reads the answer
// from the terminal.
type ManualSolver struct {
	in      *lineReader
	out     io.Writer
	saveDir string
	// interactive is false when input is not a terminal; the prompt then
	// still works with piped input but says so.
	interactive bool
}

func NewManualSolver(saveDir string) *ManualSolver {
	return &ManualSolver{
		in:          stdinLines,
		out:         os.Stdout,
		saveDir:     saveDir,
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}
}

func (s *ManualSolver) Name() string { return "manual" }

func (s *ManualSolver) Solve(ctx context.Context, image []byte) (Recognition, error) {
	if s.saveDir != "" {
		if err := os.MkdirAll(s.saveDir, 0755); err == nil {
			path := filepath.Join(s.saveDir, "current_captcha.png")
			if err := os.WriteFile(path, image, 0644); err == nil {
				fmt.Fprintf(s.out, T("captcha_saved")+"\n", path)
			}
		}
	}
	if !s.interactive {
		fmt.Fprintln(s.out, T("captcha_not_terminal"))
	}
	fmt.Fprint(s.out, T("captcha_prompt"))

	line, err := s.in.ReadLine(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Recognition{}, ctx.Err()
		}
		return Recognition{}, fmt.Errorf("read captcha answer: %w", err)
	}
	text := strings.TrimSpace(line)
	if text == "" {
		return Recognition{}, fmt.Errorf("no captcha answer entered")
	}
	return Recognition{Text: text, Confidence: confidence(1)}, nil
}
