// Package subprocess runs external aligner binaries and streams their output
// to line handlers.
package subprocess

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"v.io/x/lib/envvar"
	"v.io/x/lib/lookpath"
)

// LineHandler is called with every line a process writes to a stream, without
// the trailing newline. The slice is only valid for the duration of the call.
type LineHandler func(line []byte) error

// Command describes a process to run.
type Command struct {
	// Args is the command line. Args[0] is resolved against the PATH of the
	// process environment.
	Args []string
	// Env is appended to the environment of the current process.
	Env []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Stdout and Stderr, when set, receive the lines of the respective stream.
	Stdout, Stderr LineHandler
}

func (c Command) String() string { return strings.Join(c.Args, " ") }

// Runner runs external commands.
type Runner interface {
	// Run starts c and waits for it to exit. It returns a *FailureError when
	// the process exits with a non-zero status, and the context error when
	// ctx is cancelled before the process exits.
	Run(ctx context.Context, c Command) error
}

// FailureError is returned when a process exits with a non-zero status.
type FailureError struct {
	Args     []string
	ExitCode int
	// Stderr holds the last lines written to stderr.
	Stderr []string
	Err    error
}

func (e *FailureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: exit status %d", strings.Join(e.Args, " "), e.ExitCode)
	if len(e.Stderr) > 0 {
		fmt.Fprintf(&b, "; stderr:\n%s", strings.Join(e.Stderr, "\n"))
	}
	return b.String()
}

// Unwrap returns the underlying exec error.
func (e *FailureError) Unwrap() error { return e.Err }

// DefaultStderrTail is the number of stderr lines kept in a FailureError.
const DefaultStderrTail = 20

const maxLineLen = 16 << 20

// ExecRunner runs commands as local processes.
type ExecRunner struct {
	// StderrTail is the number of trailing stderr lines kept for error
	// reports.
	StderrTail int
}

// NewRunner creates an ExecRunner with default settings.
func NewRunner() *ExecRunner {
	return &ExecRunner{StderrTail: DefaultStderrTail}
}

// Run implements Runner. Stdout and stderr are read on separate goroutines.
// Every stderr line is logged at debug level whether or not c.Stderr is set.
// If a handler fails, the rest of its stream is drained and discarded, and
// the first handler error is returned once the process exits.
func (r *ExecRunner) Run(ctx context.Context, c Command) error {
	if len(c.Args) == 0 {
		return errors.E(errors.Invalid, "subprocess: empty command")
	}
	env := append(os.Environ(), c.Env...)
	bin := c.Args[0]
	if filepath.Base(bin) == bin {
		var err error
		if bin, err = lookpath.Look(envvar.SliceToMap(env), bin); err != nil {
			return errors.E(errors.NotExist, err, "subprocess: resolve", c.Args[0])
		}
	}
	cmd := exec.CommandContext(ctx, bin, c.Args[1:]...)
	cmd.Env = env
	cmd.Dir = c.Dir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	log.Debug.Printf("subprocess: running %s", c)
	if err = cmd.Start(); err != nil {
		return errors.E(err, "subprocess: start", c.String())
	}

	var (
		e    errors.Once
		wg   sync.WaitGroup
		tail = newTail(r.StderrTail)
		name = filepath.Base(c.Args[0])
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.Set(scanLines(stdout, c.Stdout))
	}()
	go func() {
		defer wg.Done()
		e.Set(scanLines(stderr, func(line []byte) error {
			log.Debug.Printf("%s: %s", name, line)
			tail.add(string(line))
			if c.Stderr != nil {
				return c.Stderr(line)
			}
			return nil
		}))
	}()
	wg.Wait()
	waitErr := cmd.Wait()
	if err = ctx.Err(); err != nil {
		return err
	}
	if waitErr != nil {
		fe := &FailureError{Args: c.Args, ExitCode: -1, Stderr: tail.lines(), Err: waitErr}
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			fe.ExitCode = exitErr.ExitCode()
		}
		log.Error.Printf("subprocess: %s failed with exit status %d", c, fe.ExitCode)
		return fe
	}
	return e.Err()
}

// scanLines calls fn for every line of r. After fn fails, the remaining
// input is read and dropped so the writer never blocks.
func scanLines(r io.Reader, fn LineHandler) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLineLen)
	var err error
	for sc.Scan() {
		if err != nil || fn == nil {
			continue
		}
		err = fn(bytes.TrimRight(sc.Bytes(), "\r"))
	}
	if err != nil {
		return err
	}
	if scanErr := sc.Err(); scanErr != nil {
		// Drain so the process can still exit.
		_, _ = io.Copy(io.Discard, r)
		return scanErr
	}
	return nil
}

// tail keeps the last n lines added to it.
type tail struct {
	mu   sync.Mutex
	buf  []string
	next int
	full bool
}

func newTail(n int) *tail {
	if n < 1 {
		n = 1
	}
	return &tail{buf: make([]string, n)}
}

func (t *tail) add(line string) {
	t.mu.Lock()
	t.buf[t.next] = line
	t.next++
	if t.next == len(t.buf) {
		t.next, t.full = 0, true
	}
	t.mu.Unlock()
}

func (t *tail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]string(nil), t.buf[:t.next]...)
	}
	return append(append([]string(nil), t.buf[t.next:]...), t.buf[:t.next]...)
}
