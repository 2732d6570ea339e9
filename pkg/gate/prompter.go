package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

// Prompter reads passphrases from the user.
//
// ReadPassphrase returns an error wrapping custody.ErrAuthCanceled if the user
// dismissed the prompt.
type Prompter interface {
	Available() bool
	ReadPassphrase(ctx context.Context, title string) ([]byte, error)
}

// PrompterFunc is an adapter that allows using ordinary functions as Prompter.
// A PrompterFunc is always Available.
type PrompterFunc func(ctx context.Context, title string) ([]byte, error)

func (self PrompterFunc) Available() bool {
	return true
}

func (self PrompterFunc) ReadPassphrase(ctx context.Context, title string) ([]byte, error) {
	return self(ctx, title)
}

// TerminalPrompter reads passphrases from a terminal without echo.
type TerminalPrompter struct {
	In  *os.File  // os.Stdin if nil
	Out io.Writer // os.Stderr if nil

	tty ttyOps // xterm if nil
}

// ttyOps are the terminal operations used by TerminalPrompter.
type ttyOps interface {
	IsTerminal(fd int) bool
	GetState(fd int) (*term.State, error)
	Restore(fd int, state *term.State) error
	ReadPassword(fd int) ([]byte, error)
}

type xterm struct{}

func (xterm) IsTerminal(fd int) bool                  { return term.IsTerminal(fd) }
func (xterm) GetState(fd int) (*term.State, error)    { return term.GetState(fd) }
func (xterm) Restore(fd int, state *term.State) error { return term.Restore(fd, state) }
func (xterm) ReadPassword(fd int) ([]byte, error)     { return term.ReadPassword(fd) }

type readResult struct {
	data []byte
	err  error
}

// pendingRead is a terminal read left running by a canceled prompt.
// A blocked read can not be interrupted, the next prompt on the same terminal
// collects its line instead of starting a second reader.
type pendingRead struct {
	ch     chan readResult
	noEcho *term.State
}

var (
	pendingMut   sync.Mutex
	pendingReads = make(map[int]*pendingRead)
)

func (self TerminalPrompter) input() *os.File {
	if nil == self.In {
		return os.Stdin
	}
	return self.In
}

func (self TerminalPrompter) output() io.Writer {
	if nil == self.Out {
		return os.Stderr
	}
	return self.Out
}

func (self TerminalPrompter) ops() ttyOps {
	if nil == self.tty {
		return xterm{}
	}
	return self.tty
}

// Available returns true if In is a terminal.
func (self TerminalPrompter) Available() bool {
	return self.ops().IsTerminal(int(self.input().Fd()))
}

// ReadPassphrase prints title and reads a line without echo.
// An empty line or end of input dismisses the prompt. The terminal state is restored
// when ctx is canceled.
func (self TerminalPrompter) ReadPassphrase(ctx context.Context, title string) ([]byte, error) {
	tty := self.ops()
	fd := int(self.input().Fd())
	if !tty.IsTerminal(fd) {
		return nil, raiseError(ErrNotTerminal, nil, "can not prompt for passphrase")
	}
	state, err := tty.GetState(fd)
	if nil != err {
		return nil, raiseError(errFailed, err, "failed reading terminal state")
	}

	out := self.output()
	fmt.Fprintf(out, "%s: ", title)

	pendingMut.Lock()
	rd := pendingReads[fd]
	delete(pendingReads, fd)
	pendingMut.Unlock()
	if nil == rd {
		rd = &pendingRead{ch: make(chan readResult, 1)}
		go func() {
			data, err := tty.ReadPassword(fd)
			rd.ch <- readResult{data: data, err: err}
		}()
	} else if nil != rd.noEcho {
		tty.Restore(fd, rd.noEcho)
	}

	var res readResult
	select {
	case <-ctx.Done():
		rd.noEcho, _ = tty.GetState(fd)
		tty.Restore(fd, state)
		pendingMut.Lock()
		pendingReads[fd] = rd
		pendingMut.Unlock()
		fmt.Fprintln(out)
		return nil, raiseError(errCanceled, ctx.Err(), "prompt canceled")
	case res = <-rd.ch:
	}
	tty.Restore(fd, state)
	fmt.Fprintln(out)

	switch {
	case errors.Is(res.err, io.EOF):
		return nil, raiseError(errCanceled, res.err, "end of input")
	case nil != res.err:
		return nil, raiseError(errFailed, res.err, "failed reading passphrase")
	case 0 == len(res.data):
		return nil, raiseError(errCanceled, nil, "empty passphrase")
	}

	return res.data, nil
}
