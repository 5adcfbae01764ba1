package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"example.com/meet_client/client"
	"example.com/meet_client/pkg/render"
)

var errQuit = errors.New("quit")

// repl drives a client from text commands. connect, close and switch mirror
// the buttons of the browser page, including when each one is enabled.
type repl struct {
	cl *client.Client
	// started is set by connect and cleared by close, like the close button.
	started bool

	mu  sync.Mutex
	out io.Writer
}

func newREPL(cl *client.Client, out io.Writer) *repl {
	r := &repl{cl: cl, out: out}
	cl.OnStatusChange(func(s client.Status) {
		r.printf("status: %s\n", s)
	})
	cl.OnError(func(err error) {
		r.printf("error: %v\n", err)
	})
	cl.OnRemoteTrack(func(v *render.View, removed bool) {
		if removed {
			r.printf("remote video removed: %s\n", v.TrackID())
			return
		}
		r.printf("remote video added: %s (%s)\n", v.TrackID(), v.MimeType())
	})
	return r
}

func (r *repl) printf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// Run executes commands from in until quit, EOF or ctx is done.
func (r *repl) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		s := bufio.NewScanner(in)
		for s.Scan() {
			select {
			case lines <- s.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := r.exec(ctx, strings.TrimSpace(line))
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				r.printf("error: %v\n", err)
			}
		}
	}
}

func (r *repl) exec(ctx context.Context, cmd string) error {
	switch cmd {
	case "":
		return nil
	case "connect":
		if r.cl.Connected() {
			return client.ErrAlreadyConnected
		}
		if err := r.cl.Connect(ctx); err != nil {
			return err
		}
		r.started = true
		r.printf("connected\n")
	case "close":
		if !r.started && !r.cl.Connected() {
			return client.ErrNotConnected
		}
		r.started = false
		// Close reports its own failures through OnError.
		_ = r.cl.Close()
		r.printf("closed\n")
	case "switch":
		// SwitchVideoSource reports its own failures through OnError.
		if err := r.cl.SwitchVideoSource(); err == nil {
			r.printf("source: %s\n", r.cl.Mode())
		}
	case "status":
		r.printf("status: %s connected=%t mode=%s remotes=%d\n",
			r.cl.Status(), r.cl.Connected(), r.cl.Mode(), len(r.cl.Remotes()))
	case "sdp":
		r.printf("%s\n", r.cl.LocalDescription())
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q (connect, close, switch, status, sdp, quit)", cmd)
	}
	return nil
}
