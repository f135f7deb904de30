// Package peertest provides an in-process scripted peer for exercising
// sessions without spawning real subprocesses.
package peertest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-http-bridge/internal/jsonrpc"
	"github.com/ggoodman/mcp-http-bridge/peer"
	"github.com/invopop/jsonschema"
)

// ErrSpawnRefused is returned by a Spawner configured to fail.
var ErrSpawnRefused = errors.New("peertest: spawn refused")

// Handler produces the lines a Fake writes back for a message it received.
// Returning nil writes nothing.
type Handler func(f *Fake, msg *jsonrpc.AnyMessage) []any

// Fake is a peer.Process backed by in-memory pipes. Everything the bridge
// writes to its stdin is decoded and handed to the Handler (if any) and made
// available on Received.
type Fake struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	handler  Handler
	received chan *jsonrpc.AnyMessage
	writeMu  sync.Mutex

	exitOnce sync.Once
	exited   chan struct{}
	exitErr  error

	terminated atomic.Bool
	pid        int
}

var _ peer.Process = (*Fake)(nil)

// New constructs a Fake and starts its stdin reader.
func New(h Handler) *Fake {
	f := &Fake{handler: h, received: make(chan *jsonrpc.AnyMessage, 128), exited: make(chan struct{})}
	f.stdinR, f.stdinW = io.Pipe()
	f.stdoutR, f.stdoutW = io.Pipe()
	f.stderrR, f.stderrW = io.Pipe()
	go f.readStdin()
	return f
}

func (f *Fake) readStdin() {
	sc := bufio.NewScanner(f.stdinR)
	sc.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for sc.Scan() {
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			continue
		}
		select {
		case f.received <- &msg:
		default:
		}
		if f.handler == nil {
			continue
		}
		for _, out := range f.handler(f, &msg) {
			if err := f.Send(out); err != nil {
				return
			}
		}
	}
}

func (f *Fake) Stdin() io.WriteCloser { return f.stdinW }
func (f *Fake) Stdout() io.Reader     { return f.stdoutR }
func (f *Fake) Stderr() io.Reader     { return f.stderrR }
func (f *Fake) Pid() int              { return f.pid }

// Wait blocks until Exit is called.
func (f *Fake) Wait() error {
	<-f.exited
	return f.exitErr
}

// Terminate behaves like a well-behaved peer receiving SIGTERM.
func (f *Fake) Terminate() error {
	f.terminated.Store(true)
	f.Exit(nil)
	return nil
}

// Kill stops the fake immediately.
func (f *Fake) Kill() error {
	f.Exit(errors.New("signal: killed"))
	return nil
}

// Terminated reports whether Terminate was called.
func (f *Fake) Terminated() bool { return f.terminated.Load() }

// Exited is closed once the fake has exited.
func (f *Fake) Exited() <-chan struct{} { return f.exited }

// Exit simulates the peer process terminating with err.
func (f *Fake) Exit(err error) {
	f.exitOnce.Do(func() {
		f.exitErr = err
		_ = f.stdoutW.Close()
		_ = f.stderrW.Close()
		_ = f.stdinR.CloseWithError(io.ErrClosedPipe)
		close(f.exited)
	})
}

// Received yields every message the bridge wrote to the peer.
func (f *Fake) Received() <-chan *jsonrpc.AnyMessage { return f.received }

// Next returns the next received message or an error once ctx ends.
func (f *Fake) Next(ctx context.Context) (*jsonrpc.AnyMessage, error) {
	select {
	case msg := <-f.received:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes v as one framed line to the fake's stdout. Strings and byte
// slices are written verbatim, which allows malformed or split frames.
func (f *Fake) Send(v any) error {
	var b []byte
	switch t := v.(type) {
	case string:
		b = []byte(t)
	case []byte:
		b = t
	default:
		enc, err := json.Marshal(v)
		if err != nil {
			return err
		}
		b = append(enc, '\n')
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_, err := f.stdoutW.Write(b)
	return err
}

// Stderrf writes a diagnostic line to the fake's stderr.
func (f *Fake) Stderrf(format string, args ...any) error {
	_, err := fmt.Fprintf(f.stderrW, format+"\n", args...)
	return err
}

// Result builds a successful reply to id.
func Result(id *jsonrpc.RequestID, result any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		panic(err)
	}
	return resp
}

// Spawner hands out Fakes built by New with its Handler.
type Spawner struct {
	Handler Handler
	// Err, when set, makes every Spawn fail with it.
	Err error

	mu      sync.Mutex
	spawned []*Fake
}

var _ peer.Spawner = (*Spawner)(nil)

func (s *Spawner) Spawn(ctx context.Context) (peer.Process, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f := New(s.Handler)
	f.pid = 1000 + len(s.spawned)
	s.spawned = append(s.spawned, f)
	return f, nil
}

// Spawned returns every Fake created so far.
func (s *Spawner) Spawned() []*Fake {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Fake(nil), s.spawned...)
}

// Last returns the most recently created Fake, or nil.
func (s *Spawner) Last() *Fake {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.spawned) == 0 {
		return nil
	}
	return s.spawned[len(s.spawned)-1]
}

// Tool is a tool advertised by the MCP handler.
type Tool struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"inputSchema,omitempty"`
}

// ReadFileArgs is the input of the canonical read_file tool.
type ReadFileArgs struct {
	Path string `json:"path" jsonschema:"description=Path of the file to read"`
}

// ReadFileTool returns a read_file tool whose input schema is reflected from
// ReadFileArgs.
func ReadFileTool() Tool {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	return Tool{
		Name:        "read_file",
		Description: "Read the complete contents of a file.",
		InputSchema: r.Reflect(new(ReadFileArgs)),
	}
}

// MCP returns a Handler that answers like a minimal MCP server: initialize
// reports a capabilities object without a tool listing, tools/list returns
// tools and every other request is echoed back. Notifications get no reply.
func MCP(tools ...Tool) Handler {
	return func(f *Fake, msg *jsonrpc.AnyMessage) []any {
		if msg.Type() != "request" {
			return nil
		}
		switch msg.Method {
		case "initialize":
			return []any{Result(msg.ID, map[string]any{
				"protocolVersion": "2024-11-05",
				"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
				"serverInfo":      map[string]any{"name": "peertest", "version": "0.0.1"},
			})}
		case "tools/list":
			listing := tools
			if listing == nil {
				listing = []Tool{}
			}
			return []any{Result(msg.ID, map[string]any{"tools": listing})}
		default:
			return []any{Result(msg.ID, map[string]any{"method": msg.Method, "params": msg.Params})}
		}
	}
}
