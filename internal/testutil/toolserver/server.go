// Package toolserver is a scripted stand-in for a stdio JSON-RPC tool server.
//
// The same Server runs in-memory behind Spawner (fast, deterministic tests of
// the bridge and the HTTP front end) and as a real child process through
// Main (tests of the subprocess layer). Behaviour is keyed by tool name:
//
//	echo     result is the arguments object
//	sleep    {"ms":N} answers after N milliseconds
//	silent   never answers
//	fail     answers with a JSON-RPC error
//	notify   emits notifications/message with the arguments, then answers {}
//	log      {"text":"..."} writes text to stderr, then answers {}
//	garbage  writes a non-JSON line, then answers {"ok":true}
//	exit     {"code":N} terminates the server with code N
package toolserver

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/bebsworthy/toolbridge/internal/protocol"
)

// HelperEnv marks a test binary re-executed as a tool server.
const HelperEnv = "TOOLBRIDGE_FAKE_TOOL_SERVER"

// ExitEnv makes the helper process exit immediately with the given code.
const ExitEnv = "TOOLBRIDGE_FAKE_TOOL_SERVER_EXIT"

// FailCode is the JSON-RPC error code returned by the "fail" tool.
const FailCode = -32000

// Tools advertised by tools/list.
var Tools = []protocol.ToolDescriptor{
	{Name: "echo", Description: "Returns its arguments", InputSchema: json.RawMessage(`{"type":"object"}`)},
	{Name: "sleep", Description: "Answers after ms milliseconds", InputSchema: json.RawMessage(`{"type":"object","properties":{"ms":{"type":"number"}}}`)},
	{Name: "fail", Description: "Always fails"},
}

// Server answers one JSON-RPC line at a time.
type Server struct {
	out    func([]byte)
	errOut func([]byte)
	exit   func(code int)

	mu       sync.Mutex
	received []*protocol.Envelope
}

// New creates a server writing response lines through out and terminating
// through exit.
func New(out func([]byte), exit func(code int)) *Server {
	return &Server{out: out, exit: exit}
}

// SetStderr routes diagnostic lines written by the "log" tool.
func (s *Server) SetStderr(errOut func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errOut = errOut
}

// Received returns every well-formed envelope seen so far, in arrival order.
func (s *Server) Received() []*protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Envelope(nil), s.received...)
}

func (s *Server) write(env *protocol.Envelope) {
	line, err := protocol.MarshalLine(env)
	if err != nil {
		return
	}
	s.out(line)
}

// Handle processes one inbound line.
func (s *Server) Handle(line []byte) {
	env, err := protocol.Parse(line)
	if err != nil {
		s.write(protocol.NewErrorResponse(nil, mcp.PARSE_ERROR, err.Error()))
		return
	}

	s.mu.Lock()
	s.received = append(s.received, env)
	s.mu.Unlock()

	if env.Kind() != protocol.KindRequest {
		return
	}

	switch env.Method {
	case protocol.MethodToolsList:
		result, _ := json.Marshal(map[string]interface{}{"tools": Tools})
		s.write(protocol.NewResult(env.ID, result))
	case protocol.MethodToolsCall:
		s.call(env)
	case string(mcp.MethodPing):
		s.write(protocol.NewResult(env.ID, json.RawMessage(`{}`)))
	default:
		s.write(protocol.NewErrorResponse(env.ID, mcp.METHOD_NOT_FOUND, "method not found: "+env.Method))
	}
}

func (s *Server) call(env *protocol.Envelope) {
	var params protocol.ToolCallParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		s.write(protocol.NewErrorResponse(env.ID, mcp.INVALID_PARAMS, err.Error()))
		return
	}
	args := params.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	switch params.Name {
	case "echo":
		s.write(protocol.NewResult(env.ID, args))
	case "sleep":
		var in struct {
			MS int `json:"ms"`
		}
		_ = json.Unmarshal(args, &in)
		go func() {
			time.Sleep(time.Duration(in.MS) * time.Millisecond)
			s.write(protocol.NewResult(env.ID, json.RawMessage(`{"slept":`+strconv.Itoa(in.MS)+`}`)))
		}()
	case "silent":
	case "fail":
		s.write(protocol.NewErrorResponse(env.ID, FailCode, "tool failed"))
	case "notify":
		s.write(protocol.NewNotification("notifications/message", args))
		s.write(protocol.NewResult(env.ID, json.RawMessage(`{}`)))
	case "log":
		var in struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(args, &in)
		s.mu.Lock()
		errOut := s.errOut
		s.mu.Unlock()
		if errOut != nil {
			errOut([]byte(in.Text + "\n"))
		}
		s.write(protocol.NewResult(env.ID, json.RawMessage(`{}`)))
	case "garbage":
		s.out([]byte("this is not json\n"))
		s.write(protocol.NewResult(env.ID, json.RawMessage(`{"ok":true}`)))
	case "exit":
		var in struct {
			Code int `json:"code"`
		}
		_ = json.Unmarshal(args, &in)
		s.exit(in.Code)
	default:
		s.write(protocol.NewErrorResponse(env.ID, mcp.INVALID_PARAMS, "unknown tool: "+params.Name))
	}
}

// Serve reads lines from r until EOF.
func (s *Server) Serve(r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			s.Handle(line)
		}
		if err != nil {
			return
		}
	}
}

// Main runs the server on the process's stdio. Test binaries call it from
// TestMain when HelperEnv is set.
func Main() int {
	if code := os.Getenv(ExitEnv); code != "" {
		n, _ := strconv.Atoi(code)
		return n
	}

	var outMu sync.Mutex
	out := func(line []byte) {
		outMu.Lock()
		defer outMu.Unlock()
		_, _ = os.Stdout.Write(line)
	}
	server := New(out, os.Exit)
	server.SetStderr(func(line []byte) {
		_, _ = os.Stderr.Write(line)
	})
	server.Serve(os.Stdin)
	return 0
}
