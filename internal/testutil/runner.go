package testutil

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/jbweber/homelab/vmx/internal/invoke"
)

// FakeResponse scripts the outcome of a command run through FakeRunner.
type FakeResponse struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Err is returned as-is instead of a Result, for spawn failures
	Err error
	// Do runs before the response is returned, e.g. to create files a real tool would write
	Do func(cmd invoke.Command) error
}

type fakeHandler struct {
	prefix    string
	responses []FakeResponse
}

// FakeRunner implements invoke.Runner with scripted responses keyed by argv prefix.
// Commands without a matching handler succeed with empty output.
type FakeRunner struct {
	mu       sync.Mutex
	handlers []*fakeHandler
	calls    []invoke.Command
	inputs   []string
	started  []*FakeProcess

	// StartErr is returned by Start when set
	StartErr error
	// AutoExit makes started processes exit immediately with code ExitCode
	AutoExit bool
	ExitCode int

	nextPid int
}

// NewFakeRunner returns a FakeRunner that hands out pids starting at 4000.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{nextPid: 4000}
}

// On registers responses for commands whose argv, without the elevation prefix,
// starts with prefix. Responses are used in order and the last one repeats.
func (f *FakeRunner) On(prefix string, responses ...FakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(responses) == 0 {
		responses = []FakeResponse{{}}
	}
	f.handlers = append(f.handlers, &fakeHandler{prefix: prefix, responses: responses})
}

// Run records cmd and returns the scripted response.
func (f *FakeRunner) Run(_ context.Context, cmd invoke.Command) (invoke.Result, error) {
	var input string
	if cmd.Stdin != nil {
		data, _ := io.ReadAll(cmd.Stdin)
		input = string(data)
	}

	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.inputs = append(f.inputs, input)
	resp := f.match(cmd)
	f.mu.Unlock()
	if resp.Do != nil {
		if err := resp.Do(cmd); err != nil {
			return invoke.Result{ExitCode: 1}, err
		}
	}
	if resp.Err != nil {
		return invoke.Result{ExitCode: 127}, resp.Err
	}

	res := invoke.Result{Stdout: []byte(resp.Stdout), Stderr: []byte(resp.Stderr), ExitCode: resp.ExitCode}
	if cmd.Stdout != nil {
		_, _ = cmd.Stdout.Write(res.Stdout)
	}
	if resp.ExitCode != 0 {
		return res, &invoke.ExitError{Command: cmd.String(), ExitCode: resp.ExitCode, Stderr: resp.Stderr}
	}
	return res, nil
}

// match must be called with f.mu held
func (f *FakeRunner) match(cmd invoke.Command) FakeResponse {
	line := commandLine(cmd)
	for i := len(f.handlers) - 1; i >= 0; i-- {
		h := f.handlers[i]
		if !strings.HasPrefix(line, h.prefix) {
			continue
		}
		resp := h.responses[0]
		if len(h.responses) > 1 {
			h.responses = h.responses[1:]
		}
		return resp
	}
	return FakeResponse{}
}

// Start records cmd and returns a FakeProcess.
func (f *FakeRunner) Start(_ context.Context, cmd invoke.Command) (invoke.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	f.inputs = append(f.inputs, "")
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	f.nextPid++
	p := &FakeProcess{pid: f.nextPid, done: make(chan struct{}), Command: cmd}
	if f.AutoExit {
		p.Exit(f.ExitCode)
	}
	f.started = append(f.started, p)
	return p, nil
}

// Calls returns every command seen by Run and Start, in order.
func (f *FakeRunner) Calls() []invoke.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]invoke.Command(nil), f.calls...)
}

// CallsMatching returns the commands whose argv starts with prefix.
func (f *FakeRunner) CallsMatching(prefix string) []invoke.Command {
	var out []invoke.Command
	for _, c := range f.Calls() {
		if strings.HasPrefix(commandLine(c), prefix) {
			out = append(out, c)
		}
	}
	return out
}

// InputOf returns the stdin passed to the last command whose argv starts with prefix.
func (f *FakeRunner) InputOf(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if strings.HasPrefix(commandLine(f.calls[i]), prefix) {
			return f.inputs[i]
		}
	}
	return ""
}

// Started returns the processes handed out by Start.
func (f *FakeRunner) Started() []*FakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeProcess(nil), f.started...)
}

func commandLine(cmd invoke.Command) string {
	return strings.Join(append([]string{cmd.Name}, cmd.Args...), " ")
}

// FakeProcess is the invoke.Process returned by FakeRunner.Start.
type FakeProcess struct {
	Command invoke.Command

	pid  int
	mu   sync.Mutex
	in   bytes.Buffer
	code int
	once sync.Once
	done chan struct{}
}

func (p *FakeProcess) Pid() int { return p.pid }

func (p *FakeProcess) Stdin() io.WriteCloser {
	if !p.Command.OpenStdin {
		return nil
	}
	return fakeStdin{p}
}

// Input returns everything written to the process stdin.
func (p *FakeProcess) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.in.String()
}

// Exit makes Wait return code. Later calls are ignored.
func (p *FakeProcess) Exit(code int) {
	p.once.Do(func() {
		p.code = code
		close(p.done)
	})
}

func (p *FakeProcess) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

type fakeStdin struct{ p *FakeProcess }

func (s fakeStdin) Write(b []byte) (int, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.p.in.Write(b)
}

func (s fakeStdin) Close() error { return nil }

// SentSignal records one FakeSignaler.Signal call.
type SentSignal struct {
	PID      int
	Signal   string
	Elevated bool
}

// FakeSignaler implements invoke.Signaler against an in-memory process table.
type FakeSignaler struct {
	mu    sync.Mutex
	alive map[int]bool
	sent  []SentSignal

	// Errs makes Signal fail for the named signal
	Errs map[string]error
	// Ignore names signals that are delivered but do not terminate the process
	Ignore map[string]bool
}

// NewFakeSignaler returns a FakeSignaler with the given pids alive.
func NewFakeSignaler(pids ...int) *FakeSignaler {
	s := &FakeSignaler{alive: map[int]bool{}, Errs: map[string]error{}, Ignore: map[string]bool{}}
	for _, pid := range pids {
		s.alive[pid] = true
	}
	return s
}

func (s *FakeSignaler) Signal(_ context.Context, pid int, sig string, elevated bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, SentSignal{PID: pid, Signal: sig, Elevated: elevated})
	if err := s.Errs[sig]; err != nil {
		return err
	}
	if !s.Ignore[sig] {
		delete(s.alive, pid)
	}
	return nil
}

func (s *FakeSignaler) Alive(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive[pid]
}

// SetAlive marks pid as running.
func (s *FakeSignaler) SetAlive(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive[pid] = true
}

// Sent returns the signals delivered so far.
func (s *FakeSignaler) Sent() []SentSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentSignal(nil), s.sent...)
}
