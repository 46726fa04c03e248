package app

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aradsms/teams_telephony/internal/shell_service/domain"
)

var renderedMarkerRe = regexp.MustCompile(`'@@' \+ '([0-9a-fA-F-]{36})'`)

func markerOf(line string) string {
	m := renderedMarkerRe.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	return m[1]
}

func okFrame(marker, payload string) string {
	return "@@" + marker + "|OK|" + payload + "|@@\n"
}

func errFrame(marker, msg string) string {
	return "@@" + marker + "|ERR|" + msg + "|@@\n"
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	certTenant = domain.Tenant{
		ID:                    "contoso",
		AuthMode:              domain.AuthCertificate,
		ApplicationID:         "app-id",
		CertificateThumbprint: "THUMBPRINT",
	}
	interactiveTenant = domain.Tenant{
		ID:        "fabrikam",
		AuthMode:  domain.AuthInteractive,
		AccountID: "admin@fabrikam.example",
	}
)

// fakeProcess is an in-memory shell: lines written to Stdin are handed to a
// handler, which answers by writing to the output stream.
type fakeProcess struct {
	inR  *io.PipeReader
	inW  *io.PipeWriter
	outR *io.PipeReader
	outW *io.PipeWriter

	done chan struct{}
	once sync.Once

	mu            sync.Mutex
	connectMarker string
	received      []string
}

func newFakeProcess() *fakeProcess {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	return &fakeProcess{inR: inR, inW: inW, outR: outR, outW: outW, done: make(chan struct{})}
}

func (p *fakeProcess) Stdin() io.Writer  { return p.inW }
func (p *fakeProcess) Output() io.Reader { return p.outR }

func (p *fakeProcess) Wait() error {
	<-p.done
	return nil
}

func (p *fakeProcess) Kill() error {
	p.exit()
	return nil
}

// exit simulates the process ending on its own.
func (p *fakeProcess) exit() {
	p.once.Do(func() {
		_ = p.inR.Close()
		_ = p.outW.Close()
		close(p.done)
	})
}

func (p *fakeProcess) Emit(s string) {
	_, _ = io.WriteString(p.outW, s)
}

func (p *fakeProcess) serve(handler func(p *fakeProcess, line string)) {
	sc := bufio.NewScanner(p.inR)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		p.mu.Lock()
		p.received = append(p.received, line)
		p.mu.Unlock()
		if handler != nil {
			handler(p, line)
		}
	}
}

func (p *fakeProcess) Received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.received...)
}

type fakeSpawner struct {
	handler func(p *fakeProcess, line string)
	gate    chan struct{}
	err     error

	calls atomic.Int32
	mu    sync.Mutex
	procs []*fakeProcess
	envs  []map[string]string
}

func (s *fakeSpawner) Spawn(ctx context.Context, env map[string]string) (Process, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}
	p := newFakeProcess()
	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.envs = append(s.envs, env)
	s.mu.Unlock()
	go p.serve(s.handler)
	return p, nil
}

func (s *fakeSpawner) Calls() int { return int(s.calls.Load()) }

func (s *fakeSpawner) Last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

// certShell accepts the certificate connect and passes other commands to respond.
func certShell(respond func(p *fakeProcess, marker, line string)) func(*fakeProcess, string) {
	return func(p *fakeProcess, line string) {
		m := markerOf(line)
		if strings.Contains(line, "Connect-MicrosoftTeams") {
			p.Emit(okFrame(m, `["connected"]`))
			return
		}
		if respond != nil {
			respond(p, m, line)
		}
	}
}

// mfaShell prompts for a code on connect and accepts only goodCode.
func mfaShell(goodCode string, respond func(p *fakeProcess, marker, line string)) func(*fakeProcess, string) {
	return func(p *fakeProcess, line string) {
		m := markerOf(line)
		switch {
		case strings.Contains(line, "Connect-MicrosoftTeams"):
			p.mu.Lock()
			p.connectMarker = m
			p.mu.Unlock()
			p.Emit("WARNING: Sign-in requires additional verification.\nEnter the verification code from your authenticator app: ")
		case m == "":
			p.mu.Lock()
			cm := p.connectMarker
			p.mu.Unlock()
			if strings.TrimSpace(line) == goodCode {
				p.Emit("\n" + okFrame(cm, `["connected"]`))
			} else {
				p.Emit("\nThe code is invalid. Enter the verification code: ")
			}
		default:
			if respond != nil {
				respond(p, m, line)
			}
		}
	}
}

func newTestRegistry(sp Spawner, cfg RegistryConfig) *Registry {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 2e9
	}
	return NewRegistry(sp, nil, discardLogger(), cfg)
}
