package bolt

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/nornicbolt/pkg/audit"
	"github.com/orneryd/nornicbolt/pkg/auth"
	"github.com/orneryd/nornicbolt/pkg/logging"
	"github.com/orneryd/nornicbolt/pkg/metrics"
)

// SPI is what a Machine needs from the server it runs in.
type SPI interface {
	Authenticate(token map[string]any) (*auth.AuthenticationResult, error)
	NewStatementProcessor(login *auth.LoginContext) StatementProcessor
	RegisterClient(userAgent string)
	ReportError(err *Neo4jError)
	OnTerminate(m *Machine)
	Version() string
}

// DefaultVersion is reported in the INIT SUCCESS.
const DefaultVersion = "NornicBolt/1.0.0"

// SPIConfig configures a DefaultSPI.
type SPIConfig struct {
	Authenticator   Authenticator
	Transactions    TransactionSPI
	BookmarkTimeout time.Duration
	Version         string
	Metrics         *metrics.Metrics
	Logger          *zap.Logger
	// Audit records administrative terminations
	Audit *audit.Logger
	// Users enables the dbms.security procedures when set
	Users UserAdmin
}

// DefaultSPI wires machines to an Authenticator and a kernel. It also
// keeps count of the user agents that have connected.
type DefaultSPI struct {
	cfg SPIConfig
	ctx context.Context
	log *zap.Logger

	mu       sync.Mutex
	clients  map[string]int
	machines map[string]*Machine
}

// NewSPI returns a DefaultSPI. ctx bounds bookmark waits of every
// connection.
func NewSPI(ctx context.Context, cfg SPIConfig) *DefaultSPI {
	if cfg.Authenticator == nil {
		cfg.Authenticator = NewAuthenticatorAdapter(nil, cfg.Logger)
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	return &DefaultSPI{
		cfg:      cfg,
		ctx:      ctx,
		log:      logging.OrNop(cfg.Logger).Named("bolt"),
		clients:  make(map[string]int),
		machines: make(map[string]*Machine),
	}
}

func (s *DefaultSPI) Authenticate(token map[string]any) (*auth.AuthenticationResult, error) {
	return s.cfg.Authenticator.Authenticate(token)
}

func (s *DefaultSPI) NewStatementProcessor(login *auth.LoginContext) StatementProcessor {
	p := NewTransactionStateMachine(s.ctx, s.cfg.Transactions, login, s.cfg.BookmarkTimeout, s.log)
	if s.cfg.Users != nil {
		p.WithProcedures(NewProcedures(s.cfg.Users, s.TerminateAll))
	}
	return p
}

func (s *DefaultSPI) RegisterClient(userAgent string) {
	s.mu.Lock()
	s.clients[userAgent]++
	s.mu.Unlock()
	s.cfg.Metrics.ClientRegistered(userAgent)
	s.log.Debug("client registered", zap.String("user_agent", userAgent))
}

// ReportError logs err: client and transient errors at warn level,
// database errors at error level.
func (s *DefaultSPI) ReportError(err *Neo4jError) {
	s.cfg.Metrics.ErrorReported(err.Status.Classification.String())
	fields := []zap.Field{
		zap.String("code", err.Status.Code),
		zap.String("message", err.Message),
		zap.Bool("fatal", err.Fatal),
	}
	if err.Status.Classification == DatabaseError {
		if err.Cause != nil {
			fields = append(fields, zap.Error(err.Cause))
		}
		s.log.Error("database error", fields...)
		return
	}
	s.log.Warn("client error", fields...)
}

func (s *DefaultSPI) OnTerminate(m *Machine) {
	s.mu.Lock()
	delete(s.machines, m.ID())
	s.mu.Unlock()
}

func (s *DefaultSPI) Version() string { return s.cfg.Version }

// Track registers m so TerminateAll can reach it.
func (s *DefaultSPI) Track(m *Machine) {
	s.mu.Lock()
	s.machines[m.ID()] = m
	s.mu.Unlock()
}

// TerminateAll terminates every tracked machine, or only those whose owner
// is owner when it is not empty. It returns the number terminated.
func (s *DefaultSPI) TerminateAll(owner string) int {
	s.mu.Lock()
	var victims []*Machine
	for _, m := range s.machines {
		if owner == "" || m.Owner() == owner {
			victims = append(victims, m)
		}
	}
	s.mu.Unlock()

	for _, m := range victims {
		m.Terminate()
	}
	err := s.cfg.Audit.Log(audit.Event{
		Type:     audit.EventTerminate,
		Username: owner,
		Success:  true,
		Metadata: map[string]string{"connections": strconv.Itoa(len(victims))},
	})
	if err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}
	return len(victims)
}

// Clients returns how many connections each user agent has opened.
func (s *DefaultSPI) Clients() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.clients))
	for k, v := range s.clients {
		out[k] = v
	}
	return out
}
