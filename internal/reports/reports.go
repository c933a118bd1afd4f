// Package reports lists report models and templates of a project by asking a
// report engine of the requested language.
//
// A missing or busy engine is not an error: the caller gets an empty list
// and may retry. An engine which replies with an empty error message is
// considered crashed, it is killed and the last line of its log becomes the
// error shown to the user.
package reports

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/CZERTAINLY/reportd/internal/log"
	"github.com/CZERTAINLY/reportd/internal/model"
	"github.com/CZERTAINLY/reportd/internal/query"
	"github.com/CZERTAINLY/reportd/internal/supervisor"
)

// Engines is the part of the supervisor the service needs.
type Engines interface {
	Acquire(ctx context.Context, language string) (supervisor.Target, error)
	ReportFailure(ctx context.Context, target supervisor.Target, crash bool, message string) string
}

// Querier performs engine queries.
type Querier interface {
	Query(ctx context.Context, url string) query.Outcome
}

type Service struct {
	engines   Engines
	querier   Querier
	namespace string

	mx      sync.Mutex
	lastErr string
}

func NewService(engines Engines, querier Querier, namespace string) *Service {
	if namespace == "" {
		namespace = model.DefaultNamespace
	}
	return &Service{
		engines:   engines,
		querier:   querier,
		namespace: namespace,
	}
}

// ListModels returns report models of the project in dir.
func (s *Service) ListModels(ctx context.Context, dir, language string) ([]model.ReportModel, error) {
	payload, err := s.list(ctx, dir, language, query.ModelsURL)
	if err != nil {
		return nil, err
	}
	if payload.Models == nil {
		if payload.Templates != nil {
			slog.WarnContext(ctx, "engine returned templates instead of report models", "count", len(payload.Templates))
		}
		return []model.ReportModel{}, nil
	}
	return payload.Models, nil
}

// ListTemplates returns report templates of the project in dir.
func (s *Service) ListTemplates(ctx context.Context, dir, language string) ([]string, error) {
	payload, err := s.list(ctx, dir, language, query.TemplatesURL)
	if err != nil {
		return nil, err
	}
	if payload.Templates == nil {
		if payload.Models != nil {
			slog.WarnContext(ctx, "engine returned report models instead of templates", "count", len(payload.Models))
		}
		return []string{}, nil
	}
	return payload.Templates, nil
}

// LastError returns the user facing error of the last call, empty when it
// succeeded.
func (s *Service) LastError() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.lastErr
}

func (s *Service) setLastError(msg string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.lastErr = msg
}

type urlFunc func(port uint16, namespace, dir string) string

func (s *Service) list(ctx context.Context, dir, language string, url urlFunc) (query.Payload, error) {
	s.setLastError("")

	target, err := s.engines.Acquire(ctx, language)
	if err != nil {
		s.setLastError(userMessage(err))
		return query.Payload{}, err
	}
	ctx = log.EngineAttrs(ctx, target.Language, target.Port)

	out := s.querier.Query(ctx, url(target.Port, s.namespace, dir))
	switch out.Kind {
	case query.Success:
		return out.Payload, nil
	case query.EngineError:
		if out.Message != "" {
			s.setLastError(out.Message)
			return query.Payload{}, &model.EngineError{Message: out.Message}
		}
		line := s.engines.ReportFailure(ctx, target, true, out.Message)
		s.setLastError(line)
		return query.Payload{}, &model.EngineError{Message: line, Crashed: true}
	case query.Unreachable:
		// the engine may still be starting, the caller retries later
		slog.DebugContext(ctx, "engine not reachable: returning empty list", "error", out.Err)
		return query.Payload{}, nil
	default:
		slog.ErrorContext(ctx, "engine reply ignored", "outcome", out.Kind.String(), "error", out.Err)
		return query.Payload{}, nil
	}
}

func userMessage(err error) string {
	var spawnErr *model.SpawnError
	switch {
	case errors.As(err, &spawnErr):
		return "report engine can't be started: " + spawnErr.Err.Error()
	case errors.Is(err, model.ErrNoPortAvailable):
		return "no free port for a report engine"
	default:
		return err.Error()
	}
}
