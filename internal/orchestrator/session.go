package orchestrator

import (
	"context"
	"sync"

	"github.com/vietddude/autofollow/internal/driver"
)

// onceSession makes Close idempotent so that both the workflow and the
// orchestrator can release the session.
type onceSession struct {
	driver.Session
	once sync.Once
	err  error
}

func (s *onceSession) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.err = s.Session.Close(ctx)
	})
	return s.err
}
