//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	audit "cardreader/pkg/platform/audit"
	"cardreader/pkg/testutil/containers"

	"github.com/stretchr/testify/suite"
)

type PostgresStoreSuite struct {
	suite.Suite
	store *Store
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	pg := containers.NewPostgresContainer(s.T())
	s.store = New(pg.DB)
	s.Require().NoError(s.store.Migrate(context.Background()))
}

func (s *PostgresStoreSuite) SetupTest() {
	_, err := s.store.db.ExecContext(context.Background(), "TRUNCATE audit_events")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) TestAppendAndListRecent() {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	for i, action := range []audit.AuditEvent{audit.EventConnectionOpened, audit.EventCardRead, audit.EventAuthFailure} {
		ev := audit.NewEvent(action, "reader-0")
		ev.Timestamp = base.Add(time.Duration(i) * time.Second)
		ev.SubjectIDHash = "hash"
		s.Require().NoError(s.store.Append(ctx, ev))
	}

	events, err := s.store.ListRecent(ctx, 2)
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(string(audit.EventCardRead), events[0].Action)
	s.Equal(audit.CategoryCompliance, events[0].Category)
	s.Equal(string(audit.EventAuthFailure), events[1].Action)
	s.Equal(audit.SeverityWarning, events[1].Severity)
	s.Equal("hash", events[1].SubjectIDHash)
}

func (s *PostgresStoreSuite) TestAppendIsIdempotent() {
	ctx := context.Background()
	ev := audit.NewEvent(audit.EventCardRemoved, "reader-0")

	s.Require().NoError(s.store.Append(ctx, ev))
	s.Require().NoError(s.store.Append(ctx, ev))

	events, err := s.store.ListRecent(ctx, 10)
	s.Require().NoError(err)
	s.Len(events, 1)
}
