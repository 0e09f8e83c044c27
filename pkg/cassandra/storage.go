package cassandra

import (
	"context"

	"github.com/gocql/gocql"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Schema is the counter table the storage expects in its keyspace.
const Schema = `CREATE TABLE IF NOT EXISTS counters (
	item_id text PRIMARY KEY,
	value counter
)`

// RemoteStorage keeps the aura counters in a cassandra counter table.
type RemoteStorage struct {
	session *gocql.Session
	logger  *logrus.Logger
}

func NewRemoteStorage(logger *logrus.Logger, session *gocql.Session) *RemoteStorage {
	return &RemoteStorage{
		session: session,
		logger:  logger,
	}
}

// CreateSchema creates the counter table if it does not exist yet.
func (s *RemoteStorage) CreateSchema(ctx context.Context) error {
	err := s.session.Query(Schema).WithContext(ctx).Exec()
	if err != nil {
		return errors.Wrap(err, "could not create counters table")
	}
	return nil
}

func (s *RemoteStorage) Add(ctx context.Context, itemID string, n int64) error {
	err := s.session.
		Query(`UPDATE counters SET value = value + ? WHERE item_id = ?`, n, itemID).
		WithContext(ctx).
		Consistency(gocql.LocalQuorum).
		Exec()

	if err != nil {
		return errors.Wrap(err, "cassandra storage update failure")
	}

	return nil
}

func (s *RemoteStorage) Get(ctx context.Context, itemID string) (int64, error) {
	var value int64

	err := s.session.
		Query(`SELECT value FROM counters WHERE item_id = ? LIMIT 1`, itemID).
		WithContext(ctx).
		Consistency(gocql.LocalQuorum).
		Scan(&value)

	if err == gocql.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "cassandra storage select failure")
	}

	s.logger.WithFields(logrus.Fields{"item": itemID, "value": value}).Debug("cassandra counter read")
	return value, nil
}
