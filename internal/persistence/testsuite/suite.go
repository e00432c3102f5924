package testsuite

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/snowflk/kleiostore/internal/persistence"
	"github.com/snowflk/kleiostore/internal/persistence/readindex"
	"github.com/stretchr/testify/suite"
)

type persistenceModuleTestSuite struct {
	suite.Suite
	storage  persistence.Storage
	provider StorageProvider
	ctx      context.Context
}

// StorageProvider returns an empty storage. A nil hasher selects the backend's default.
type StorageProvider func(hasher readindex.Hasher) persistence.Storage

func NewTestSuite(provider StorageProvider) *persistenceModuleTestSuite {
	return &persistenceModuleTestSuite{
		provider: provider,
		ctx:      context.Background(),
	}
}

func (s *persistenceModuleTestSuite) SetupTest() {
	s.storage = s.provider(nil)
}

func (s *persistenceModuleTestSuite) TearDownTest() {
	defer s.storage.Close()
	log.Info("Tear down")
}

// useHasher swaps the storage of the running test for an empty one bucketing streams with hasher
func (s *persistenceModuleTestSuite) useHasher(hasher readindex.Hasher) {
	s.Require().NoError(s.storage.Close())
	s.storage = s.provider(hasher)
}

func (s *persistenceModuleTestSuite) mustAppend(streamID string, expectedVersion int64, types ...string) persistence.WriteResult {
	res, err := s.storage.AppendEvents(s.ctx, streamID, expectedVersion, events(types...))
	s.Require().NoError(err, "append to %s", streamID)
	return res
}

func (s *persistenceModuleTestSuite) mustDelete(streamID string, expectedVersion int64) persistence.WriteResult {
	res, err := s.storage.DeleteStream(s.ctx, streamID, expectedVersion)
	s.Require().NoError(err, "delete %s", streamID)
	return res
}

// readAll pages through the whole log forward
func (s *persistenceModuleTestSuite) readAll(pageSize int) []persistence.LogRecord {
	all := make([]persistence.LogRecord, 0)
	pos := persistence.StartPosition
	for {
		slice, err := s.storage.ReadAllEventsForward(pos, pageSize)
		s.Require().NoError(err)
		if len(slice.Records) == 0 {
			return all
		}
		all = append(all, slice.Records...)
		pos = slice.NextPosition
	}
}
