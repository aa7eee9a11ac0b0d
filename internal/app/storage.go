package app

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"pm-agent/internal/config"
	"pm-agent/internal/graph"
	"pm-agent/internal/repository"
)

// OpenStorage opens the checkpoint and conversation stores selected by
// cfg.Driver. The memory driver keeps no conversation history. awsCfg is
// only used by the dynamodb driver.
func OpenStorage(cfg config.Storage, awsCfg aws.Config) (Storage, error) {
	switch cfg.Driver {
	case config.DriverDynamoDB:
		client, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.Table, repository.WithCheckpointTTL(cfg.CheckpointTTL))
		if err != nil {
			return Storage{}, err
		}
		return Storage{Checkpoints: client, History: client}, nil
	case config.DriverSQLite:
		store, err := repository.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return Storage{}, err
		}
		return Storage{Checkpoints: store, History: store, close: store.Close}, nil
	case config.DriverMemory:
		return Storage{Checkpoints: graph.NewMemoryStore()}, nil
	default:
		return Storage{}, fmt.Errorf("app: storage driver %q is not supported", cfg.Driver)
	}
}

// Close releases the underlying database, if any.
func (s Storage) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
