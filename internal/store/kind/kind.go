package kind

import (
	"errors"
	"strings"
)

// Store identifies a record store backend.
type Store uint8

const (
	Memory Store = iota
	Postgres
	Nats
	Redis
	HTTP
)

const (
	MemoryStr   = "memory"
	PostgresStr = "postgres"
	NatsStr     = "nats"
	RedisStr    = "redis"
	HTTPStr     = "http"
)

var (
	ErrUnknownStoreKind = errors.New("unknown store kind")
)

func (s Store) String() string {
	switch s {
	case Memory:
		return MemoryStr
	case Postgres:
		return PostgresStr
	case Nats:
		return NatsStr
	case Redis:
		return RedisStr
	case HTTP:
		return HTTPStr
	default:
		return "unknown"
	}
}

func FromString(str string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(str)) {
	case MemoryStr, "":
		return Memory, nil
	case PostgresStr, "postgresql":
		return Postgres, nil
	case NatsStr:
		return Nats, nil
	case RedisStr:
		return Redis, nil
	case HTTPStr:
		return HTTP, nil
	default:
		return 0, ErrUnknownStoreKind
	}
}
