package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Gopher0727/GroupChat/config"
)

func TestBuildDSN(t *testing.T) {
	cfg := &config.PostgresConfig{
		Host:     "db",
		Port:     "5433",
		User:     "chat",
		Password: "pw",
		DBName:   "groupchat",
	}
	assert.Equal(t, "host=db port=5433 user=chat password=pw dbname=groupchat sslmode=disable", BuildDSN(cfg))

	cfg.SSLMode = "require"
	assert.Contains(t, BuildDSN(cfg), "sslmode=require")
}
