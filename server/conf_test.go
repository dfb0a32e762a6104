package server

import (
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	urna "github.com/votoseguro/urnago"
)

func TestConfigurationDefaults(t *testing.T) {
	conf := &Configuration{
		DBPath:      "/tmp/registry.db",
		TokenSecret: "secret",
		Quiet:       true,
	}
	require.NoError(t, conf.Check())

	assert.Equal(t, "0.0.0.0", conf.ListenAddress)
	assert.Equal(t, 8088, conf.Port)
	assert.Equal(t, StoreTypeMemory, conf.StoreType)
	assert.Equal(t, 5, conf.CodeAttempts)
	assert.Equal(t, 30, conf.CodeReissueInterval)
	assert.NotNil(t, conf.Logger)
	assert.Equal(t, "0.0.0.0:8088", conf.ListenString())
}

func TestConfigurationCollectsAllErrors(t *testing.T) {
	conf := &Configuration{Quiet: true, Port: 99999}
	err := conf.Check()
	require.Error(t, err)

	merr, ok := err.(*multierror.Error)
	require.True(t, ok)
	// port, db path and token secret are all reported at once
	assert.Len(t, merr.Errors, 3)
}

func TestConfigurationRedisRequiresAddress(t *testing.T) {
	conf := &Configuration{
		DBPath:      "/tmp/registry.db",
		TokenSecret: "secret",
		StoreType:   StoreTypeRedis,
		Quiet:       true,
	}
	assert.Error(t, conf.Check())

	conf.RedisSettings = &RedisSettings{Address: "localhost:6379"}
	assert.NoError(t, conf.Check())
}

func TestConfigurationRejectsReservedSlateNumbers(t *testing.T) {
	conf := &Configuration{
		DBPath:      "/tmp/registry.db",
		TokenSecret: "secret",
		Quiet:       true,
		Slates:      []urna.Choice{{Number: urna.BlankVote, Name: "Sneaky"}},
	}
	assert.Error(t, conf.Check())
}

func TestConfigurationUnknownStoreType(t *testing.T) {
	conf := &Configuration{
		DBPath:      "/tmp/registry.db",
		TokenSecret: "secret",
		StoreType:   "papyrus",
		Quiet:       true,
	}
	assert.Error(t, conf.Check())
}
