package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateClient(t *testing.T) {
	c := &Config{
		Host:          "A",
		Instance:      "1",
		ServerAddress: "localhost:8911",
	}
	assert.NoError(t, c.ValidateClient())

	c.WebSocketURL = "ws://localhost:8912/ws"
	assert.Error(t, c.ValidateClient())

	c.ServerAddress = ""
	assert.NoError(t, c.ValidateClient())

	c.WebSocketURL = ""
	assert.Error(t, c.ValidateClient())

	var nilConfig *Config
	assert.Error(t, nilConfig.ValidateClient())
}

func TestValidateServer(t *testing.T) {
	c := &Config{
		Host:     "S",
		Instance: "1",
	}
	assert.Error(t, c.ValidateServer())

	c.ListenAddress = "localhost:8911"
	assert.NoError(t, c.ValidateServer())

	c.Host = ""
	assert.Error(t, c.ValidateServer())
}

func TestDefaults(t *testing.T) {
	c := &Config{}
	assert.Equal(t, TickInterval, c.GetTickInterval())
	assert.Equal(t, PingTimeout, c.GetPingTimeout())
	assert.EqualValues(t, CollectorMemoryCeiling, c.GetCollectorMemoryCeiling())
	assert.Equal(t, TcpKeepAliveInterval, c.GetTcpKeepAliveInterval())
	assert.Equal(t, TcpReconnectLogEvery, c.GetTcpReconnectLogEvery())

	c.TickInterval = 50
	c.TcpDialTimeout = 7
	c.PingTimeout = 1500
	assert.Equal(t, time.Millisecond*50, c.GetTickInterval())
	assert.Equal(t, time.Millisecond*1500, c.GetPingTimeout())
	assert.Equal(t, time.Second*7, c.GetTcpDialTimeout())
}

func TestWellKnownIDs(t *testing.T) {
	a := &Config{}
	b := &Config{Namespace: Namespace}
	other := &Config{Namespace: "elsewhere"}

	assert.Equal(t, a.ServerID(), b.ServerID())
	assert.NotEqual(t, a.ServerID(), a.CollectorGroupID())
	assert.NotEqual(t, a.ServerID(), other.ServerID())
	assert.False(t, a.ServerID().IsNull())
}
