package config

import (
	"fmt"
	"log"
	"time"

	"github.com/Meander-Cloud/go-peergroup/netid"
)

const (
	// defaults for when not provided in Config
	EventChannelLength     uint16        = 1024
	Namespace              string        = "peergroup"
	TcpKeepAliveInterval   time.Duration = time.Second * 17
	TcpKeepAliveCount      uint16        = 2
	TcpDialTimeout         time.Duration = time.Second * 3
	TcpReconnectInterval   time.Duration = time.Second * 5
	TcpReconnectLogEvery   uint32        = 12
	TickInterval           time.Duration = time.Millisecond * 20
	StatusLogInterval      time.Duration = time.Second * 30
	BlobCacheSize          uint16        = 256
	CollectorMemoryCeiling uint32        = 8 << 20 // 8 MB
	CollectorSinkDir       string        = "."
	CollectorJitterMax     uint16        = 16
	PingTimeout            time.Duration = time.Second * 10
)

type Config struct {
	Host               string
	Instance           string
	EventChannelLength uint16

	// Namespace seeds the well-known ids; every member of a group must agree on it.
	Namespace string

	// server side
	ListenAddress    string
	WebSocketAddress string // optional, host:port serving /ws

	// client side, one of the two
	ServerAddress string
	WebSocketURL  string

	TcpKeepAliveInterval uint16 // seconds
	TcpKeepAliveCount    uint16
	TcpDialTimeout       uint16 // seconds
	TcpReconnectInterval uint16 // seconds
	TcpReconnectLogEvery uint32

	TickInterval      uint16 // milliseconds
	StatusLogInterval uint16 // seconds

	BlobCacheSize uint16

	CollectorMemoryCeiling uint32 // bytes
	CollectorSinkDir       string
	CollectorJitterMax     uint16
	CollectorClockBaseline uint64
	PingTimeout            uint32 // milliseconds

	LogPrefix string
	LogDebug  bool
}

func (c *Config) namespace() netid.ID {
	if c.Namespace == "" {
		return netid.FromName(Namespace)
	}
	return netid.FromName(c.Namespace)
}

// ServerID is the well-known id room commands are addressed to.
func (c *Config) ServerID() netid.ID {
	return netid.Derive(c.namespace(), "room.server")
}

// CollectorGroupID is the id collector claims are broadcast to.
func (c *Config) CollectorGroupID() netid.ID {
	return netid.Derive(c.namespace(), "log.collector")
}

func (c *Config) GetTcpKeepAliveInterval() time.Duration {
	if c.TcpKeepAliveInterval == 0 {
		return TcpKeepAliveInterval
	}
	return time.Second * time.Duration(c.TcpKeepAliveInterval)
}

func (c *Config) GetTcpKeepAliveCount() uint16 {
	if c.TcpKeepAliveCount == 0 {
		return TcpKeepAliveCount
	}
	return c.TcpKeepAliveCount
}

func (c *Config) GetTcpReconnectInterval() time.Duration {
	if c.TcpReconnectInterval == 0 {
		return TcpReconnectInterval
	}
	return time.Second * time.Duration(c.TcpReconnectInterval)
}

func (c *Config) GetTcpReconnectLogEvery() uint32 {
	if c.TcpReconnectLogEvery == 0 {
		return TcpReconnectLogEvery
	}
	return c.TcpReconnectLogEvery
}

func (c *Config) GetTcpDialTimeout() time.Duration {
	if c.TcpDialTimeout == 0 {
		return TcpDialTimeout
	}
	return time.Second * time.Duration(c.TcpDialTimeout)
}

func (c *Config) GetTickInterval() time.Duration {
	if c.TickInterval == 0 {
		return TickInterval
	}
	return time.Millisecond * time.Duration(c.TickInterval)
}

func (c *Config) GetStatusLogInterval() time.Duration {
	if c.StatusLogInterval == 0 {
		return StatusLogInterval
	}
	return time.Second * time.Duration(c.StatusLogInterval)
}

func (c *Config) GetBlobCacheSize() int {
	if c.BlobCacheSize == 0 {
		return int(BlobCacheSize)
	}
	return int(c.BlobCacheSize)
}

func (c *Config) GetCollectorMemoryCeiling() int64 {
	if c.CollectorMemoryCeiling == 0 {
		return int64(CollectorMemoryCeiling)
	}
	return int64(c.CollectorMemoryCeiling)
}

func (c *Config) GetCollectorSinkDir() string {
	if c.CollectorSinkDir == "" {
		return CollectorSinkDir
	}
	return c.CollectorSinkDir
}

func (c *Config) GetCollectorJitterMax() int {
	if c.CollectorJitterMax == 0 {
		return int(CollectorJitterMax)
	}
	return int(c.CollectorJitterMax)
}

func (c *Config) GetPingTimeout() time.Duration {
	if c.PingTimeout == 0 {
		return PingTimeout
	}
	return time.Millisecond * time.Duration(c.PingTimeout)
}

func (c *Config) validateCommon() error {
	if c == nil {
		err := fmt.Errorf("nil config")
		log.Printf("%s", err.Error())
		return err
	}

	if c.Host == "" {
		err := fmt.Errorf("invalid Host=%s", c.Host)
		log.Printf("%s", err.Error())
		return err
	}

	if c.Instance == "" {
		err := fmt.Errorf("invalid Instance=%s", c.Instance)
		log.Printf("%s", err.Error())
		return err
	}

	if c.TickInterval != 0 && c.TickInterval < 5 {
		err := fmt.Errorf("invalid TickInterval=%d, must be at least 5ms", c.TickInterval)
		log.Printf("%s", err.Error())
		return err
	}

	return nil
}

func (c *Config) ValidateServer() error {
	err := c.validateCommon()
	if err != nil {
		return err
	}

	if c.ListenAddress == "" && c.WebSocketAddress == "" {
		err := fmt.Errorf("empty ListenAddress and WebSocketAddress")
		log.Printf("%s", err.Error())
		return err
	}

	return nil
}

func (c *Config) ValidateClient() error {
	err := c.validateCommon()
	if err != nil {
		return err
	}

	if c.ServerAddress == "" && c.WebSocketURL == "" {
		err := fmt.Errorf("empty ServerAddress and WebSocketURL")
		log.Printf("%s", err.Error())
		return err
	}

	if c.ServerAddress != "" && c.WebSocketURL != "" {
		err := fmt.Errorf("ServerAddress=%s and WebSocketURL=%s are mutually exclusive", c.ServerAddress, c.WebSocketURL)
		log.Printf("%s", err.Error())
		return err
	}

	if c.CollectorJitterMax == 1 {
		err := fmt.Errorf("invalid CollectorJitterMax=%d, must be 0 or at least 2", c.CollectorJitterMax)
		log.Printf("%s", err.Error())
		return err
	}

	return nil
}
