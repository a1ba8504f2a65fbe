// Package config models the boot-time parameters of one TranServer
// instance and the external parameter-lookup service that supplies them.
package config

import (
	"fmt"
	"log"
	"time"
)

const (
	// defaults for when not provided in Config
	EventChannelLength   uint16        = 1024
	ChannelPollTimeout   time.Duration = time.Millisecond * 1000
	ChannelName          string        = "TS_PS_comm"
	BootPollInterval     time.Duration = time.Millisecond * 30
	BootPollTimeout      time.Duration = time.Second * 30
	PsConnectorPeriod    time.Duration = time.Second * 5
	DisconnectWorkerWait time.Duration = time.Second * 1
	DefaultCssMaxClients int           = 24
)

// ParamSource models an external parameter-lookup service: boot reads
// every configured value through this interface rather than a hardcoded
// literal, so a real deployment can back it with whatever configuration
// store it already has.
type ParamSource interface {
	GetString(name string) (string, bool)
	GetBool(name string) (bool, bool)
	GetInt(name string) (int, bool)
}

// MapParamSource is a ParamSource backed by a plain map, used by tests and
// by cmd/tsconnd, which decodes its TOML config file into one map.
type MapParamSource map[string]any

func (m MapParamSource) GetString(name string) (string, bool) {
	v, ok := m[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (m MapParamSource) GetBool(name string) (bool, bool) {
	v, ok := m[name]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func (m MapParamSource) GetInt(name string) (int, bool) {
	v, ok := m[name]
	if !ok {
		return 0, false
	}
	i, ok := v.(int)
	return i, ok
}

const (
	ParamPageServerHosts     = "PAGE_SERVER_HOSTS"
	ParamRemoteStorage       = "REMOTE_STORAGE"
	ParamLogQuorumConsensus  = "ER_LOG_QUORUM_CONSENSUS"
	ParamCssMaxClients       = "CSS_MAX_CLIENTS"
)

// Config is the fully resolved set of boot-time parameters for one
// TranServer/ActiveTranServer instance.
type Config struct {
	PageServerHosts    string
	RemoteStorage      bool
	LogQuorumConsensus bool
	CssMaxClients      int

	EventChannelLength uint16

	LogPrefix string
	LogDebug  bool
}

// Load resolves a Config from a ParamSource, applying the documented
// defaults for anything the source doesn't have an opinion on.
func Load(ps ParamSource, logPrefix string, logDebug bool) *Config {
	c := &Config{
		LogPrefix: logPrefix,
		LogDebug:  logDebug,

		EventChannelLength: EventChannelLength,
		CssMaxClients:      DefaultCssMaxClients,
	}

	if v, ok := ps.GetString(ParamPageServerHosts); ok {
		c.PageServerHosts = v
	}
	if v, ok := ps.GetBool(ParamRemoteStorage); ok {
		c.RemoteStorage = v
	}
	if v, ok := ps.GetBool(ParamLogQuorumConsensus); ok {
		c.LogQuorumConsensus = v
	}
	if v, ok := ps.GetInt(ParamCssMaxClients); ok && v > 0 {
		c.CssMaxClients = v
	}

	return c
}

func (c *Config) Validate() error {
	if c == nil {
		err := fmt.Errorf("nil config")
		log.Printf("%s", err.Error())
		return err
	}

	if c.PageServerHosts == "" && c.RemoteStorage {
		err := fmt.Errorf("empty PageServerHosts with RemoteStorage=true")
		log.Printf("%s", err.Error())
		return err
	}

	if c.EventChannelLength == 0 {
		err := fmt.Errorf("invalid EventChannelLength=%d", c.EventChannelLength)
		log.Printf("%s", err.Error())
		return err
	}

	return nil
}
