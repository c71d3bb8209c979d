// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package loom

import (
	"fmt"
	"net/url"
	"os"
)

// DefaultConfigFile is the path loaded when a config file location is
// not given on the command line. The LOOM_CONFIG environment variable
// overrides the built-in default.
var DefaultConfigFile = func() string {
	if path := os.Getenv("LOOM_CONFIG"); path != "" {
		return path
	}
	return "/etc/loom/config.yml"
}()

// Config is the snapshot of a complete configuration file: a set of
// clusters indexed by 5-character cluster ID.
type Config struct {
	Clusters map[string]Cluster
}

// GetCluster returns the cluster ID and config for the given cluster,
// or the only configured cluster if clusterID is "".
func (sc *Config) GetCluster(clusterID string) (*Cluster, error) {
	if clusterID == "" {
		if len(sc.Clusters) == 0 {
			return nil, fmt.Errorf("no clusters configured")
		} else if len(sc.Clusters) > 1 {
			return nil, fmt.Errorf("multiple clusters configured, cannot choose")
		} else {
			for id, cc := range sc.Clusters {
				cc.ClusterID = id
				return &cc, nil
			}
		}
	}
	cc, ok := sc.Clusters[clusterID]
	if !ok {
		return nil, fmt.Errorf("cluster %q is not configured", clusterID)
	}
	cc.ClusterID = clusterID
	return &cc, nil
}

type Cluster struct {
	ClusterID       string `json:"-"`
	SystemRootToken string
	ManagementToken string
	API             APIConfig
	Services        Services
	Coordination    CoordinationConfig
	Dispatch        DispatchConfig
	Executor        ExecutorConfig
	TLS             TLSConfig
	SystemLogs      SystemLogs
}

type APIConfig struct {
	RequestTimeout        Duration
	MaxConcurrentRequests int
	MaxQueuedRequests     int
}

type Services struct {
	Scheduler Service
	Executor  Service
}

type Service struct {
	InternalURLs map[URL]ServiceInstance
	ExternalURL  URL
}

type ServiceInstance struct {
	ListenURL URL
}

type ServiceName string

const (
	ServiceNameScheduler ServiceName = "loom-scheduler"
	ServiceNameExecutor  ServiceName = "loom-executor"
)

// Map returns all services as a map, suitable for iterating over all
// services or looking up a service by name.
func (svcs Services) Map() map[ServiceName]Service {
	return map[ServiceName]Service{
		ServiceNameScheduler: svcs.Scheduler,
		ServiceNameExecutor:  svcs.Executor,
	}
}

type CoordinationConfig struct {
	// Backend driver: "memory", "postgres", or "etcd". The memory
	// driver supports a single scheduler instance with no
	// failover.
	Driver   string
	Prefix   string
	LeaseTTL Duration
	Postgres PostgresConfig
	Etcd     EtcdConfig
}

type PostgresConfig struct {
	Connection PostgresConnection
}

// PostgresConnection is a map of key/value settings, rendered as a
// space-separated DSN ("dbname=loom host=...").
type PostgresConnection map[string]string

func (c PostgresConnection) String() string {
	s := ""
	for k, v := range c {
		if v == "" {
			continue
		}
		if s != "" {
			s += " "
		}
		s += k + "='" + v + "'"
	}
	return s
}

type EtcdConfig struct {
	Endpoints   []string
	DialTimeout Duration
}

type DispatchConfig struct {
	// "roundrobin" or "loadaware". Both break ties on lowest
	// executor UUID so repeated runs are reproducible.
	AssignmentPolicy     string
	MaxTaskRetries       int
	ExecutorTimeout      Duration
	HeartbeatInterval    Duration
	TaskScheduleTimeout  Duration
	TaskTimeout          Duration
	StallTimeout         Duration
	MaxPartitions        int
	FinishedJobCacheSize int
	CheckpointInterval   Duration
	MaxInlineResultBytes int64
}

type ExecutorConfig struct {
	// Concurrent task slots. 0 means one per CPU.
	Slots           int
	ScratchDir      string
	AdvertiseURL    URL
	RegisterTimeout Duration
	// Hard cap on how long a finished job's outputs may stay in
	// ScratchDir. 0 means keep them until the scheduler stops
	// reporting the job.
	ScratchRetention Duration
}

type TLSConfig struct {
	Certificate string
	Key         string
	Insecure    bool
}

type SystemLogs struct {
	LogLevel string
	Format   string
}

// URL is a url.URL that is also usable as a JSON key/value.
type URL url.URL

// URLFromString returns a URL from a string, or a zero URL if the
// string does not parse.
func URLFromString(s string) URL {
	u, err := url.Parse(s)
	if err != nil {
		return URL{}
	}
	return URL(*u)
}

// UnmarshalText implements encoding.TextUnmarshaler so URL can be used
// as a JSON key or value.
func (su *URL) UnmarshalText(text []byte) error {
	u, err := url.Parse(string(text))
	if err == nil {
		*su = URL(*u)
		if su.Path == "" && su.Host != "" {
			// http://example really means http://example/
			su.Path = "/"
		}
	}
	return err
}

// MarshalText implements encoding.TextMarshaler so URL can be used as
// a JSON key or value.
func (su URL) MarshalText() ([]byte, error) {
	return []byte(su.String()), nil
}

func (su URL) String() string {
	pu := url.URL(su)
	return pu.String()
}
