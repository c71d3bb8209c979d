// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package config loads the site configuration file, applying defaults
// for any entries the file does not set.
package config

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/ghodss/yaml"
	"github.com/loomdb/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

//go:embed config.default.yml
var DefaultYAML []byte

var clusterIDRe = regexp.MustCompile(`^[a-z0-9]{5}$`)

// Loader loads a site config file and merges it with built-in
// defaults.
type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger
	Path   string

	configdata []byte
	// UTC time for configdata: either the modtime of the file we
	// read configdata from, or the time when we read configdata
	// from a pipe.
	sourceTimestamp time.Time
	// UTC time when configdata was read.
	loadTimestamp time.Time
}

// NewLoader returns a new Loader with default flag values applied
// (even if SetupFlags is never called).
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: logger}
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path:
//
//	flags := flag.NewFlagSet("", flag.ContinueOnError)
//	loader := config.NewLoader(os.Stdin, logrus.New())
//	loader.SetupFlags(flags)
//	// ldr.Path == "/etc/loom/config.yml"
//	flags.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", loom.DefaultConfigFile, "Site configuration `file` (default may be overridden by setting the LOOM_CONFIG environment variable)")
}

func (ldr *Loader) loadBytes(path string) ([]byte, time.Time, error) {
	if path == "-" {
		buf, err := io.ReadAll(ldr.Stdin)
		return buf, time.Now().UTC(), err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, time.Time{}, err
	}
	buf, err := io.ReadAll(f)
	return buf, fi.ModTime().UTC(), err
}

// Load reads the indicated config file (or stdin, if Path is "-"),
// merges it with the built-in defaults, and returns the resulting
// configuration.
func (ldr *Loader) Load() (*loom.Config, error) {
	if ldr.configdata == nil {
		buf, t, err := ldr.loadBytes(ldr.Path)
		if err != nil {
			return nil, err
		}
		ldr.configdata = buf
		ldr.sourceTimestamp = t
		ldr.loadTimestamp = time.Now().UTC()
	}

	// Load the config into a dummy map to get the cluster ID
	// keys, discarding the values; then set up defaults for each
	// cluster ID; then load the real config on top of the
	// defaults.
	var dummy struct {
		Clusters map[string]struct{}
	}
	err := yaml.Unmarshal(ldr.configdata, &dummy)
	if err != nil {
		return nil, err
	}
	if len(dummy.Clusters) == 0 {
		return nil, errors.New("config does not define any clusters")
	}

	// We can't merge deep structs here; instead, we unmarshal the
	// default & loaded config files into generic maps, merge
	// those, and then json-encode+decode the result into the
	// config struct type.
	var merged map[string]interface{}
	for id := range dummy.Clusters {
		var src map[string]interface{}
		err = yaml.Unmarshal(bytes.Replace(DefaultYAML, []byte(" xxxxx:"), []byte(" "+id+":"), -1), &src)
		if err != nil {
			return nil, fmt.Errorf("loading defaults for %s: %s", id, err)
		}
		err = mergo.Merge(&merged, src, mergo.WithOverride)
		if err != nil {
			return nil, fmt.Errorf("merging defaults for %s: %s", id, err)
		}
	}
	var src map[string]interface{}
	err = yaml.Unmarshal(ldr.configdata, &src)
	if err != nil {
		return nil, fmt.Errorf("loading config data: %s", err)
	}
	ldr.logExtraKeys(merged, src, "")
	removeSampleKeys(merged)
	err = mergo.Merge(&merged, src, mergo.WithOverride)
	if err != nil {
		return nil, fmt.Errorf("merging config data: %s", err)
	}

	// map[string]interface{} => json => loom.Config
	var errEnc error
	pr, pw := io.Pipe()
	go func() {
		errEnc = json.NewEncoder(pw).Encode(merged)
		pw.Close()
	}()
	var cfg loom.Config
	err = json.NewDecoder(pr).Decode(&cfg)
	if errEnc != nil {
		err = errEnc
	}
	if err != nil {
		return nil, fmt.Errorf("transcoding config data: %s", err)
	}

	// Check for known mistakes
	for id, cc := range cfg.Clusters {
		for _, err = range []error{
			ldr.checkClusterID(fmt.Sprintf("Clusters.%s", id), id),
			ldr.checkToken(fmt.Sprintf("Clusters.%s.SystemRootToken", id), cc.SystemRootToken),
			ldr.checkToken(fmt.Sprintf("Clusters.%s.ManagementToken", id), cc.ManagementToken),
			checkKeyConflict(fmt.Sprintf("Clusters.%s.Coordination.Postgres.Connection", id), cc.Coordination.Postgres.Connection),
			ldr.checkEnum(fmt.Sprintf("Clusters.%s.Coordination.Driver", id), cc.Coordination.Driver, "memory", "postgres", "etcd"),
			ldr.checkEnum(fmt.Sprintf("Clusters.%s.Dispatch.AssignmentPolicy", id), cc.Dispatch.AssignmentPolicy, "roundrobin", "loadaware"),
			ldr.checkIntervals(id, cc),
		} {
			if err != nil {
				return nil, err
			}
		}
	}
	return &cfg, nil
}

func (ldr *Loader) checkClusterID(label, clusterID string) error {
	if !clusterIDRe.MatchString(clusterID) {
		return fmt.Errorf("%s: cluster ID should be 5 lowercase alphanumeric characters", label)
	}
	return nil
}

const acceptableTokenLength = 32

var acceptableTokenRe = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

func (ldr *Loader) checkToken(label, token string) error {
	if token == "" {
		if ldr.Logger != nil {
			ldr.Logger.Warnf("%s: secret token is not set (use %d+ random characters from a-z, A-Z, 0-9)", label, acceptableTokenLength)
		}
	} else if !acceptableTokenRe.MatchString(token) {
		return fmt.Errorf("%s: unacceptable characters in token (only a-z, A-Z, 0-9 are acceptable)", label)
	} else if len(token) < acceptableTokenLength {
		if ldr.Logger != nil {
			ldr.Logger.Warnf("%s: token is too short (should be at least %d characters)", label, acceptableTokenLength)
		}
	}
	return nil
}

func (ldr *Loader) checkEnum(label, value string, accepted ...string) error {
	for _, s := range accepted {
		if s == value {
			return nil
		}
	}
	return fmt.Errorf("%s: unacceptable value %q: must be one of %q", label, value, accepted)
}

func (ldr *Loader) checkIntervals(id string, cc loom.Cluster) error {
	if hb, et := cc.Dispatch.HeartbeatInterval, cc.Dispatch.ExecutorTimeout; hb <= 0 {
		return fmt.Errorf("Clusters.%s.Dispatch.HeartbeatInterval: must be greater than zero", id)
	} else if et <= hb {
		return fmt.Errorf("Clusters.%s.Dispatch.ExecutorTimeout (%s) must be greater than HeartbeatInterval (%s)", id, et, hb)
	}
	if ttl := cc.Coordination.LeaseTTL; ttl <= 0 {
		return fmt.Errorf("Clusters.%s.Coordination.LeaseTTL: must be greater than zero", id)
	}
	return nil
}

func checkKeyConflict(label string, m map[string]string) error {
	saw := map[string]bool{}
	for k := range m {
		k = strings.ToLower(k)
		if saw[k] {
			return fmt.Errorf("%s: multiple entries for %q (fix by using same capitalization as default/example file)", label, k)
		}
		saw[k] = true
	}
	return nil
}

func removeSampleKeys(config map[string]interface{}) {
	delete(config, "SAMPLE")
	for _, v := range config {
		if v, _ := v.(map[string]interface{}); v != nil {
			removeSampleKeys(v)
		}
	}
}

func (ldr *Loader) logExtraKeys(expected, supplied map[string]interface{}, prefix string) {
	if ldr.Logger == nil {
		return
	}
	for k, vsupp := range supplied {
		if k == "SAMPLE" {
			// entry will be dropped in removeSampleKeys anyway
			continue
		}
		vexp, ok := expected[k]
		if expected["SAMPLE"] != nil {
			// use the SAMPLE entry's keys as the expected keys
			vexp = expected["SAMPLE"]
		} else if !ok {
			ldr.Logger.Warnf("deprecated or unknown config entry: %s%s", prefix, k)
			continue
		}
		if vsupp, ok := vsupp.(map[string]interface{}); !ok {
			// if vsupp is a map but vexp isn't map, this
			// will be caught elsewhere; see TestBadType.
			continue
		} else if vexp, ok := vexp.(map[string]interface{}); !ok {
			ldr.Logger.Warnf("unexpected object in config entry: %s%s", prefix, k)
		} else {
			ldr.logExtraKeys(vexp, vsupp, prefix+k+".")
		}
	}
}

// RegisterMetrics registers metrics showing the timestamp and content
// hash of the currently loaded config.
//
// Must not be called more than once per Loader. Must not be called
// before Load(). Metrics are not updated by subsequent calls to
// Load().
func (ldr *Loader) RegisterMetrics(reg *prometheus.Registry) {
	hash := fmt.Sprintf("%x", sha256.Sum256(ldr.configdata))
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "loom",
		Name:      "config_load_timestamp_seconds",
		Help:      "Time when config file was loaded.",
	}, []string{"sha256"})
	vec.WithLabelValues(hash).Set(float64(ldr.loadTimestamp.UnixNano()) / 1e9)
	reg.MustRegister(vec)

	vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "loom",
		Name:      "config_source_timestamp_seconds",
		Help:      "Timestamp of config file when it was loaded.",
	}, []string{"sha256"})
	vec.WithLabelValues(hash).Set(float64(ldr.sourceTimestamp.UnixNano()) / 1e9)
	reg.MustRegister(vec)
}
