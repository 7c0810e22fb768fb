// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package config loads the daemon configuration from command line flags
// and an optional YAML file.  Flags win over the file, the file wins over
// defaults.
package config

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"gitlab.com/pinboard/pinboardd/corelog"
	"gitlab.com/pinboard/pinboardd/types/chaincfg"
	"gitlab.com/pinboard/pinboardd/types/wire"
)

const (
	defaultConfigFilename = "pinboardd.yaml"
	defaultLogLevel       = "info"
	defaultHostsFile      = "hosts.csv"
	defaultMaxInbound     = 16
	defaultMaxOutbound    = 16
	defaultMaxAddresses   = 256000
)

// Config defines the configuration options for pinboardd.
type Config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file" yaml:"-"`

	Print  bool `short:"p" long:"print" description:"Print all messages from the pinboard after 30 seconds and exit" yaml:"-"`
	Submit bool `short:"s" long:"submit" description:"Submit message from STDIN and exit" yaml:"-"`

	InboundPort  uint16   `short:"i" long:"inbound-port" description:"Inbound port for p2p communication" yaml:"inbound_port"`
	MaxInbound   int      `long:"max-inbound" description:"Maintain at most this many inbound p2p connections" yaml:"max_inbound"`
	MaxOutbound  int      `long:"max-outbound" description:"Maintain at most this many outbound p2p connections" yaml:"max_outbound"`
	MaxAddresses int      `long:"max-addresses" description:"Store at most this many peer addresses" yaml:"max_addresses"`
	ConnectTo    []string `long:"connect-to" description:"Connect only to the specified peers (may be repeated)" yaml:"connect_to"`
	SetIP        string   `long:"set-ip" description:"Advertise this external IP instead of auto-detecting" yaml:"set_ip"`
	DontUseSeeds bool     `long:"dont-use-seeds" description:"Don't ask the host chain DNS seeds for peer addresses" yaml:"dont_use_seeds"`
	DontGuessIP  bool     `long:"dont-guess-ip" description:"Don't guess the external IP" yaml:"dont_guess_ip"`
	Proxy        string   `long:"proxy" description:"Connect via SOCKS5 proxy (host:port)" yaml:"proxy"`
	HostsFile    string   `long:"hostsfile" description:"Path of the peer address cache" yaml:"hosts_file"`

	TestNet bool `long:"testnet" description:"Use the test network" yaml:"testnet"`
	SimNet  bool `long:"simnet" description:"Use the simulation test network" yaml:"simnet"`

	LogLevel string         `long:"loglevel" description:"Logging level {trace, debug, info, warn, error}" yaml:"log_level"`
	Log      corelog.Config `group:"log" yaml:"log"`

	// SubmitBody is the message read from stdin when Submit is set.
	SubmitBody []byte `no-flag:"true" yaml:"-"`
}

// defaultConfig returns the stock configuration.
func defaultConfig() *Config {
	return &Config{
		MaxInbound:   defaultMaxInbound,
		MaxOutbound:  defaultMaxOutbound,
		MaxAddresses: defaultMaxAddresses,
		HostsFile:    defaultHostsFile,
		LogLevel:     defaultLogLevel,
		Log:          corelog.Config{}.Default(),
	}
}

// Load parses the command line and the optional configuration file.  On a
// usage request it exits the process with code 0; on a parse failure the
// error is returned for the caller to report.
func Load(args []string) (*Config, error) {
	// A first pass only resolves the config file location.
	preCfg := defaultConfig()
	preParser := flags.NewParser(preCfg, flags.HelpFlag|flags.IgnoreUnknown)
	if _, err := preParser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		return nil, err
	}

	cfg := defaultConfig()

	configFile := preCfg.ConfigFile
	explicit := configFile != ""
	if !explicit {
		configFile = defaultConfigFilename
	}

	if raw, err := os.ReadFile(configFile); err == nil {
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "can't parse config file %s", configFile)
		}
	} else if explicit {
		return nil, errors.Wrapf(err, "can't read config file %s", configFile)
	}

	// The second pass lets flags override the file.
	parser := flags.NewParser(cfg, flags.HelpFlag)
	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		return nil, err
	}

	if cfg.InboundPort == 0 {
		cfg.InboundPort = cfg.Params().DefaultOverlayPort
	}

	if cfg.Submit {
		body, err := readSubmitBody(os.Stdin)
		if err != nil {
			return nil, err
		}
		cfg.SubmitBody = body
	}

	return cfg, nil
}

// readSubmitBody collects the message body for --submit from stdin.
func readSubmitBody(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err == nil && (info.Mode()&os.ModeCharDevice) != 0 {
		return nil, errors.New("--submit used but there is no message on STDIN")
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "can't read STDIN")
	}

	body := strings.Join(lines, "\n")
	if len(body) == 0 {
		return nil, errors.New("--submit used but the message is empty")
	}
	return []byte(body), nil
}

// Params returns the chain parameters selected by the configuration.
func (cfg *Config) Params() *chaincfg.Params {
	switch {
	case cfg.SimNet:
		return &chaincfg.SimNetParams
	case cfg.TestNet:
		return &chaincfg.TestNet4Params
	default:
		return &chaincfg.MainNetParams
	}
}

// Self resolves the address to advertise to peers: the forced --set-ip,
// the auto-detected external IP, or nothing.  When detection fails while
// inbound connections are wanted, the caller should disable them; ok
// reports whether an address was produced.
func (cfg *Config) Self(logger *zap.Logger) (*wire.NetAddress, bool) {
	if cfg.SetIP != "" {
		ip := net.ParseIP(cfg.SetIP)
		if ip == nil {
			logger.Warn("can't parse --set-ip value", zap.String("ip", cfg.SetIP))
			return nil, false
		}
		return wire.NewNetAddressIPPort(ip, cfg.InboundPort, 0), true
	}

	if cfg.DontGuessIP {
		return nil, false
	}

	ip, err := GuessExternalIP()
	if err != nil {
		logger.Error("failed to guess external ip", zap.Error(err))
		return nil, false
	}
	return wire.NewNetAddressIPPort(ip, cfg.InboundPort, 0), true
}

// NewLogger builds the root logger from the configuration.
func (cfg *Config) NewLogger() *zap.Logger {
	return corelog.New(parseLevel(cfg.LogLevel), cfg.Log)
}

// parseLevel maps a level name to its zap level, defaulting to info.
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "trace", "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
