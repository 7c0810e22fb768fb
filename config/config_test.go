// Copyright (c) 2018 The Pinboard developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"gitlab.com/pinboard/pinboardd/types/chaincfg"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	require.Equal(t, defaultMaxInbound, cfg.MaxInbound)
	require.Equal(t, defaultMaxOutbound, cfg.MaxOutbound)
	require.Equal(t, defaultMaxAddresses, cfg.MaxAddresses)
	require.Equal(t, defaultHostsFile, cfg.HostsFile)
	require.Equal(t, chaincfg.MainNetParams.DefaultOverlayPort, cfg.InboundPort)
	require.Equal(t, &chaincfg.MainNetParams, cfg.Params())
}

func TestLoadFlags(t *testing.T) {
	cfg, err := Load([]string{
		"--max-inbound", "3",
		"--max-outbound", "5",
		"--connect-to", "10.0.0.1:29333",
		"--connect-to", "10.0.0.2:29333",
		"--dont-use-seeds",
		"--testnet",
	})
	require.NoError(t, err)

	require.Equal(t, 3, cfg.MaxInbound)
	require.Equal(t, 5, cfg.MaxOutbound)
	require.Equal(t, []string{"10.0.0.1:29333", "10.0.0.2:29333"}, cfg.ConnectTo)
	require.True(t, cfg.DontUseSeeds)
	require.Equal(t, &chaincfg.TestNet4Params, cfg.Params())
}

func TestLoadConfigFileAndOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pinboardd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"max_inbound: 7\nmax_outbound: 9\nlog_level: debug\n"), 0600))

	// File values apply...
	cfg, err := Load([]string{"--configfile", path})
	require.NoError(t, err)
	require.Equal(t, 7, cfg.MaxInbound)
	require.Equal(t, 9, cfg.MaxOutbound)
	require.Equal(t, "debug", cfg.LogLevel)

	// ...but flags win over the file.
	cfg, err = Load([]string{"--configfile", path, "--max-inbound", "2"})
	require.NoError(t, err)
	require.Equal(t, 2, cfg.MaxInbound)
	require.Equal(t, 9, cfg.MaxOutbound)
}

func TestLoadMissingExplicitConfigFile(t *testing.T) {
	_, err := Load([]string{"--configfile", "/does/not/exist.yaml"})
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, zapcore.DebugLevel, parseLevel("trace"))
	require.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	require.Equal(t, zapcore.InfoLevel, parseLevel("info"))
	require.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	require.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	require.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
}
