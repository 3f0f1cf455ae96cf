// config_test.go - Configuration tests.
// Copyright (C) 2018  LLARP developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testDoc = `
[Logging]
Level = "DEBUG"

[[Endpoint]]
Name = "snapp"
Keyfile = "/var/lib/llarp/snapp.key"
Tag = "chat"
PrefetchTags = ["chat"]
PrefetchAddrs = ["aeb5cgrgmumrqdpwGuy2nievrstt25gdpryq554haht4afsf5rmq"]
NetNS = "snappns"
`

func TestParse(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg, err := Parse([]byte(testDoc))
	require.NoError(err)
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Len(cfg.Endpoint, 1)

	ep := cfg.Endpoint[0]
	require.Equal("snapp", ep.Name)

	opts := ep.Options()
	require.Equal([][2]string{
		{"keyfile", "/var/lib/llarp/snapp.key"},
		{"tag", "chat"},
		{"prefetch-tag", "chat"},
		{"prefetch-addr", "aeb5cgrgmumrqdpwGuy2nievrstt25gdpryq554haht4afsf5rmq"},
		{"netns", "snappns"},
	}, opts)
}

func TestParseNoEndpoints(t *testing.T) {
	t.Parallel()
	_, err := Parse([]byte("[Logging]\nLevel = \"ERROR\"\n"))
	require.ErrorIs(t, err, ErrNoEndpoints)
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg, err := Parse([]byte("[[Endpoint]]\n"))
	require.NoError(err)
	require.Equal("NOTICE", cfg.Logging.Level)
	require.Equal("default", cfg.Endpoint[0].Name)
}
