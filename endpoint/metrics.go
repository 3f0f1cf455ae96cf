// metrics.go - Endpoint metrics.
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

package endpoint

import "github.com/prometheus/client_golang/prometheus"

var (
	prefetchAddrParseFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "llarp",
			Subsystem: "service",
			Name:      "prefetch_addr_parse_failures_total",
			Help:      "Number of prefetch-addr option values that failed to parse.",
		},
	)
	unknownOptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "llarp",
			Subsystem: "service",
			Name:      "unknown_options_total",
			Help:      "Number of unrecognized endpoint configuration keys.",
		},
	)
	introsetPublishes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "llarp",
			Subsystem: "service",
			Name:      "introset_publishes_total",
			Help:      "Number of confirmed introset publishes.",
		},
	)
	introsetPublishFails = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "llarp",
			Subsystem: "service",
			Name:      "introset_publish_failures_total",
			Help:      "Number of failed introset publishes.",
		},
	)
	lookupTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "llarp",
			Subsystem: "service",
			Name:      "lookup_timeouts_total",
			Help:      "Number of pending lookups expired by Tick.",
		},
	)
	droppedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "llarp",
			Subsystem: "service",
			Name:      "dropped_frames_total",
			Help:      "Number of inbound frames dropped before delivery.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		prefetchAddrParseFailures,
		unknownOptions,
		introsetPublishes,
		introsetPublishFails,
		lookupTimeouts,
		droppedFrames,
	)
}
