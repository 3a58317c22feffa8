// Copyright 2024 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy
// of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package config_test

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/thediveo/spassr/config"
	. "github.com/thediveo/success"
)

var _ = Describe("configuration", func() {

	It("applies defaults to an empty configuration", func() {
		cfg := Successful(config.Parse([]byte("")))
		Expect(cfg).To(Equal(config.Default()))
		Expect(cfg.Addr).To(Equal("127.0.0.1:8000"))
		Expect(cfg.Marker).To(Equal("<body>"))
		Expect(cfg.Workers).To(Equal(1))
		Expect(cfg.ShutdownTimeout.Duration()).To(Equal(10 * time.Second))
	})

	It("parses a full configuration", func() {
		cfg := Successful(config.Parse([]byte(`
addr: 0.0.0.0:8080
root: ./dist
index: shell.html
marker: "<!--ssr-->"
workers: 4
queue_size: 64
chunk_buffer: 0
lock_os_thread: true
error_marker: "<!-- oops -->"
base_rewrite: true
metrics_addr: 127.0.0.1:9100
log_level: debug
log_format: json
trace: true
shutdown_timeout: 1m30s
`)))
		Expect(*cfg).To(Equal(config.Config{
			Addr:            "0.0.0.0:8080",
			Root:            "./dist",
			Index:           "shell.html",
			Marker:          "<!--ssr-->",
			Workers:         4,
			QueueSize:       64,
			ChunkBuffer:     0,
			LockOSThread:    true,
			ErrorMarker:     "<!-- oops -->",
			BaseRewrite:     true,
			MetricsAddr:     "127.0.0.1:9100",
			LogLevel:        "debug",
			LogFormat:       "json",
			Trace:           true,
			ShutdownTimeout: config.Duration(90 * time.Second),
		}))
	})

	It("keeps defaults for unset fields", func() {
		cfg := Successful(config.Parse([]byte("workers: 3\n")))
		Expect(cfg.Workers).To(Equal(3))
		Expect(cfg.QueueSize).To(Equal(config.DefaultQueueSize))
		Expect(cfg.ChunkBuffer).To(Equal(config.DefaultChunkBuffer))
	})

	DescribeTable("rejects invalid configurations",
		func(yaml string, expected string) {
			_, err := config.Parse([]byte(yaml))
			Expect(err).To(MatchError(config.ErrInvalid))
			Expect(err).To(MatchError(ContainSubstring(expected)))
		},
		Entry("address without port", "addr: localhost", "addr"),
		Entry("bad metrics address", "metrics_addr: nowhere", "metrics_addr"),
		Entry("empty index", `index: ""`, "index"),
		Entry("empty marker", `marker: ""`, "marker"),
		Entry("no workers", "workers: 0", "workers"),
		Entry("no queue", "queue_size: 0", "queue_size"),
		Entry("negative chunk buffer", "chunk_buffer: -1", "chunk_buffer"),
		Entry("zero shutdown timeout", "shutdown_timeout: 0s", "shutdown_timeout"),
		Entry("unknown log level", "log_level: chatty", "log_level"),
		Entry("unknown log format", "log_format: xml", "log_format"),
	)

	It("rejects malformed YAML and durations", func() {
		Expect(config.Parse([]byte("workers: [1"))).Error().To(MatchError(ContainSubstring("failed to parse config")))
		Expect(config.Parse([]byte("shutdown_timeout: soon"))).Error().To(MatchError(ContainSubstring(`invalid duration "soon"`)))
	})

	It("loads a configuration file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "spassr.yaml")
		Expect(os.WriteFile(path, []byte("root: /srv/spa\nlog_level: warn\n"), 0o600)).To(Succeed())
		cfg := Successful(config.Load(path))
		Expect(cfg.Root).To(Equal("/srv/spa"))
		Expect(cfg.LogLevel).To(Equal("warn"))
	})

	It("reports missing configuration files", func() {
		_, err := config.Load(filepath.Join(GinkgoT().TempDir(), "missing.yaml"))
		Expect(err).To(MatchError(fs.ErrNotExist))
	})

})
