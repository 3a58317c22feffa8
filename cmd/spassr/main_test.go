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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/thediveo/spassr/config"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/thediveo/success"
)

var _ = Describe("command line", func() {

	It("prints version information", func() {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"version"})
		Expect(cmd.Execute()).To(Succeed())
		Expect(out.String()).To(HavePrefix("spassr dev\n"))
		Expect(out.String()).To(ContainSubstring("commit: none"))
	})

	It("refuses to serve without a root directory", func() {
		cmd := newRootCmd()
		cmd.SetOut(io.Discard)
		cmd.SetErr(io.Discard)
		cmd.SetArgs([]string{})
		Expect(cmd.Execute()).To(MatchError(config.ErrInvalid))
	})

	It("refuses more than one root directory", func() {
		cmd := newRootCmd()
		cmd.SetOut(io.Discard)
		cmd.SetErr(io.Discard)
		cmd.SetArgs([]string{"/foo", "/bar"})
		Expect(cmd.Execute()).NotTo(Succeed())
	})

	Context("configuration", func() {

		parse := func(args ...string) (*config.Config, error) {
			GinkgoHelper()
			cmd := newRootCmd()
			Expect(cmd.ParseFlags(args)).To(Succeed())
			return loadConfig(cmd, cmd.Flags().Args())
		}

		It("defaults everything but the root", func() {
			cfg := Successful(parse("./dist"))
			expected := config.Default()
			expected.Root = "./dist"
			Expect(cfg).To(Equal(expected))
		})

		It("applies flags", func() {
			cfg := Successful(parse(
				"--addr", "0.0.0.0:8080",
				"--marker", "<!--ssr-->",
				"--workers", "4",
				"--queue", "8",
				"--chunk-buffer", "0",
				"--lock-os-thread",
				"--base-rewrite",
				"--metrics-addr", "127.0.0.1:9100",
				"--log-level", "debug",
				"--log-format", "json",
				"--trace",
				"./dist"))
			Expect(cfg.Addr).To(Equal("0.0.0.0:8080"))
			Expect(cfg.Marker).To(Equal("<!--ssr-->"))
			Expect(cfg.Workers).To(Equal(4))
			Expect(cfg.QueueSize).To(Equal(8))
			Expect(cfg.ChunkBuffer).To(BeZero())
			Expect(cfg.LockOSThread).To(BeTrue())
			Expect(cfg.BaseRewrite).To(BeTrue())
			Expect(cfg.MetricsAddr).To(Equal("127.0.0.1:9100"))
			Expect(cfg.LogLevel).To(Equal("debug"))
			Expect(cfg.LogFormat).To(Equal("json"))
			Expect(cfg.Trace).To(BeTrue())
		})

		It("overrides the configuration file only with explicitly set flags", func() {
			path := filepath.Join(GinkgoT().TempDir(), "spassr.yaml")
			Expect(os.WriteFile(path, []byte("root: /srv/spa\nworkers: 2\nqueue_size: 16\n"), 0o600)).To(Succeed())
			cfg := Successful(parse("-c", path, "--workers", "3"))
			Expect(cfg.Root).To(Equal("/srv/spa"))
			Expect(cfg.Workers).To(Equal(3))
			Expect(cfg.QueueSize).To(Equal(16))

			cfg = Successful(parse("-c", path, "/srv/other"))
			Expect(cfg.Root).To(Equal("/srv/other"))
		})

		It("rejects invalid flags and configuration files", func() {
			Expect(parse("--workers", "0", "./dist")).Error().To(MatchError(config.ErrInvalid))
			Expect(parse("-c", filepath.Join(GinkgoT().TempDir(), "missing.yaml"))).Error().
				To(MatchError(os.ErrNotExist))
		})

	})

	Context("logging", func() {

		It("logs text at the configured level", func() {
			var out bytes.Buffer
			cfg := config.Default()
			cfg.LogLevel = "warn"
			log := newLogger(&out, cfg)
			log.Info("hidden")
			log.Warn("shown")
			Expect(out.String()).NotTo(ContainSubstring("hidden"))
			Expect(out.String()).To(ContainSubstring("msg=shown"))
		})

		It("logs JSON", func() {
			var out bytes.Buffer
			cfg := config.Default()
			cfg.LogFormat = "json"
			newLogger(&out, cfg).Info("hello", "answer", 42)
			var entry map[string]any
			Expect(json.Unmarshal(out.Bytes(), &entry)).To(Succeed())
			Expect(entry).To(HaveKeyWithValue("msg", "hello"))
			Expect(entry).To(HaveKeyWithValue("answer", BeNumerically("==", 42)))
		})

		It("sets up tracing only when asked to", func() {
			shutdown := Successful(setupTracing(false))
			Expect(shutdown(context.Background())).To(Succeed())
		})

	})

})
