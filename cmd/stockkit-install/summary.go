// Copyright (C) 2025 StockKit HQ (oss@stockkit.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/artifact"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/deps"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/entitlement"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/envprobe"
	"github.com/stockkit-hq/installer/cmd/stockkit-install/internal/pyenv"
	"github.com/stockkit-hq/installer/pkg/ux"
)

// summaryLabels holds the console strings per language. The original
// user base is Vietnamese; en is the fallback.
type summaryLabels struct {
	Title      string
	Runtime    string
	Tier       string
	Installed  string
	Prepared   string
	Failed     string
	DepsWarned string
	LogHint    string
	NextSteps  string
}

var labels = map[string]summaryLabels{
	"en": {
		Title:      "StockKit installation summary",
		Runtime:    "Runtime",
		Tier:       "License tier",
		Installed:  "installed",
		Prepared:   "prepared (unconfirmed)",
		Failed:     "FAILED",
		DepsWarned: "Dependency warnings",
		LogHint:    "Full log",
		NextSteps:  "Start with: python -c \"import stockkit\"",
	},
	"vi": {
		Title:      "Kết quả cài đặt StockKit",
		Runtime:    "Môi trường Python",
		Tier:       "Gói bản quyền",
		Installed:  "đã cài đặt",
		Prepared:   "đã chuẩn bị (chưa xác nhận)",
		Failed:     "THẤT BẠI",
		DepsWarned: "Cảnh báo thư viện phụ thuộc",
		LogHint:    "Nhật ký đầy đủ",
		NextSteps:  "Bắt đầu với: python -c \"import stockkit\"",
	},
}

func labelsFor(lang string) summaryLabels {
	if l, ok := labels[lang]; ok {
		return l
	}
	return labels["en"]
}

// Summary accumulates the outcome of one installer run.
type Summary struct {
	RunID        string
	StartedAt    time.Time
	Environment  envprobe.Context
	Runtime      pyenv.RuntimeHandle
	Registration entitlement.Registration
	Registered   bool
	DepsOutcome  deps.Outcome
	Artifacts    []artifact.Result
	BackedUp     bool
	LogFile      string
	Warnings     []string
}

// Warn records a non-fatal problem for the final report.
func (s *Summary) Warn(msg string) {
	s.Warnings = append(s.Warnings, msg)
}

// FailedArtifacts counts artifacts that did not install.
func (s *Summary) FailedArtifacts() int {
	n := 0
	for _, a := range s.Artifacts {
		if a.Status == artifact.StatusFailed {
			n++
		}
	}
	return n
}

// Success is true when every attempted artifact is installed or
// prepared. Dependency warnings do not affect it.
func (s *Summary) Success() bool {
	return s.FailedArtifacts() == 0
}

// Render prints the human-readable summary box.
func (s *Summary) Render(console *ux.Console, lang string) {
	l := labelsFor(lang)

	var b strings.Builder
	b.WriteString(ux.Styles.Title.Render(l.Title))
	b.WriteString("\n\n")

	runtimeDesc := s.Runtime.Python
	if !s.Runtime.Isolated && s.Runtime.FallbackReason != "" {
		runtimeDesc += " (" + s.Runtime.FallbackReason + ")"
	}
	fmt.Fprintf(&b, "%s: %s\n", l.Runtime, runtimeDesc)
	if s.Registered && s.Registration.Tier != "" {
		fmt.Fprintf(&b, "%s: %s (%d/%d devices)\n", l.Tier, s.Registration.Tier,
			s.Registration.DevicesUsed, s.Registration.DeviceLimit)
	}
	b.WriteString("\n")

	for _, a := range s.Artifacts {
		switch a.Status {
		case artifact.StatusInstalled:
			fmt.Fprintf(&b, "%s %s %s %s\n", ux.Styles.StatusOK.String(), a.Name, a.Version, l.Installed)
		case artifact.StatusPrepared:
			fmt.Fprintf(&b, "%s %s %s\n", ux.Styles.StatusWarning.String(), a.Name, l.Prepared)
		default:
			fmt.Fprintf(&b, "%s %s %s: %s\n", ux.Styles.StatusError.String(), a.Name, l.Failed, a.Detail)
		}
	}

	if !s.DepsOutcome.OK {
		fmt.Fprintf(&b, "\n%s:\n", l.DepsWarned)
		for _, reason := range s.DepsOutcome.Reasons {
			fmt.Fprintf(&b, "  - %s\n", reason)
		}
	}
	for _, w := range s.Warnings {
		fmt.Fprintf(&b, "%s %s\n", ux.Styles.StatusWarning.String(), w)
	}

	if s.LogFile != "" {
		fmt.Fprintf(&b, "\n%s: %s\n", l.LogHint, s.LogFile)
	}
	if s.Success() {
		b.WriteString(ux.Styles.Muted.Render(l.NextSteps))
	}

	console.Box(strings.TrimRight(b.String(), "\n"))
}

// jsonSummary is the machine-readable shape for --json runs.
type jsonSummary struct {
	RunID       string            `json:"run_id"`
	Success     bool              `json:"success"`
	Environment string            `json:"environment"`
	Python      string            `json:"python"`
	Isolated    bool              `json:"isolated"`
	Tier        string            `json:"tier,omitempty"`
	DepsOK      bool              `json:"deps_ok"`
	Artifacts   []artifact.Result `json:"artifacts"`
	Warnings    []string          `json:"warnings,omitempty"`
	DurationSec float64           `json:"duration_sec"`
	LogFile     string            `json:"log_file,omitempty"`
}

// JSON renders the machine summary.
func (s *Summary) JSON() ([]byte, error) {
	return json.MarshalIndent(jsonSummary{
		RunID:       s.RunID,
		Success:     s.Success(),
		Environment: string(s.Environment),
		Python:      s.Runtime.Python,
		Isolated:    s.Runtime.Isolated,
		Tier:        s.Registration.Tier,
		DepsOK:      s.DepsOutcome.OK,
		Artifacts:   s.Artifacts,
		Warnings:    s.Warnings,
		DurationSec: time.Since(s.StartedAt).Seconds(),
		LogFile:     s.LogFile,
	}, "", "  ")
}
