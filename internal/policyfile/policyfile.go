// Package policyfile loads the YAML seed policy and turns it into policy
// operations for a fresh store.
package policyfile

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/hush/internal/triage"
)

//go:embed default-policy.yaml
var defaultPolicy []byte

// File mirrors the seed policy document.
type File struct {
	Global Global             `yaml:"global"`
	Apps   map[string]AppSpec `yaml:"apps"`
}

// Global holds the cross-app lists and the digest schedule.
type Global struct {
	VIPSenders       []string               `yaml:"vip_senders"`
	PriorityKeywords []string               `yaml:"priority_keywords"`
	SuppressPatterns []string               `yaml:"suppress_patterns"`
	DigestSchedule   []triage.ScheduleEntry `yaml:"digest_schedule"`
}

// AppSpec is one per-app rule. A missing ingest key means true.
type AppSpec struct {
	Ingest           *bool    `yaml:"ingest"`
	DefaultAction    string   `yaml:"default_action"`
	EscalateKeywords []string `yaml:"escalate_keywords"`
}

// Default returns the embedded seed policy.
func Default() (*File, error) {
	return Parse(defaultPolicy)
}

// Load reads the seed policy at path, or the embedded default when path is
// empty.
func Load(path string) (*File, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a seed policy document. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return &f, nil
}

// Ops converts the document into policy operations, validating each one.
// Apps are emitted in name order so seeding is deterministic.
func (f *File) Ops(now time.Time) ([]triage.PolicyOp, error) {
	var ops []triage.PolicyOp
	add := func(kind triage.OpKind, targets []string) {
		for _, t := range targets {
			ops = append(ops, triage.PolicyOp{Kind: kind, Target: t})
		}
	}
	add(triage.OpAddVIP, f.Global.VIPSenders)
	add(triage.OpAddKeyword, f.Global.PriorityKeywords)
	add(triage.OpAddSuppressPattern, f.Global.SuppressPatterns)

	apps := make([]string, 0, len(f.Apps))
	for app := range f.Apps {
		apps = append(apps, app)
	}
	slices.Sort(apps)
	for _, app := range apps {
		spec := f.Apps[app]
		rule := triage.NewAppRule(app)
		if spec.Ingest != nil {
			rule.Ingest = *spec.Ingest
		}
		if spec.DefaultAction != "" {
			rule.DefaultAction = triage.Action(strings.ToLower(spec.DefaultAction))
		}
		rule.EscalateKeywords = spec.EscalateKeywords
		ops = append(ops, triage.PolicyOp{Kind: triage.OpSetAppRule, Target: app, Rule: &rule})
	}

	if len(f.Global.DigestSchedule) > 0 {
		ops = append(ops, triage.PolicyOp{Kind: triage.OpSetDigestSchedule, Schedule: f.Global.DigestSchedule})
	}

	var errs []error
	for i := range ops {
		if err := ops[i].Validate(now); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ops[i].Describe(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return ops, nil
}

// Manager is the subset of *triage.Service used for seeding.
type Manager interface {
	Policy(ctx context.Context) (*triage.Policy, error)
	ManagePolicy(ctx context.Context, op triage.PolicyOp) (*triage.PolicyChange, error)
}

// Seed applies f to a store whose policy has never been written. A store
// with any prior policy change is left alone so user edits survive
// restarts. It returns the number of operations that changed the policy.
func Seed(ctx context.Context, m Manager, f *File, now time.Time) (int, error) {
	p, err := m.Policy(ctx)
	if err != nil {
		return 0, err
	}
	if p.Version > 0 {
		return 0, nil
	}
	ops, err := f.Ops(now)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, op := range ops {
		c, err := m.ManagePolicy(ctx, op)
		if err != nil {
			return changed, fmt.Errorf("seed %s: %w", op.Describe(), err)
		}
		if c.Changed {
			changed++
		}
	}
	return changed, nil
}
