// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/antimetal/ucqcf/internal/config"
	"github.com/antimetal/ucqcf/pkg/boot"
	"github.com/antimetal/ucqcf/pkg/boot/scripted"
	"github.com/antimetal/ucqcf/pkg/boot/x86"
	"github.com/antimetal/ucqcf/pkg/domain"
	"github.com/antimetal/ucqcf/pkg/topology"
	"github.com/antimetal/ucqcf/pkg/ucqcferr"
)

var log logr.Logger

func main() {
	if len(os.Args) > 1 && os.Args[1] == "inspect" {
		runInspect()
		return
	}
	runBoot()
}

// initLogger wires the zap-backed logr the whole chain logs through.
// Production config by default; -debug switches to the development config.
func initLogger(debug bool) {
	newZap := zap.NewProduction
	if debug {
		newZap = zap.NewDevelopment
	}
	zapLog, err := newZap()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	log = zapr.NewLogger(zapLog).WithName("ucqcfd")
}

func selectProvider(kind config.ProviderKind, fixturePath string) (boot.ProbeProvider, error) {
	switch kind {
	case config.ProviderX86cpuid, "":
		return x86.New(), nil
	case config.ProviderScripted:
		if fixturePath == "" {
			return scripted.Default(), nil
		}
		facts, err := scripted.Load(fixturePath)
		if err != nil {
			return nil, err
		}
		return scripted.New(facts), nil
	default:
		return nil, fmt.Errorf("ucqcfd: unknown provider %q", kind)
	}
}

// runChain drives the full probe -> validate -> seal chain for all three
// stages, printing every accumulated diagnostic at each stage and exiting 1
// on the first HardFail: print every accumulated error and exit on HardFail,
// print and continue on Warn, print nothing beyond a summary line on Accept.
func runChain(configPath string, providerOverride config.ProviderKind, fixtureOverride string) *domain.SealedDomainGraph {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ucqcfd:", err)
		os.Exit(1)
	}
	providerKind := cfg.Boot.Provider
	if providerOverride != "" {
		providerKind = providerOverride
	}
	fixturePath := cfg.Boot.FixturePath
	if fixtureOverride != "" {
		fixturePath = fixtureOverride
	}

	provider, err := selectProvider(providerKind, fixturePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ucqcfd:", err)
		os.Exit(1)
	}

	facts := boot.New(log)
	if err := facts.Probe(provider); err != nil {
		fmt.Fprintln(os.Stderr, "ucqcfd: boot probe failed:", err)
		os.Exit(1)
	}
	bootCtx := ucqcferr.NewValidationContext()
	sev := facts.Validate(bootCtx)
	bootCtx.Print(os.Stdout)
	if !sev.AllowsBoot() {
		os.Exit(1)
	}
	sealedFacts, err := facts.Seal()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ucqcfd: boot seal failed:", err)
		os.Exit(1)
	}

	topo, err := topology.Init(log, sealedFacts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ucqcfd:", err)
		os.Exit(1)
	}
	coreProvider, ok := provider.(topology.CoreProvider)
	if !ok {
		fmt.Fprintln(os.Stderr, "ucqcfd: provider does not support per-core geometry probing")
		os.Exit(1)
	}
	if err := topo.ProbeAllCores(coreProvider); err != nil {
		fmt.Fprintln(os.Stderr, "ucqcfd: topology probe failed:", err)
		os.Exit(1)
	}
	if err := topo.BuildCacheIsolationMatrix(); err != nil {
		fmt.Fprintln(os.Stderr, "ucqcfd:", err)
		os.Exit(1)
	}
	topoCtx := ucqcferr.NewValidationContext()
	sev = topo.Validate(topoCtx)
	topoCtx.Print(os.Stdout)
	if !sev.AllowsBoot() {
		os.Exit(1)
	}
	sealedTopo, err := topo.Seal()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ucqcfd: topology seal failed:", err)
		os.Exit(1)
	}

	graph, err := domain.Init(log, sealedFacts, sealedTopo)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ucqcfd:", err)
		os.Exit(1)
	}
	for _, spec := range cfg.Domains {
		if err := graph.Add(spec.ToDomain()); err != nil {
			fmt.Fprintln(os.Stderr, "ucqcfd: domain graph:", err)
			os.Exit(1)
		}
	}
	domainCtx := ucqcferr.NewValidationContext()
	sev = graph.Validate(domainCtx)
	domainCtx.Print(os.Stdout)
	if !sev.AllowsBoot() {
		os.Exit(1)
	}
	sealedGraph, err := graph.Seal()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ucqcfd: domain graph seal failed:", err)
		os.Exit(1)
	}

	fmt.Fprintln(os.Stdout, "boot: Accept")
	return sealedGraph
}

// runBoot drives the full chain and exits 0 on success, the normal boot-time
// entry point.
func runBoot() {
	fs := flag.NewFlagSet("ucqcfd", flag.ExitOnError)
	configPath := fs.String("config", "domains.toml", "path to domains.toml")
	providerFlag := fs.String("provider", "", "override boot provider (x86cpuid|scripted)")
	fixtureFlag := fs.String("fixture", "", "override scripted provider fixture path")
	debug := fs.Bool("debug", false, "use zap's development config")
	fs.Parse(os.Args[1:])

	initLogger(*debug)
	runChain(*configPath, config.ProviderKind(*providerFlag), *fixtureFlag)
}

// runInspect drives the same chain and additionally dumps the sealed
// DomainGraph as JSON, read-only, for operator debugging after seal.
func runInspect() {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	configPath := fs.String("config", "domains.toml", "path to domains.toml")
	providerFlag := fs.String("provider", "", "override boot provider (x86cpuid|scripted)")
	fixtureFlag := fs.String("fixture", "", "override scripted provider fixture path")
	debug := fs.Bool("debug", false, "use zap's development config")
	fs.Parse(os.Args[2:])

	initLogger(*debug)
	sealed := runChain(*configPath, config.ProviderKind(*providerFlag), *fixtureFlag)
	graph := sealed.Graph()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	summary := make([]map[string]any, 0, len(graph.Domains()))
	for _, d := range graph.Domains() {
		name, _ := d.Name.Get()
		summary = append(summary, map[string]any{
			"id":    d.ID,
			"name":  name,
			"cores": d.Cores.Members(),
		})
	}
	enc.Encode(summary)
}
