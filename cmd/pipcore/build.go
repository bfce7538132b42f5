// Copyright 2011 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/maruel/pipcore"
)

func newBuildCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run a toy three-node build (A <- B <- C) against an in-memory cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemoBuild(cmd, mode)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "disabled", "build-set frontier mode: disabled, module, all")
	return cmd
}

// runDemoBuild builds the A <- B <- C graph from the worked examples: A has
// no inputs, B depends on A, C depends on B. It dirties A, computes the
// scheduled set, then executes every must-execute node through the cache.
func runDemoBuild(cmd *cobra.Command, modeFlag string) error {
	out := cmd.OutOrStdout()
	start := time.Now()

	const (
		nodeA pipcore.NodeId = iota
		nodeB
		nodeC
	)
	g := pipcore.NewGraph(
		[]*pipcore.PipNode{
			{Id: nodeA, Kind: pipcore.PipProcess, ModuleId: "m1"},
			{Id: nodeB, Kind: pipcore.PipProcess, ModuleId: "m1", FileInputs: []pipcore.NodeId{nodeA}},
			{Id: nodeC, Kind: pipcore.PipProcess, ModuleId: "m2", FileInputs: []pipcore.NodeId{nodeB}},
		},
		[][2]pipcore.NodeId{
			{nodeB, nodeA},
			{nodeC, nodeB},
		},
	)

	tracker := pipcore.NewDirtyTracker(g)
	tracker.MarkMaterialized(nodeA)
	tracker.MarkMaterialized(nodeB)
	tracker.MarkMaterialized(nodeC)
	tracker.MarkDirty(nodeA, nil)

	counters := pipcore.NewCounters()
	logger := pipcore.NopLogger()

	resolver := pipcore.StaticOutputResolver{
		nodeA: {"/out/a"},
		nodeB: {"/out/b"},
		nodeC: {"/out/c"},
	}
	fs := pipcore.NewMemFileSystem()

	calc := pipcore.NewBuildSetCalculator(g, tracker, resolver, fs, counters, logger)

	buildMode := pipcore.ModeDisabled
	switch modeFlag {
	case "module":
		buildMode = pipcore.ModeModule
	case "all":
		buildMode = pipcore.ModeAll
	}

	result, err := calc.Compute(context.Background(), []pipcore.NodeId{nodeA}, pipcore.ComputeOptions{
		ScheduleDependents: true,
		Mode:               buildMode,
	})
	if err != nil {
		return fmt.Errorf("compute build set: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRow(table.Row{"scheduled", fmt.Sprint(result.Scheduled)})
	t.AppendRow(table.Row{"must_execute", fmt.Sprint(result.MustExecute)})
	t.AppendRow(table.Row{"incremental_hit_count", result.IncrementalHitCount})
	t.AppendRow(table.Row{"clean_materialized_frontier", result.CleanMaterializedProcessFrontierCount})
	t.Render()

	store := pipcore.NewMemTwoPhaseStore()
	content := pipcore.NewMemContentStore()
	fp := pipcore.NewFingerprinter()
	cache := pipcore.NewTwoPhaseCache(store, content, fp, counters, logger)
	observed := pipcore.NewObservedInputProcessor(fp)

	sandbox := pipcore.NewRetryingSandbox(pipcore.FuncSandbox(func(ctx context.Context, req pipcore.SandboxRunRequest) (pipcore.SandboxRunResult, error) {
		hash, _ := content.WriteContent([]byte(fmt.Sprintf("output of node %d", req.Node)))
		return pipcore.SandboxRunResult{
			ExitCode: 0,
			Accesses: nil,
			Outputs:  []pipcore.FileMaterializationInfo{{ContentHash: hash, Length: 32}},
		}, nil
	}), pipcore.DefaultRetryPolicy())

	exec := &pipcore.Executor{
		Graph:       g,
		Tracker:     tracker,
		Cache:       cache,
		FP:          fp,
		Observed:    observed,
		Sandbox:     sandbox,
		FS:          fs,
		Materialize: &pipcore.CASMaterializer{Content: content},
		Counters:    counters,
		Logger:      logger,
	}

	pending := pipcore.NewPendingUpdates()
	for _, n := range result.MustExecute {
		decl := pipcore.PipDeclaration{Executable: fmt.Sprintf("node-%d", n)}
		policy := &pipcore.DeclaredInputsPolicy{}
		res := exec.Execute(context.Background(), pipcore.ExecuteRequest{
			Node:        n,
			Declaration: decl,
			Policy:      policy,
		}, pending)
		status := color.GreenString("ok")
		if !res.Succeeded() {
			status = color.RedString("failed")
		}
		fmt.Fprintf(out, "node %d: %s (%s)\n", n, status, res.Duration())
	}
	pending.Apply(tracker)

	fmt.Fprintf(out, "cache hits=%d misses(weak)=%d elapsed=%s\n",
		counters.Hit(), counters.Miss(pipcore.MissWeakFingerprint), humanize.RelTime(start, time.Now(), "", ""))
	return nil
}
