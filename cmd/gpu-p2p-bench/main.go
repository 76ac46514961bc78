/**
# Copyright 2024 NVIDIA CORPORATION
#
# Licensed under the Apache License, Version 2.0 (the "License");
# you may not use this file except in compliance with the License.
# You may obtain a copy of the License at
#
#     http://www.apache.org/licenses/LICENSE-2.0
#
# Unless required by applicable law or agreed to in writing, software
# distributed under the License is distributed on an "AS IS" BASIS,
# WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
# See the License for the specific language governing permissions and
# limitations under the License.
**/

package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/NVIDIA/gpu-p2p-bench/internal/bench"
	"github.com/NVIDIA/gpu-p2p-bench/internal/hal"
	"github.com/NVIDIA/gpu-p2p-bench/internal/hal/cudart"
	"github.com/NVIDIA/gpu-p2p-bench/internal/hal/sim"
	"github.com/NVIDIA/gpu-p2p-bench/internal/info"
	"github.com/NVIDIA/gpu-p2p-bench/internal/nvtopo"
	"github.com/NVIDIA/gpu-p2p-bench/internal/report"
)

const (
	backendCUDA = "cuda"
	backendSim  = "sim"
)

type options struct {
	p2pRead      bool
	backend      string
	simTopology  string
	simDevices   int
	repeat       int
	latRepeat    int
	bufferMiB    int
	skipTopology bool
}

func main() {
	opts := &options{}

	if err := newApp(opts).Run(os.Args); err != nil {
		klog.Error(err)
		os.Exit(1)
	}
}

// newApp builds the cli application. Device work happens only inside
// the action, so help and version output touch no runtime.
func newApp(opts *options) *cli.App {
	c := cli.NewApp()
	c.Name = "gpu-p2p-bench"
	c.Usage = "measure pairwise GPU transfer bandwidth and latency with and without peer-to-peer access"
	c.Version = info.GetVersionString()
	c.Action = func(ctx *cli.Context) error {
		klog.InfoS("Starting "+ctx.App.Name, "version", ctx.App.Version)
		return run(opts)
	}

	c.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:        "p2p_read",
			Usage:       "also measure with the Read transfer policy (source pulls from the peer) where applicable",
			Destination: &opts.p2pRead,
			EnvVars:     []string{"P2P_READ"},
		},
		&cli.StringFlag{
			Name:        "backend",
			Value:       backendCUDA,
			Usage:       "the runtime to measure:\n\t\t[cuda | sim]",
			Destination: &opts.backend,
			EnvVars:     []string{"BACKEND"},
		},
		&cli.StringFlag{
			Name:        "sim-topology",
			Usage:       "the path to a YAML topology file for the sim backend",
			Destination: &opts.simTopology,
			EnvVars:     []string{"SIM_TOPOLOGY"},
		},
		&cli.IntFlag{
			Name:        "sim-devices",
			Value:       4,
			Usage:       "the number of generated devices for the sim backend when no topology file is given",
			Destination: &opts.simDevices,
			EnvVars:     []string{"SIM_DEVICES"},
		},
		&cli.IntFlag{
			Name:        "repeat",
			Value:       100,
			Usage:       "copy repetitions per bandwidth measurement",
			Destination: &opts.repeat,
			EnvVars:     []string{"REPEAT"},
		},
		&cli.IntFlag{
			Name:        "latency-repeat",
			Value:       100,
			Usage:       "copy repetitions per latency measurement",
			Destination: &opts.latRepeat,
			EnvVars:     []string{"LATENCY_REPEAT"},
		},
		&cli.IntFlag{
			Name:        "buffer-mib",
			Value:       40,
			Usage:       "transfer buffer size in MiB for bandwidth measurements",
			Destination: &opts.bufferMiB,
			EnvVars:     []string{"BUFFER_MIB"},
		},
		&cli.BoolFlag{
			Name:        "skip-topology-report",
			Usage:       "skip the NVML interconnect topology report",
			Destination: &opts.skipTopology,
			EnvVars:     []string{"SKIP_TOPOLOGY_REPORT"},
		},
	}

	return c
}

func validateOptions(opts *options) error {
	if opts.backend != backendCUDA && opts.backend != backendSim {
		return fmt.Errorf("invalid --backend option: %v", opts.backend)
	}
	if opts.repeat < 1 || opts.latRepeat < 1 {
		return fmt.Errorf("repeat counts must be positive")
	}
	if opts.bufferMiB < 1 {
		return fmt.Errorf("invalid --buffer-mib option: %v", opts.bufferMiB)
	}
	return nil
}

var newRuntime = func(opts *options) (hal.Runtime, []bench.Option, error) {
	switch opts.backend {
	case backendSim:
		cfg := sim.DefaultConfig(opts.simDevices)
		if opts.simTopology != "" {
			loaded, err := sim.LoadConfig(opts.simTopology)
			if err != nil {
				return nil, nil, err
			}
			cfg = loaded
		}
		rt, err := sim.New(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to create sim runtime: %w", err)
		}
		// The sim's virtual host clock keeps the host-side latency
		// numbers deterministic too.
		return rt, []bench.Option{bench.WithTimeSource(rt.HostClock)}, nil
	default:
		rt, err := cudart.New()
		if err != nil {
			return nil, nil, fmt.Errorf("unable to create CUDA runtime: %w", err)
		}
		return rt, nil, nil
	}
}

func run(opts *options) error {
	if err := validateOptions(opts); err != nil {
		return err
	}

	rt, engineOpts, err := newRuntime(opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			klog.Errorf("Error closing runtime: %v", err)
		}
	}()

	engineOpts = append(engineOpts,
		bench.WithRepeat(opts.repeat),
		bench.WithLatencyRepeat(opts.latRepeat),
		bench.WithBufferBytes(int64(opts.bufferMiB)*1024*1024),
	)
	engine, err := bench.New(rt, engineOpts...)
	if err != nil {
		return err
	}
	klog.Infof("Found %d devices", engine.DeviceCount())

	props := make([]hal.Properties, engine.DeviceCount())
	for i := range props {
		p, err := rt.DeviceProperties(i)
		if err != nil {
			return fmt.Errorf("query properties of device %d: %w", i, err)
		}
		props[i] = p
	}
	fmt.Print(report.FormatDeviceList(props))
	fmt.Println()

	if opts.backend == backendCUDA && !opts.skipTopology {
		topo, err := nvtopo.Collect()
		if err != nil {
			klog.Warningf("Skipping interconnect topology report: %v", err)
		} else {
			fmt.Print(topo.Format())
			fmt.Println()
		}
	}

	fmt.Println("P2P Connectivity Matrix")
	fmt.Print(report.FormatConnectivity(engine.Capabilities()))
	fmt.Println()

	if err := printBandwidth(engine, opts); err != nil {
		return err
	}
	return printLatency(engine, opts)
}

func printMatrix(title string, m *bench.Matrix) {
	fmt.Println(title)
	fmt.Print(report.FormatMatrix(m, report.DefaultCellWidth))
	fmt.Println()
}

func printBandwidth(engine *bench.Engine, opts *options) error {
	m, err := engine.MeasureUnidirectional(false, bench.PolicyWrite)
	if err != nil {
		return err
	}
	printMatrix("Unidirectional P2P=Disabled Bandwidth Matrix (GB/s)", m)

	m, err = engine.MeasureUnidirectional(true, bench.PolicyWrite)
	if err != nil {
		return err
	}
	printMatrix("Unidirectional P2P=Enabled Bandwidth Matrix (GB/s)", m)

	if opts.p2pRead {
		m, err = engine.MeasureUnidirectional(true, bench.PolicyRead)
		if err != nil {
			return err
		}
		printMatrix("Unidirectional P2P=Enabled Bandwidth (Read) Matrix (GB/s)", m)
	}

	m, err = engine.MeasureBidirectional(false)
	if err != nil {
		return err
	}
	printMatrix("Bidirectional P2P=Disabled Bandwidth Matrix (GB/s)", m)

	m, err = engine.MeasureBidirectional(true)
	if err != nil {
		return err
	}
	printMatrix("Bidirectional P2P=Enabled Bandwidth Matrix (GB/s)", m)
	return nil
}

func printLatency(engine *bench.Engine, opts *options) error {
	gpu, cpu, err := engine.MeasureLatency(false, bench.PolicyWrite)
	if err != nil {
		return err
	}
	printMatrix("P2P=Disabled Latency Matrix (us)", gpu)
	printMatrix("CPU P2P=Disabled Latency Matrix (us)", cpu)

	gpu, cpu, err = engine.MeasureLatency(true, bench.PolicyWrite)
	if err != nil {
		return err
	}
	printMatrix("P2P=Enabled Latency Matrix (us)", gpu)
	printMatrix("CPU P2P=Enabled Latency Matrix (us)", cpu)

	if opts.p2pRead {
		gpu, cpu, err = engine.MeasureLatency(true, bench.PolicyRead)
		if err != nil {
			return err
		}
		printMatrix("P2P=Enabled Latency (Read) Matrix (us)", gpu)
		printMatrix("CPU P2P=Enabled Latency (Read) Matrix (us)", cpu)
	}
	return nil
}
