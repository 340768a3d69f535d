package capture

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"
)

// command is the exec entry point, replaceable in tests.
var command = exec.Command

// Supervisor starts, tracks, and terminates one tcpdump subprocess per
// (runner, family) pair. It is not safe for concurrent use; the agent
// serializes access under its state lock.
type Supervisor struct {
	iface       string
	outputDir   string
	stopTimeout time.Duration
	profiles    map[string]Profile
	procs       map[Key]*exec.Cmd
}

// SupervisorConfig holds the static capture settings.
type SupervisorConfig struct {
	Interface   string
	OutputDir   string
	StopTimeout time.Duration
	Profiles    map[string]Profile
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	return &Supervisor{
		iface:       cfg.Interface,
		outputDir:   cfg.OutputDir,
		stopTimeout: cfg.StopTimeout,
		profiles:    cfg.Profiles,
		procs:       make(map[Key]*exec.Cmd),
	}
}

// Start launches one capture subprocess per runner and IP family. Unknown
// runners are rejected before anything is launched. A subprocess that fails
// to start is logged and skipped; its missing output file surfaces later in
// the pipeline. Start never waits on capture progress.
func (s *Supervisor) Start(runID string, runners []string) error {
	for _, runner := range runners {
		if _, ok := s.profiles[runner]; !ok {
			return fmt.Errorf("unknown runner %q", runner)
		}
	}
	if err := os.MkdirAll(s.outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create capture directory: %v", err)
	}
	for _, runner := range runners {
		profile := s.profiles[runner]
		for _, family := range Families {
			key := Key{Runner: runner, Family: family}
			out := PCAPPath(s.outputDir, runID, key)
			args := []string{
				"-i", s.iface,
				"-w", out,
				"-s", "0", // capture entire packets
				"--immediate-mode",
				profile.Filters[family],
			}
			log.Printf("[capture] START %s: tcpdump %v", key, args)
			cmd := command("tcpdump", args...)
			if err := cmd.Start(); err != nil {
				log.Printf("[capture] failed to start %s: %v", key, err)
				continue
			}
			s.procs[key] = cmd
		}
	}
	return nil
}

// Stop sends SIGTERM to every tracked subprocess, waits up to the stop
// timeout for each to exit and flush its pcap, and kills stragglers. The
// process table is cleared unconditionally; files already on disk are used
// as-is regardless of exit codes.
func (s *Supervisor) Stop() {
	log.Printf("[capture] stopping %d capture processes", len(s.procs))
	for key, cmd := range s.procs {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			log.Printf("[capture] signal %s: %v", key, err)
		}
	}
	for key, cmd := range s.procs {
		exited := make(chan error, 1)
		go func() { exited <- cmd.Wait() }()
		select {
		case err := <-exited:
			if err != nil {
				log.Printf("[capture] %s exited: %v", key, err)
			} else {
				log.Printf("[capture] %s exited cleanly", key)
			}
		case <-time.After(s.stopTimeout):
			log.Printf("[capture] %s did not exit within %v, killing", key, s.stopTimeout)
			_ = cmd.Process.Kill()
			<-exited
		}
	}
	s.procs = make(map[Key]*exec.Cmd)
}

// Keys returns the tracked capture keys in sorted order.
func (s *Supervisor) Keys() []Key {
	keys := make([]Key, 0, len(s.procs))
	for k := range s.procs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Count returns the number of tracked subprocesses.
func (s *Supervisor) Count() int {
	return len(s.procs)
}
