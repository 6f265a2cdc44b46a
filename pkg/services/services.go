// Package services is the reference implementation of
// collaborator.ContainerBackend: it starts and stops a package's
// declared services as real child processes and reads a mounted
// image's manifest from a JSON file at its root. Each service's
// process description is shaped as an opencontainers/runtime-spec
// specs.Process even though it is exec'd directly, so a
// container-runtime-backed implementation can slot in without
// changing callers.
package services

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/chefpack/chefd/pkg/collaborator"
)

type runningService struct {
	cmd  *exec.Cmd
	spec *specs.Process
}

// Backend is the reference ContainerBackend.
type Backend struct {
	mu      sync.Mutex
	running map[string]*runningService // "publisher/pkg/service" -> process
}

// New creates an empty Backend.
func New() *Backend {
	return &Backend{running: make(map[string]*runningService)}
}

func serviceKey(publisher, pkg string, svc collaborator.ServiceEntry) string {
	return publisher + "/" + pkg + "/" + svc.Name
}

// processSpec shapes svc into an OCI process description; Backend
// never needs the rest of a full OCI runtime spec since it execs
// services directly rather than through a container runtime.
func processSpec(svc collaborator.ServiceEntry) *specs.Process {
	return &specs.Process{
		Args: svc.Exec,
		Env:  svc.Env,
		Cwd:  "/",
	}
}

// StartService implements collaborator.ContainerBackend.
func (b *Backend) StartService(publisher, pkg string, svc collaborator.ServiceEntry) error {
	if len(svc.Exec) == 0 {
		return fmt.Errorf("service %s declares no exec command", svc.Name)
	}
	spec := processSpec(svc)

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Cwd
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting service %s: %w", svc.Name, err)
	}

	b.mu.Lock()
	b.running[serviceKey(publisher, pkg, svc)] = &runningService{cmd: cmd, spec: spec}
	b.mu.Unlock()

	go func() { _ = cmd.Wait() }()
	return nil
}

// StopService implements collaborator.ContainerBackend.
func (b *Backend) StopService(publisher, pkg string, svc collaborator.ServiceEntry) error {
	k := serviceKey(publisher, pkg, svc)

	b.mu.Lock()
	rs, ok := b.running[k]
	delete(b.running, k)
	b.mu.Unlock()

	if !ok || rs.cmd.Process == nil {
		return nil
	}
	if err := rs.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("stopping service %s: %w", svc.Name, err)
	}
	return nil
}

// RunningServices implements collaborator.ContainerBackend.
func (b *Backend) RunningServices(publisher, pkg string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	prefix := publisher + "/" + pkg + "/"
	var names []string
	for k := range b.running {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			names = append(names, k[len(prefix):])
		}
	}
	return names
}

// manifestFile is the well-known file at a mounted image's root
// describing its exported commands and services.
const manifestFile = "manifest.json"

type manifestDoc struct {
	Commands []collaborator.CommandEntry `json:"commands"`
	Services []collaborator.ServiceEntry `json:"services"`
}

// ReadManifest implements collaborator.ContainerBackend.
func (b *Backend) ReadManifest(mountpoint string) (*collaborator.Manifest, error) {
	path := filepath.Join(mountpoint, manifestFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		// A pack with no manifest file declares no commands or services.
		return &collaborator.Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var doc manifestDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &collaborator.Manifest{Commands: doc.Commands, Services: doc.Services}, nil
}
