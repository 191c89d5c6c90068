// Package stager loads the opaque machine code blobs the injector transplants.
//
// Contracts, all x86-64 and position independent, completion by int3:
//
//	mmap          allocates memory in the target, returns its address in rax
//	thread_clone  starts a thread whose entry point is passed in r11
//	payload       the code the new thread runs
package stager

import (
	"errors"
	"fmt"
	"os"

	"goinject/process"
)

// ErrEmptyArtifact is returned for a zero-length blob.
var ErrEmptyArtifact = errors.New("empty artifact")

// Artifact is one blob of machine code.
type Artifact struct {
	Name string
	Data []byte
}

// Load reads an artifact from path
func Load(name, path string) (Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to read %s artifact: %w", name, err)
	}
	if len(data) == 0 {
		return Artifact{}, fmt.Errorf("%s artifact %s: %w", name, path, ErrEmptyArtifact)
	}
	return Artifact{Name: name, Data: data}, nil
}

// Words returns the artifact packed for ptrace writes, int3 padded
func (a Artifact) Words() []uint64 {
	return process.PackWords(a.Data)
}

// Size returns the padded size in bytes
func (a Artifact) Size() process.ProcessMemorySize {
	return process.ProcessMemorySize(len(a.Words()) * process.WordSize)
}

func (a Artifact) String() string {
	return fmt.Sprintf("%s (%d bytes)", a.Name, len(a.Data))
}

// Set is everything one injection needs.
type Set struct {
	Mmap        Artifact
	ThreadClone Artifact
	Payload     Artifact
}

// LoadSet reads the three artifacts
func LoadSet(mmapPath, threadClonePath, payloadPath string) (Set, error) {
	var set Set
	var err error

	if set.Mmap, err = Load("mmap", mmapPath); err != nil {
		return Set{}, err
	}
	if set.ThreadClone, err = Load("thread_clone", threadClonePath); err != nil {
		return Set{}, err
	}
	if set.Payload, err = Load("payload", payloadPath); err != nil {
		return Set{}, err
	}
	return set, nil
}
