package orchestrator

import (
	"errors"
	"os"
	"syscall"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestNewContainerIDIsNonNegative(t *testing.T) {
	id := NewContainerID()
	if id < 0 {
		t.Errorf("got %d, want non-negative", id)
	}
}

func TestCloneFlagsCoversRequiredNamespaces(t *testing.T) {
	flags := cloneFlags(RequiredNamespaces)
	want := uintptr(syscall.CLONE_NEWPID | syscall.CLONE_NEWNS | syscall.CLONE_NEWUTS |
		syscall.CLONE_NEWIPC | syscall.CLONE_NEWUSER)
	if flags != want {
		t.Errorf("got %#x, want %#x", flags, want)
	}
}

func TestCloneFlagsIgnoresUnrequestedNetworkNamespace(t *testing.T) {
	flags := cloneFlags([]specs.LinuxNamespace{{Type: specs.NetworkNamespace}})
	if flags != uintptr(syscall.CLONE_NEWNET) {
		t.Errorf("got %#x, want CLONE_NEWNET only", flags)
	}
}

func TestClassifySpawnFailureIsFatal(t *testing.T) {
	if got := Classify(PhaseSpawn, errors.New("clone refused")); got != SeverityFatal {
		t.Errorf("got %v, want SeverityFatal", got)
	}
}

func TestClassifyRootfsMaterialiseFailureIsFatal(t *testing.T) {
	if got := Classify(PhaseRootfsMaterialise, errors.New("overlay refused")); got != SeverityFatal {
		t.Errorf("got %v, want SeverityFatal", got)
	}
}

func TestClassifyPivotFailureIsFatal(t *testing.T) {
	if got := Classify(PhasePivot, errors.New("chroot refused")); got != SeverityFatal {
		t.Errorf("got %v, want SeverityFatal", got)
	}
}

func TestClassifyAuxiliaryFailureIsDegrading(t *testing.T) {
	if got := Classify(PhaseAuxiliary, errors.New("mount refused")); got != SeverityDegrading {
		t.Errorf("got %v, want SeverityDegrading", got)
	}
}

func TestClassifyProvisioningExistingDirIsSilent(t *testing.T) {
	if got := Classify(PhaseProvisioning, os.ErrExist); got != SeveritySilent {
		t.Errorf("got %v, want SeveritySilent", got)
	}
}

func TestClassifyNilErrorIsSilent(t *testing.T) {
	if got := Classify(PhaseAuxiliary, nil); got != SeveritySilent {
		t.Errorf("got %v, want SeveritySilent", got)
	}
}

func TestRendezvousOrdering(t *testing.T) {
	rv, err := NewRendezvous()
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- Wait(rv.ReadFile())
	}()

	if err := rv.Release(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
