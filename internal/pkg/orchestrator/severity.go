package orchestrator

import (
	"errors"
	"os"
)

// Severity classifies a failure the orchestrator observes from one of its
// components, per the design's error-handling policy (spec section on
// error categories): Fatal aborts the whole run, Degrading is logged and
// the run continues, Silent is expected and not even logged at warning
// level.
type Severity int

const (
	SeverityFatal Severity = iota
	SeverityDegrading
	SeveritySilent
)

// Phase identifies which step of the state machine produced an error, so
// Classify can apply the right policy: the same error.Error() string
// ("operation not permitted") is Fatal during spawn but meaningless
// outside it.
type Phase int

const (
	PhaseSpawn Phase = iota
	PhaseBaseImageBuild
	PhaseGuestExec
	PhaseRootfsMaterialise
	PhasePivot
	PhaseAuxiliary
	PhaseProvisioning
)

// Classify applies the orchestrator's severity policy. Spawn failure, base
// image build failure, rootfs materialisation failure, pivot failure, and
// guest exec failure are always Fatal regardless of the underlying error:
// each one leaves the child with no usable container to run the guest in,
// the same set of calls original_source/main.c's container_init aborts on
// immediately. Every other phase is Degrading unless the error indicates
// an expected, benign condition (a pre-existing directory, a missing
// optional binary), which is Silent.
func Classify(phase Phase, err error) Severity {
	if err == nil {
		return SeveritySilent
	}

	switch phase {
	case PhaseSpawn, PhaseBaseImageBuild, PhaseGuestExec, PhaseRootfsMaterialise, PhasePivot:
		return SeverityFatal
	case PhaseProvisioning:
		if errors.Is(err, os.ErrExist) || errors.Is(err, os.ErrNotExist) {
			return SeveritySilent
		}
		return SeverityDegrading
	default: // PhaseAuxiliary: cgroup writes, mount refusals, id-map rejections
		return SeverityDegrading
	}
}
