package process

import (
	"fmt"

	"github.com/chazu/vproc/manifest"
)

// Capability names a role a host can ask a process to fulfil.
type Capability int

const (
	CapProcess Capability = iota + 1
	CapVirtualProcess
	CapDebugTarget
	CapLaunch
	CapLaunchConfiguration
)

func (c Capability) String() string {
	switch c {
	case CapProcess:
		return "process"
	case CapVirtualProcess:
		return "virtual-process"
	case CapDebugTarget:
		return "debug-target"
	case CapLaunch:
		return "launch"
	case CapLaunchConfiguration:
		return "launch-configuration"
	default:
		return fmt.Sprintf("capability(%d)", int(c))
	}
}

// Adapter is the result of a capability query. Capability tells which
// field is set.
type Adapter struct {
	Capability     Capability
	Process        Process
	VirtualProcess *VirtualProcess
	DebugTarget    DebugTarget
	Launch         Launch
	Configuration  *manifest.Manifest
}

// As resolves c against p. The second result is false when the role is
// unsupported or cannot be resolved, such as a debug target that is not
// registered or a process without a launch. Absence is not an error.
func (p *VirtualProcess) As(c Capability) (Adapter, bool) {
	switch c {
	case CapProcess:
		return Adapter{Capability: c, Process: p}, true
	case CapVirtualProcess:
		return Adapter{Capability: c, VirtualProcess: p}, true
	case CapDebugTarget:
		if t := p.DebugTarget(); t != nil {
			return Adapter{Capability: c, DebugTarget: t}, true
		}
	case CapLaunch:
		if p.launch != nil {
			return Adapter{Capability: c, Launch: p.launch}, true
		}
	case CapLaunchConfiguration:
		if p.launch != nil {
			if cfg := p.launch.Configuration(); cfg != nil {
				return Adapter{Capability: c, Configuration: cfg}, true
			}
		}
	}
	return Adapter{}, false
}

// DebugTarget returns the debug target of p's launch whose process is p,
// or nil.
func (p *VirtualProcess) DebugTarget() DebugTarget {
	if p.launch == nil {
		return nil
	}
	for _, t := range p.launch.DebugTargets() {
		if t == nil {
			continue
		}
		if vp, ok := t.Process().(*VirtualProcess); ok && vp == p {
			return t
		}
	}
	return nil
}
