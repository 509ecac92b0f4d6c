package api

import (
	"strings"

	"github.com/jingkaihe/capfs/internal/errx"
	"github.com/jingkaihe/capfs/pkg/vfs"
)

// VFSInterceptionConfig configures host-side VFS interception rules.
type VFSInterceptionConfig struct {
	// EmitEvents enables file-operation event notifications.
	EmitEvents bool `json:"emit_events,omitempty" yaml:"emit_events,omitempty"`

	Rules []VFSHookRule `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// VFSHookRule describes a single interception rule.
type VFSHookRule struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Phase is either "before" or "after".
	// Empty defaults to "before".
	Phase string `json:"phase,omitempty" yaml:"phase,omitempty"`

	// Ops filters operations (for example: read, write, create, open).
	// Empty matches all operations.
	Ops []string `json:"ops,omitempty" yaml:"ops,omitempty"`

	// Path is a path.Match style glob over guest paths (for example:
	// /workspace/*). Empty matches all paths.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Action is one of: allow, block, mutate_write.
	Action string `json:"action" yaml:"action"`

	// Data replaces the payload of matching writes when Action is
	// mutate_write.
	Data string `json:"data,omitempty" yaml:"data,omitempty"`
}

// Active reports whether the config asks for a hook engine at all.
func (c *VFSInterceptionConfig) Active() bool {
	return c != nil && (c.EmitEvents || len(c.Rules) > 0)
}

// HookRules converts the configured rules into engine rules. Unknown ops,
// actions or phases are rejected rather than silently ignored.
func (c *VFSInterceptionConfig) HookRules() ([]vfs.HookRule, error) {
	if c == nil {
		return nil, nil
	}

	rules := make([]vfs.HookRule, 0, len(c.Rules))
	for i, cfgRule := range c.Rules {
		phase, err := parseVFSHookPhase(cfgRule.Phase)
		if err != nil {
			return nil, errx.With(err, " (rule %d)", i)
		}
		action, err := parseVFSHookAction(cfgRule.Action)
		if err != nil {
			return nil, errx.With(err, " (rule %d)", i)
		}
		if phase == vfs.HookPhaseAfter && action != vfs.HookActionAllow {
			return nil, errx.With(ErrAfterRuleAction, " (rule %d): %s", i, action)
		}

		ops := make([]vfs.HookOp, 0, len(cfgRule.Ops))
		for _, opName := range cfgRule.Ops {
			op, err := parseVFSHookOp(opName)
			if err != nil {
				return nil, errx.With(err, " (rule %d)", i)
			}
			ops = append(ops, op)
		}

		rule := vfs.HookRule{
			Name:        cfgRule.Name,
			Phase:       phase,
			Ops:         ops,
			PathPattern: cfgRule.Path,
			Action:      action,
		}
		if action == vfs.HookActionMutateWrite {
			rule.MutateWrite = []byte(cfgRule.Data)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseVFSHookPhase(phase string) (vfs.HookPhase, error) {
	switch strings.ToLower(phase) {
	case "", string(vfs.HookPhaseBefore):
		return vfs.HookPhaseBefore, nil
	case string(vfs.HookPhaseAfter):
		return vfs.HookPhaseAfter, nil
	default:
		return "", errx.With(ErrUnknownHookPhase, " %q", phase)
	}
}

func parseVFSHookAction(action string) (vfs.HookAction, error) {
	switch strings.ToLower(action) {
	case "", string(vfs.HookActionAllow):
		return vfs.HookActionAllow, nil
	case string(vfs.HookActionBlock):
		return vfs.HookActionBlock, nil
	case string(vfs.HookActionMutateWrite):
		return vfs.HookActionMutateWrite, nil
	default:
		return "", errx.With(ErrUnknownHookAction, " %q", action)
	}
}

func parseVFSHookOp(op string) (vfs.HookOp, error) {
	switch name := strings.ToLower(op); name {
	case "read_dir":
		return vfs.HookOpReadDir, nil
	case "rmdir":
		return vfs.HookOpRemoveDir, nil
	case "remove":
		return vfs.HookOpUnlink, nil
	default:
		for _, known := range vfs.HookOps {
			if string(known) == name {
				return known, nil
			}
		}
		return "", errx.With(ErrUnknownHookOp, " %q", op)
	}
}
