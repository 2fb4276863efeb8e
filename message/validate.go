package message

import (
	"github.com/relaygrid/space/errs"
)

// Validate checks the structural invariants spec.md §4.1 requires before a
// message may be handed to a transport: to and action.name are non-empty
// strings, action.name is not a reserved reply name, and the reserved meta
// keys, if set, are the right type. It does not inspect action.args; a nil
// args map is accepted and Stamp replaces it with an empty one.
func Validate(p Partial) error {
	if p.To == "" {
		return errs.New(errs.SchemaError, "to is required")
	}
	if p.Action.Name == "" {
		return errs.New(errs.SchemaError, "action.name is required")
	}
	if p.Action.Name == ActionResponse || p.Action.Name == ActionError {
		// callers never send reply actions directly; the runtime emits them
		return errs.New(errs.SchemaError, "action name %q is reserved", p.Action.Name)
	}
	if p.Meta != nil {
		if v, ok := p.Meta[MetaID]; ok {
			if _, isString := v.(string); !isString {
				return errs.New(errs.SchemaError, "meta.id must be a string")
			}
		}
		if v, ok := p.Meta[MetaParentID]; ok {
			if _, isString := v.(string); !isString {
				return errs.New(errs.SchemaError, "meta.parent_id must be a string")
			}
		}
	}
	return nil
}
